package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/skeinworks/skein/activity"
)

// SQLStore is a Store backed by a SQL database through sqlx. Supported
// drivers are sqlite3 (embedded, the default deployment) and postgres.
// Queries are written with ? placeholders and rebound per dialect.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens a SQL-backed store. The driver must be sqlite3 or
// postgres; the corresponding driver package must be linked in.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if _, _, err := migrationDir(driver); err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// Init implements Store
func (s *SQLStore) Init(ctx context.Context) error {
	return migrateUp(s.db.DB, s.driver)
}

// MigrateDown rolls back the most recent schema migration.
func (s *SQLStore) MigrateDown() error {
	return migrateDown(s.db.DB, s.driver)
}

// Close implements Store
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64     { return t.UTC().UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

type workflowRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Version     string `db:"version"`
	Status      string `db:"status"`
	Module      string `db:"module"`
	Input       []byte `db:"input"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r workflowRow) toWorkflow() Workflow {
	return Workflow{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Version:     r.Version,
		Status:      WorkflowStatus(r.Status),
		Module:      r.Module,
		Input:       r.Input,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

type taskRow struct {
	ID          string `db:"id"`
	WorkflowID  string `db:"workflow_id"`
	Kind        string `db:"kind"`
	Target      string `db:"target"`
	EventID     int64  `db:"event_id"`
	RunAt       int64  `db:"run_at"`
	Status      string `db:"status"`
	Attempts    int    `db:"attempts"`
	MaxAttempts int    `db:"max_attempts"`
	LastError   string `db:"last_error"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r taskRow) toTask() Task {
	return Task{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		Kind:        TaskKind(r.Kind),
		Target:      r.Target,
		EventID:     r.EventID,
		RunAt:       fromMillis(r.RunAt),
		Status:      TaskStatus(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		LastError:   r.LastError,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

type eventRow struct {
	ID         int64  `db:"id"`
	WorkflowID string `db:"workflow_id"`
	Type       string `db:"type"`
	Payload    string `db:"payload"`
	CreatedAt  int64  `db:"created_at"`
}

func (r eventRow) toEvent() (Event, error) {
	payload := make(map[string]any)
	if r.Payload != "" {
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			return Event{}, fmt.Errorf("decode payload of event %d: %w", r.ID, err)
		}
	}
	return Event{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Type:       EventType(r.Type),
		Payload:    payload,
		CreatedAt:  fromMillis(r.CreatedAt),
	}, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) workflowStatusTx(ctx context.Context, tx *sqlx.Tx, workflowID string) (WorkflowStatus, error) {
	var status string
	q := s.db.Rebind(`SELECT status FROM workflows WHERE id = ?`)
	if err := tx.GetContext(ctx, &status, q, workflowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
		}
		return "", fmt.Errorf("get workflow status: %w", err)
	}
	return WorkflowStatus(status), nil
}

func (s *SQLStore) insertEventTx(ctx context.Context, tx *sqlx.Tx, workflowID string, typ EventType, payload map[string]any) (int64, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	var id int64
	q := s.db.Rebind(`INSERT INTO events (workflow_id, type, payload, created_at) VALUES (?, ?, ?, ?) RETURNING id`)
	if err := tx.QueryRowxContext(ctx, q, workflowID, string(typ), string(b), toMillis(time.Now())).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// guardedEventTx refuses the append when the workflow is terminal.
func (s *SQLStore) guardedEventTx(ctx context.Context, tx *sqlx.Tx, workflowID string, typ EventType, payload map[string]any) (int64, error) {
	status, err := s.workflowStatusTx(ctx, tx, workflowID)
	if err != nil {
		return 0, err
	}
	if status.IsTerminal() {
		return 0, fmt.Errorf("append %s to workflow %s: %w", typ, workflowID, ErrWorkflowTerminal)
	}
	return s.insertEventTx(ctx, tx, workflowID, typ, payload)
}

func (s *SQLStore) insertTaskTx(ctx context.Context, tx *sqlx.Tx, t Task) error {
	now := toMillis(time.Now())
	q := s.db.Rebind(`
		INSERT INTO tasks (id, workflow_id, kind, target, event_id, run_at, status, attempts, max_attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, q,
		t.ID, t.WorkflowID, string(t.Kind), t.Target, t.EventID, toMillis(t.RunAt),
		string(t.Status), t.Attempts, t.MaxAttempts, t.LastError, now, now)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// CreateWorkflow implements Store
func (s *SQLStore) CreateWorkflow(ctx context.Context, meta WorkflowMeta, input any) (string, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal workflow input: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(inputJSON, &decoded); err != nil {
		return "", fmt.Errorf("decode workflow input: %w", err)
	}

	id := NewID()
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := toMillis(time.Now())
		q := s.db.Rebind(`
			INSERT INTO workflows (id, name, description, version, status, module, input, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, q,
			id, meta.Name, meta.Description, meta.Version, string(StatusRunning),
			meta.Module, inputJSON, now, now); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}

		if _, err := s.insertEventTx(ctx, tx, id, EventWorkflowStarted, map[string]any{"input": decoded}); err != nil {
			return err
		}

		return s.insertTaskTx(ctx, tx, Task{
			ID:         NewID(),
			WorkflowID: id,
			Kind:       TaskStep,
			Target:     meta.Name,
			RunAt:      time.Now(),
			Status:     TaskPending,
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetWorkflow implements Store
func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var row workflowRow
	q := s.db.Rebind(`SELECT * FROM workflows WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	wf := row.toWorkflow()
	return &wf, nil
}

// GetWorkflowStatus implements Store
func (s *SQLStore) GetWorkflowStatus(ctx context.Context, id string) (WorkflowStatus, error) {
	var status string
	q := s.db.Rebind(`SELECT status FROM workflows WHERE id = ?`)
	if err := s.db.GetContext(ctx, &status, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
		}
		return "", fmt.Errorf("get workflow status: %w", err)
	}
	return WorkflowStatus(status), nil
}

// ListWorkflows implements Store
func (s *SQLStore) ListWorkflows(ctx context.Context, status WorkflowStatus, limit int) ([]Workflow, error) {
	query := `SELECT * FROM workflows`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]Workflow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toWorkflow())
	}
	return out, nil
}

// DeleteWorkflow implements Store
func (s *SQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"logs", "tasks", "events"} {
			q := s.db.Rebind(`DELETE FROM ` + table + ` WHERE workflow_id = ?`)
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		q := s.db.Rebind(`DELETE FROM workflows WHERE id = ?`)
		res, err := tx.ExecContext(ctx, q, id)
		if err != nil {
			return fmt.Errorf("delete workflow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
		}
		return nil
	})
}

// AppendEvent implements Store
func (s *SQLStore) AppendEvent(ctx context.Context, workflowID string, typ EventType, payload map[string]any) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := s.guardedEventTx(ctx, tx, workflowID, typ, payload)
		return err
	})
}

// AppendEvents implements Store
func (s *SQLStore) AppendEvents(ctx context.Context, workflowID string, events []EventInput) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		status, err := s.workflowStatusTx(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		if status.IsTerminal() {
			return fmt.Errorf("append events to workflow %s: %w", workflowID, ErrWorkflowTerminal)
		}
		for _, e := range events {
			if _, err := s.insertEventTx(ctx, tx, workflowID, e.Type, e.Payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEvents implements Store
func (s *SQLStore) ListEvents(ctx context.Context, workflowID string) ([]Event, error) {
	var rows []eventRow
	q := s.db.Rebind(`SELECT * FROM events WHERE workflow_id = ? ORDER BY id ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetActivityEvent implements Store. The payload name check runs in Go
// so the query stays portable across dialects.
func (s *SQLStore) GetActivityEvent(ctx context.Context, workflowID, activityName string, eventID int64) (*Event, error) {
	var row eventRow
	q := s.db.Rebind(`SELECT * FROM events WHERE id = ? AND workflow_id = ? AND type = ?`)
	if err := s.db.GetContext(ctx, &row, q, eventID, workflowID, string(EventActivityScheduled)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get activity event: %w", err)
	}
	e, err := row.toEvent()
	if err != nil {
		return nil, err
	}
	if name, _ := e.Payload["name"].(string); name != activityName {
		return nil, nil
	}
	return &e, nil
}

// ClaimTask implements Store. The status guard on the outer UPDATE
// makes the claim safe when two workers race for the same row.
func (s *SQLStore) ClaimTask(ctx context.Context) (*Task, error) {
	now := toMillis(time.Now())
	q := s.db.Rebind(`
		UPDATE tasks
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE status = ? AND id = (
			SELECT id FROM tasks
			WHERE status = ? AND run_at <= ?
			ORDER BY run_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, workflow_id, kind, target, event_id, run_at, status, attempts, max_attempts, last_error, created_at, updated_at`)

	var row taskRow
	err := s.db.QueryRowxContext(ctx, q,
		string(TaskRunning), now, string(TaskPending), string(TaskPending), now).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	t := row.toTask()
	return &t, nil
}

func (s *SQLStore) setTaskStatus(ctx context.Context, id string, from, to TaskStatus, errMsg string) error {
	q := s.db.Rebind(`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`)
	if _, err := s.db.ExecContext(ctx, q, string(to), errMsg, toMillis(time.Now()), id, string(from)); err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

// CompleteTask implements Store
func (s *SQLStore) CompleteTask(ctx context.Context, id string) error {
	return s.setTaskStatus(ctx, id, TaskRunning, TaskCompleted, "")
}

// FailTask implements Store
func (s *SQLStore) FailTask(ctx context.Context, id, errMsg string) error {
	return s.setTaskStatus(ctx, id, TaskRunning, TaskFailed, errMsg)
}

// ReleaseTask implements Store
func (s *SQLStore) ReleaseTask(ctx context.Context, id string) error {
	return s.setTaskStatus(ctx, id, TaskRunning, TaskPending, "")
}

// ScheduleRetry implements Store
func (s *SQLStore) ScheduleRetry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	q := s.db.Rebind(`UPDATE tasks SET status = ?, run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, q, string(TaskPending), toMillis(runAt), errMsg, toMillis(time.Now()), id); err != nil {
		return fmt.Errorf("schedule retry for task %s: %w", id, err)
	}
	return nil
}

// ListTasks implements Store
func (s *SQLStore) ListTasks(ctx context.Context, workflowID string) ([]Task, error) {
	var rows []taskRow
	q := s.db.Rebind(`SELECT * FROM tasks WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTask())
	}
	return out, nil
}

// CreateActivity implements Store
func (s *SQLStore) CreateActivity(ctx context.Context, workflowID string, meta activity.Metadata) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		eventID, err := s.guardedEventTx(ctx, tx, workflowID, EventActivityScheduled, meta.Payload())
		if err != nil {
			return err
		}
		return s.insertTaskTx(ctx, tx, Task{
			ID:          NewID(),
			WorkflowID:  workflowID,
			Kind:        TaskActivity,
			Target:      meta.Name,
			EventID:     eventID,
			RunAt:       time.Now(),
			Status:      TaskPending,
			MaxAttempts: meta.RetryCount,
		})
	})
}

// rotateDriverTx completes a RUNNING STEP task and ensures exactly one
// PENDING STEP task exists for the workflow.
func (s *SQLStore) rotateDriverTx(ctx context.Context, tx *sqlx.Tx, workflowID string) error {
	var name string
	q := s.db.Rebind(`SELECT name FROM workflows WHERE id = ?`)
	if err := tx.GetContext(ctx, &name, q, workflowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
		}
		return fmt.Errorf("get workflow name: %w", err)
	}

	q = s.db.Rebind(`UPDATE tasks SET status = ?, updated_at = ? WHERE workflow_id = ? AND kind = ? AND status = ?`)
	if _, err := tx.ExecContext(ctx, q,
		string(TaskCompleted), toMillis(time.Now()), workflowID, string(TaskStep), string(TaskRunning)); err != nil {
		return fmt.Errorf("complete running driver: %w", err)
	}

	var pending int
	q = s.db.Rebind(`SELECT COUNT(*) FROM tasks WHERE workflow_id = ? AND kind = ? AND status = ?`)
	if err := tx.GetContext(ctx, &pending, q, workflowID, string(TaskStep), string(TaskPending)); err != nil {
		return fmt.Errorf("count pending drivers: %w", err)
	}
	if pending > 0 {
		return nil
	}

	return s.insertTaskTx(ctx, tx, Task{
		ID:         NewID(),
		WorkflowID: workflowID,
		Kind:       TaskStep,
		Target:     name,
		RunAt:      time.Now(),
		Status:     TaskPending,
	})
}

// RotateDriver implements Store
func (s *SQLStore) RotateDriver(ctx context.Context, workflowID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return s.rotateDriverTx(ctx, tx, workflowID)
	})
}

// CompleteActivity implements Store
func (s *SQLStore) CompleteActivity(ctx context.Context, workflowID, taskID, name string, result any) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.guardedEventTx(ctx, tx, workflowID, EventActivityCompleted, map[string]any{
			"name":   name,
			"result": result,
		}); err != nil {
			return err
		}
		q := s.db.Rebind(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`)
		if _, err := tx.ExecContext(ctx, q,
			string(TaskCompleted), toMillis(time.Now()), taskID, string(TaskRunning)); err != nil {
			return fmt.Errorf("complete activity task: %w", err)
		}
		return s.rotateDriverTx(ctx, tx, workflowID)
	})
}

// CreateTimer implements Store
func (s *SQLStore) CreateTimer(ctx context.Context, workflowID string, fireAt time.Time) (string, error) {
	timerID := NewID()
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		eventID, err := s.guardedEventTx(ctx, tx, workflowID, EventTimerScheduled, map[string]any{
			"timer_id": timerID,
			"fire_at":  fireAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
		return s.insertTaskTx(ctx, tx, Task{
			ID:         timerID,
			WorkflowID: workflowID,
			Kind:       TaskTimer,
			Target:     TimerTarget,
			EventID:    eventID,
			RunAt:      fireAt,
			Status:     TaskPending,
		})
	})
	if err != nil {
		return "", err
	}
	return timerID, nil
}

// CreateSignal implements Store
func (s *SQLStore) CreateSignal(ctx context.Context, workflowID, name string, payload map[string]any) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		status, err := s.workflowStatusTx(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		if status != StatusRunning {
			return fmt.Errorf("signal workflow %s: %w", workflowID, ErrWorkflowTerminal)
		}
		if _, err := s.insertEventTx(ctx, tx, workflowID, EventSignalReceived, map[string]any{
			"name":    name,
			"payload": payload,
			"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
		return s.rotateDriverTx(ctx, tx, workflowID)
	})
}

func (s *SQLStore) markTerminal(ctx context.Context, workflowID string, status WorkflowStatus, typ EventType, payload map[string]any, failPendingWith string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := s.workflowStatusTx(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return nil
		}

		if _, err := s.insertEventTx(ctx, tx, workflowID, typ, payload); err != nil {
			return err
		}

		q := s.db.Rebind(`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, q, string(status), toMillis(time.Now()), workflowID); err != nil {
			return fmt.Errorf("update workflow status: %w", err)
		}

		if failPendingWith != "" {
			q = s.db.Rebind(`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE workflow_id = ? AND status = ?`)
			if _, err := tx.ExecContext(ctx, q,
				string(TaskFailed), failPendingWith, toMillis(time.Now()), workflowID, string(TaskPending)); err != nil {
				return fmt.Errorf("fail pending tasks: %w", err)
			}
		}

		if status == StatusCompleted {
			q = s.db.Rebind(`UPDATE tasks SET status = ?, updated_at = ? WHERE workflow_id = ? AND kind = ? AND status = ?`)
			if _, err := tx.ExecContext(ctx, q,
				string(TaskCompleted), toMillis(time.Now()), workflowID, string(TaskStep), string(TaskRunning)); err != nil {
				return fmt.Errorf("complete running driver: %w", err)
			}
		}
		return nil
	})
}

// MarkCompleted implements Store
func (s *SQLStore) MarkCompleted(ctx context.Context, workflowID string) error {
	return s.markTerminal(ctx, workflowID, StatusCompleted, EventWorkflowCompleted, map[string]any{
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, "")
}

// MarkFailed implements Store
func (s *SQLStore) MarkFailed(ctx context.Context, workflowID, errMsg, taskID, taskKind string) error {
	payload := map[string]any{
		"error":     errMsg,
		"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	if taskKind != "" {
		payload["task_kind"] = taskKind
	}
	return s.markTerminal(ctx, workflowID, StatusFailed, EventWorkflowFailed, payload, "workflow failed")
}

// MarkCancelled implements Store
func (s *SQLStore) MarkCancelled(ctx context.Context, workflowID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	return s.markTerminal(ctx, workflowID, StatusCanceled, EventWorkflowCancelled, map[string]any{
		"reason":      reason,
		"canceled_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, "workflow cancelled")
}

// CreateLog implements Store
func (s *SQLStore) CreateLog(ctx context.Context, workflowID, level, message string) error {
	q := s.db.Rebind(`INSERT INTO logs (workflow_id, level, message, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, workflowID, level, message, toMillis(time.Now())); err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// ListLogs implements Store
func (s *SQLStore) ListLogs(ctx context.Context, workflowID string) ([]LogEntry, error) {
	type logRow struct {
		ID         int64  `db:"id"`
		WorkflowID string `db:"workflow_id"`
		Level      string `db:"level"`
		Message    string `db:"message"`
		CreatedAt  int64  `db:"created_at"`
	}
	var rows []logRow
	q := s.db.Rebind(`SELECT * FROM logs WHERE workflow_id = ? ORDER BY id ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	out := make([]LogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, LogEntry{
			ID:         r.ID,
			WorkflowID: r.WorkflowID,
			Level:      r.Level,
			Message:    r.Message,
			CreatedAt:  fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}

// Stats implements Store
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		WorkflowsByStatus: make(map[WorkflowStatus]int),
		TasksByStatus:     make(map[TaskStatus]int),
	}

	type countRow struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}

	var wfCounts []countRow
	if err := s.db.SelectContext(ctx, &wfCounts, `SELECT status, COUNT(*) AS n FROM workflows GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count workflows: %w", err)
	}
	for _, c := range wfCounts {
		stats.WorkflowsByStatus[WorkflowStatus(c.Status)] = c.N
	}

	var taskCounts []countRow
	if err := s.db.SelectContext(ctx, &taskCounts, `SELECT status, COUNT(*) AS n FROM tasks GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	for _, c := range taskCounts {
		stats.TasksByStatus[TaskStatus(c.Status)] = c.N
	}

	if err := s.db.GetContext(ctx, &stats.Events, `SELECT COUNT(*) FROM events`); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	return stats, nil
}
