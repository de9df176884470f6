package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skeinworks/skein/activity"
)

// RedisStore is a Store backed by a single redis instance. Workflow,
// task and event records are JSON strings; the pending queue and the
// per-workflow indexes are zsets; every multi-key transition runs as a
// Lua script so concurrent workers observe consistent state.
type RedisStore struct {
	rdb        redis.UniversalClient
	prefix     string
	ownsClient bool

	createWorkflow   *redis.Script
	appendEvents     *redis.Script
	scheduleWork     *redis.Script
	claimTask        *redis.Script
	setTaskStatus    *redis.Script
	rotateDriver     *redis.Script
	completeActivity *redis.Script
	createSignal     *redis.Script
	markTerminal     *redis.Script
	deleteWorkflow   *redis.Script
}

var _ Store = (*RedisStore)(nil)

// RedisConfig configures the redis-backed store.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s := newRedisStore(rdb, cfg.Prefix)
	s.ownsClient = true
	return s, nil
}

// NewRedisStoreFromClient wraps a caller-managed client. Close will
// not close the client.
func NewRedisStoreFromClient(ctx context.Context, rdb redis.UniversalClient, prefix string) (*RedisStore, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStore(rdb, prefix), nil
}

func newRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "skein"
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,

		createWorkflow:   redis.NewScript(luaCreateWorkflow),
		appendEvents:     redis.NewScript(luaAppendEvents),
		scheduleWork:     redis.NewScript(luaScheduleWork),
		claimTask:        redis.NewScript(luaClaimTask),
		setTaskStatus:    redis.NewScript(luaSetTaskStatus),
		rotateDriver:     redis.NewScript(luaRotateDriver),
		completeActivity: redis.NewScript(luaCompleteActivity),
		createSignal:     redis.NewScript(luaCreateSignal),
		markTerminal:     redis.NewScript(luaMarkTerminal),
		deleteWorkflow:   redis.NewScript(luaDeleteWorkflow),
	}
}

// Init implements Store. The schema is created lazily per key.
func (s *RedisStore) Init(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close implements Store
func (s *RedisStore) Close() error {
	if s.ownsClient {
		return s.rdb.Close()
	}
	return nil
}

// ---------- Key helpers ----------

func (s *RedisStore) wfKey(id string) string      { return fmt.Sprintf("%s:wf:%s", s.prefix, id) }
func (s *RedisStore) eventsKey(id string) string  { return fmt.Sprintf("%s:wf:%s:events", s.prefix, id) }
func (s *RedisStore) wfTasksKey(id string) string { return fmt.Sprintf("%s:wf:%s:tasks", s.prefix, id) }
func (s *RedisStore) logsKey(id string) string    { return fmt.Sprintf("%s:wf:%s:logs", s.prefix, id) }
func (s *RedisStore) taskKey(id string) string    { return fmt.Sprintf("%s:task:%s", s.prefix, id) }
func (s *RedisStore) allKey() string              { return fmt.Sprintf("%s:wf:all", s.prefix) }

// ---------- Record shapes ----------

type redisWorkflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Status      string `json:"status"`
	Module      string `json:"module"`
	Input       string `json:"input"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func (r redisWorkflow) toWorkflow() Workflow {
	return Workflow{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Version:     r.Version,
		Status:      WorkflowStatus(r.Status),
		Module:      r.Module,
		Input:       []byte(r.Input),
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

type redisTask struct {
	ID          string `json:"id"`
	WorkflowID  string `json:"workflow_id"`
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	EventID     int64  `json:"event_id"`
	RunAt       int64  `json:"run_at"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	Seq         int64  `json:"seq"`
	Member      string `json:"member"`
}

func (r redisTask) toTask() Task {
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

type redisEvent struct {
	ID         int64          `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  int64          `json:"created_at"`
}

func (r redisEvent) toEvent() Event {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Type:       EventType(r.Type),
		Payload:    payload,
		CreatedAt:  fromMillis(r.CreatedAt),
	}
}

// marshalEvent builds the event JSON handed to the scripts. The id is
// deliberately absent: appendEvent splices the sequence number in
// front of this document, so the payload bytes reach redis exactly as
// encoding/json produced them.
func marshalEvent(workflowID string, typ EventType, payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(struct {
		WorkflowID string         `json:"workflow_id"`
		Type       string         `json:"type"`
		Payload    map[string]any `json:"payload"`
		CreatedAt  int64          `json:"created_at"`
	}{
		WorkflowID: workflowID,
		Type:       string(typ),
		Payload:    payload,
		CreatedAt:  toMillis(time.Now()),
	})
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return string(b), nil
}

func marshalTask(t Task) (string, error) {
	now := toMillis(time.Now())
	b, err := json.Marshal(redisTask{
		ID:          t.ID,
		WorkflowID:  t.WorkflowID,
		Kind:        string(t.Kind),
		Target:      t.Target,
		EventID:     t.EventID,
		RunAt:       toMillis(t.RunAt),
		Status:      string(t.Status),
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		LastError:   t.LastError,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	return string(b), nil
}

// driverTaskJSON builds the replacement STEP task handed to rotation
// scripts. The script only inserts it when no PENDING driver exists.
func driverTaskJSON(workflowID, name string) (string, int64, error) {
	now := time.Now()
	j, err := marshalTask(Task{
		ID:         NewID(),
		WorkflowID: workflowID,
		Kind:       TaskStep,
		Target:     name,
		RunAt:      now,
		Status:     TaskPending,
	})
	if err != nil {
		return "", 0, err
	}
	return j, toMillis(now), nil
}

// translateErr maps script error replies onto the store sentinels.
func translateErr(workflowID string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ENOWORKFLOW"):
		return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	case strings.Contains(msg, "ETERMINAL"):
		return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowTerminal)
	}
	return err
}

// ---------- Workflows ----------

// CreateWorkflow implements Store
func (s *RedisStore) CreateWorkflow(ctx context.Context, meta WorkflowMeta, input any) (string, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal workflow input: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(inputJSON, &decoded); err != nil {
		return "", fmt.Errorf("decode workflow input: %w", err)
	}

	id := NewID()
	now := time.Now()
	wfJSON, err := json.Marshal(redisWorkflow{
		ID:          id,
		Name:        meta.Name,
		Description: meta.Description,
		Version:     meta.Version,
		Status:      string(StatusRunning),
		Module:      meta.Module,
		Input:       string(inputJSON),
		CreatedAt:   toMillis(now),
		UpdatedAt:   toMillis(now),
	})
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}

	evJSON, err := marshalEvent(id, EventWorkflowStarted, map[string]any{"input": decoded})
	if err != nil {
		return "", err
	}
	taskJSON, runAt, err := driverTaskJSON(id, meta.Name)
	if err != nil {
		return "", err
	}

	if err := s.createWorkflow.Run(ctx, s.rdb, nil,
		s.prefix, string(wfJSON), toMillis(now), evJSON, taskJSON, runAt).Err(); err != nil {
		return "", fmt.Errorf("create workflow: %w", err)
	}
	return id, nil
}

func (s *RedisStore) getWorkflowRecord(ctx context.Context, id string) (*redisWorkflow, error) {
	v, err := s.rdb.Get(ctx, s.wfKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
		}
		return nil, fmt.Errorf("redis get workflow: %w", err)
	}
	var r redisWorkflow
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &r, nil
}

// GetWorkflow implements Store
func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	r, err := s.getWorkflowRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	wf := r.toWorkflow()
	return &wf, nil
}

// GetWorkflowStatus implements Store
func (s *RedisStore) GetWorkflowStatus(ctx context.Context, id string) (WorkflowStatus, error) {
	r, err := s.getWorkflowRecord(ctx, id)
	if err != nil {
		return "", err
	}
	return WorkflowStatus(r.Status), nil
}

// ListWorkflows implements Store
func (s *RedisStore) ListWorkflows(ctx context.Context, status WorkflowStatus, limit int) ([]Workflow, error) {
	ids, err := s.rdb.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange workflows: %w", err)
	}
	out := make([]Workflow, 0, len(ids))
	for _, id := range ids {
		r, err := s.getWorkflowRecord(ctx, id)
		if err != nil {
			if errors.Is(err, ErrWorkflowNotFound) {
				continue
			}
			return nil, err
		}
		if status != "" && WorkflowStatus(r.Status) != status {
			continue
		}
		out = append(out, r.toWorkflow())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteWorkflow implements Store
func (s *RedisStore) DeleteWorkflow(ctx context.Context, id string) error {
	err := s.deleteWorkflow.Run(ctx, s.rdb, nil, s.prefix, id).Err()
	return translateErr(id, err)
}

// ---------- Events ----------

// AppendEvent implements Store
func (s *RedisStore) AppendEvent(ctx context.Context, workflowID string, typ EventType, payload map[string]any) error {
	return s.AppendEvents(ctx, workflowID, []EventInput{{Type: typ, Payload: payload}})
}

// AppendEvents implements Store
func (s *RedisStore) AppendEvents(ctx context.Context, workflowID string, events []EventInput) error {
	args := make([]any, 0, len(events)+2)
	args = append(args, s.prefix, workflowID)
	for _, e := range events {
		j, err := marshalEvent(workflowID, e.Type, e.Payload)
		if err != nil {
			return err
		}
		args = append(args, j)
	}
	return translateErr(workflowID, s.appendEvents.Run(ctx, s.rdb, nil, args...).Err())
}

// ListEvents implements Store
func (s *RedisStore) ListEvents(ctx context.Context, workflowID string) ([]Event, error) {
	vals, err := s.rdb.ZRange(ctx, s.eventsKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange events: %w", err)
	}
	out := make([]Event, 0, len(vals))
	for _, v := range vals {
		var r redisEvent
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, r.toEvent())
	}
	return out, nil
}

// GetActivityEvent implements Store
func (s *RedisStore) GetActivityEvent(ctx context.Context, workflowID, activityName string, eventID int64) (*Event, error) {
	events, err := s.ListEvents(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.ID != eventID || e.Type != EventActivityScheduled {
			continue
		}
		if name, _ := e.Payload["name"].(string); name != activityName {
			return nil, nil
		}
		ev := e
		return &ev, nil
	}
	return nil, nil
}

// ---------- Tasks ----------

// ClaimTask implements Store
func (s *RedisStore) ClaimTask(ctx context.Context) (*Task, error) {
	v, err := s.claimTask.Run(ctx, s.rdb, nil, s.prefix, toMillis(time.Now())).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis claim task: %w", err)
	}
	var r redisTask
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return nil, fmt.Errorf("unmarshal claimed task: %w", err)
	}
	t := r.toTask()
	return &t, nil
}

func (s *RedisStore) runSetTaskStatus(ctx context.Context, id string, from, to TaskStatus, errMsg string, runAt string) error {
	err := s.setTaskStatus.Run(ctx, s.rdb, nil,
		s.prefix, id, string(from), string(to), errMsg, toMillis(time.Now()), runAt).Err()
	if err != nil {
		return fmt.Errorf("redis update task %s: %w", id, err)
	}
	return nil
}

// CompleteTask implements Store
func (s *RedisStore) CompleteTask(ctx context.Context, id string) error {
	return s.runSetTaskStatus(ctx, id, TaskRunning, TaskCompleted, "", "")
}

// FailTask implements Store
func (s *RedisStore) FailTask(ctx context.Context, id, errMsg string) error {
	return s.runSetTaskStatus(ctx, id, TaskRunning, TaskFailed, errMsg, "")
}

// ReleaseTask implements Store
func (s *RedisStore) ReleaseTask(ctx context.Context, id string) error {
	return s.runSetTaskStatus(ctx, id, TaskRunning, TaskPending, "", "")
}

// ScheduleRetry implements Store
func (s *RedisStore) ScheduleRetry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	return s.runSetTaskStatus(ctx, id, "", TaskPending, errMsg, fmt.Sprintf("%d", toMillis(runAt)))
}

// ListTasks implements Store
func (s *RedisStore) ListTasks(ctx context.Context, workflowID string) ([]Task, error) {
	ids, err := s.rdb.ZRange(ctx, s.wfTasksKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange tasks: %w", err)
	}
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		v, err := s.rdb.Get(ctx, s.taskKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis get task: %w", err)
		}
		var r redisTask
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		out = append(out, r.toTask())
	}
	return out, nil
}

// ---------- Engine transitions ----------

// CreateActivity implements Store
func (s *RedisStore) CreateActivity(ctx context.Context, workflowID string, meta activity.Metadata) error {
	evJSON, err := marshalEvent(workflowID, EventActivityScheduled, meta.Payload())
	if err != nil {
		return err
	}
	now := time.Now()
	taskJSON, err := marshalTask(Task{
		ID:          NewID(),
		WorkflowID:  workflowID,
		Kind:        TaskActivity,
		Target:      meta.Name,
		RunAt:       now,
		Status:      TaskPending,
		MaxAttempts: meta.RetryCount,
	})
	if err != nil {
		return err
	}
	return translateErr(workflowID, s.scheduleWork.Run(ctx, s.rdb, nil,
		s.prefix, workflowID, evJSON, taskJSON, toMillis(now)).Err())
}

// CreateTimer implements Store
func (s *RedisStore) CreateTimer(ctx context.Context, workflowID string, fireAt time.Time) (string, error) {
	timerID := NewID()
	evJSON, err := marshalEvent(workflowID, EventTimerScheduled, map[string]any{
		"timer_id": timerID,
		"fire_at":  fireAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	taskJSON, err := marshalTask(Task{
		ID:         timerID,
		WorkflowID: workflowID,
		Kind:       TaskTimer,
		Target:     TimerTarget,
		RunAt:      fireAt,
		Status:     TaskPending,
	})
	if err != nil {
		return "", err
	}
	err = translateErr(workflowID, s.scheduleWork.Run(ctx, s.rdb, nil,
		s.prefix, workflowID, evJSON, taskJSON, toMillis(fireAt)).Err())
	if err != nil {
		return "", err
	}
	return timerID, nil
}

// RotateDriver implements Store
func (s *RedisStore) RotateDriver(ctx context.Context, workflowID string) error {
	r, err := s.getWorkflowRecord(ctx, workflowID)
	if err != nil {
		return err
	}
	taskJSON, runAt, err := driverTaskJSON(workflowID, r.Name)
	if err != nil {
		return err
	}
	return translateErr(workflowID, s.rotateDriver.Run(ctx, s.rdb, nil,
		s.prefix, workflowID, toMillis(time.Now()), taskJSON, runAt).Err())
}

// CompleteActivity implements Store
func (s *RedisStore) CompleteActivity(ctx context.Context, workflowID, taskID, name string, result any) error {
	r, err := s.getWorkflowRecord(ctx, workflowID)
	if err != nil {
		return err
	}
	evJSON, err := marshalEvent(workflowID, EventActivityCompleted, map[string]any{
		"name":   name,
		"result": result,
	})
	if err != nil {
		return err
	}
	taskJSON, runAt, err := driverTaskJSON(workflowID, r.Name)
	if err != nil {
		return err
	}
	return translateErr(workflowID, s.completeActivity.Run(ctx, s.rdb, nil,
		s.prefix, workflowID, toMillis(time.Now()), evJSON, taskID, taskJSON, runAt).Err())
}

// CreateSignal implements Store
func (s *RedisStore) CreateSignal(ctx context.Context, workflowID, name string, payload map[string]any) error {
	r, err := s.getWorkflowRecord(ctx, workflowID)
	if err != nil {
		return err
	}
	evJSON, err := marshalEvent(workflowID, EventSignalReceived, map[string]any{
		"name":    name,
		"payload": payload,
		"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	taskJSON, runAt, err := driverTaskJSON(workflowID, r.Name)
	if err != nil {
		return err
	}
	return translateErr(workflowID, s.createSignal.Run(ctx, s.rdb, nil,
		s.prefix, workflowID, toMillis(time.Now()), evJSON, taskJSON, runAt).Err())
}

func (s *RedisStore) runMarkTerminal(ctx context.Context, workflowID string, status WorkflowStatus, typ EventType, payload map[string]any, failPendingWith, completeRunning string) error {
	evJSON, err := marshalEvent(workflowID, typ, payload)
	if err != nil {
		return err
	}
	return translateErr(workflowID, s.markTerminal.Run(ctx, s.rdb, nil,
		s.prefix, workflowID, toMillis(time.Now()), string(status), evJSON, failPendingWith, completeRunning).Err())
}

// MarkCompleted implements Store
func (s *RedisStore) MarkCompleted(ctx context.Context, workflowID string) error {
	return s.runMarkTerminal(ctx, workflowID, StatusCompleted, EventWorkflowCompleted, map[string]any{
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, "", "1")
}

// MarkFailed implements Store
func (s *RedisStore) MarkFailed(ctx context.Context, workflowID, errMsg, taskID, taskKind string) error {
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
	return s.runMarkTerminal(ctx, workflowID, StatusFailed, EventWorkflowFailed, payload, "workflow failed", "")
}

// MarkCancelled implements Store
func (s *RedisStore) MarkCancelled(ctx context.Context, workflowID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	return s.runMarkTerminal(ctx, workflowID, StatusCanceled, EventWorkflowCancelled, map[string]any{
		"reason":      reason,
		"canceled_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, "workflow cancelled", "")
}

// ---------- Logs / stats ----------

type redisLog struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
}

// CreateLog implements Store
func (s *RedisStore) CreateLog(ctx context.Context, workflowID, level, message string) error {
	b, err := json.Marshal(redisLog{Level: level, Message: message, CreatedAt: toMillis(time.Now())})
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.logsKey(workflowID), b).Err(); err != nil {
		return fmt.Errorf("redis rpush log: %w", err)
	}
	return nil
}

// ListLogs implements Store
func (s *RedisStore) ListLogs(ctx context.Context, workflowID string) ([]LogEntry, error) {
	vals, err := s.rdb.LRange(ctx, s.logsKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange logs: %w", err)
	}
	out := make([]LogEntry, 0, len(vals))
	for i, v := range vals {
		var r redisLog
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		out = append(out, LogEntry{
			ID:         int64(i + 1),
			WorkflowID: workflowID,
			Level:      r.Level,
			Message:    r.Message,
			CreatedAt:  fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}

// Stats implements Store
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		WorkflowsByStatus: make(map[WorkflowStatus]int),
		TasksByStatus:     make(map[TaskStatus]int),
	}
	ids, err := s.rdb.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange workflows: %w", err)
	}
	for _, id := range ids {
		r, err := s.getWorkflowRecord(ctx, id)
		if err != nil {
			if errors.Is(err, ErrWorkflowNotFound) {
				continue
			}
			return nil, err
		}
		stats.WorkflowsByStatus[WorkflowStatus(r.Status)]++

		tasks, err := s.ListTasks(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			stats.TasksByStatus[t.Status]++
		}

		n, err := s.rdb.ZCard(ctx, s.eventsKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis zcard events: %w", err)
		}
		stats.Events += int(n)
	}
	return stats, nil
}
