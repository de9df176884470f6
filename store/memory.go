package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skeinworks/skein/activity"
)

// MemoryStore is an in-memory implementation of Store. It is the
// zero-config backend for tests and single-process runs; durability is
// limited to the process lifetime.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[string]*Workflow
	events    []Event
	nextEvent int64
	tasks     map[string]*Task
	taskSeq   map[string]int64
	nextTask  int64
	logs      []LogEntry
	nextLog   int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		tasks:     make(map[string]*Task),
		taskSeq:   make(map[string]int64),
	}
}

var _ Store = (*MemoryStore)(nil)

// Init implements Store
func (s *MemoryStore) Init(ctx context.Context) error { return nil }

// Close implements Store
func (s *MemoryStore) Close() error { return nil }

// clonePayload round-trips the payload through JSON so stored events are
// detached from caller maps and numerics match the SQL and redis
// backends (float64 after decoding).
func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func (s *MemoryStore) appendEventLocked(workflowID string, typ EventType, payload map[string]any) (int64, error) {
	wf, ok := s.workflows[workflowID]
	if !ok {
		return 0, fmt.Errorf("append event: %w", ErrWorkflowNotFound)
	}
	if wf.Status.IsTerminal() {
		return 0, fmt.Errorf("append %s to workflow %s: %w", typ, workflowID, ErrWorkflowTerminal)
	}
	s.nextEvent++
	s.events = append(s.events, Event{
		ID:         s.nextEvent,
		WorkflowID: workflowID,
		Type:       typ,
		Payload:    clonePayload(payload),
		CreatedAt:  time.Now().UTC(),
	})
	return s.nextEvent, nil
}

func (s *MemoryStore) insertTaskLocked(t Task) {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.nextTask++
	s.taskSeq[t.ID] = s.nextTask
	copied := t
	s.tasks[t.ID] = &copied
}

// CreateWorkflow implements Store
func (s *MemoryStore) CreateWorkflow(ctx context.Context, meta WorkflowMeta, input any) (string, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal workflow input: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := NewID()
	now := time.Now().UTC()
	s.workflows[id] = &Workflow{
		ID:          id,
		Name:        meta.Name,
		Description: meta.Description,
		Version:     meta.Version,
		Status:      StatusRunning,
		Module:      meta.Module,
		Input:       inputJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var decoded any
	if err := json.Unmarshal(inputJSON, &decoded); err != nil {
		return "", fmt.Errorf("decode workflow input: %w", err)
	}
	if _, err := s.appendEventLocked(id, EventWorkflowStarted, map[string]any{"input": decoded}); err != nil {
		return "", err
	}

	s.insertTaskLocked(Task{
		ID:         NewID(),
		WorkflowID: id,
		Kind:       TaskStep,
		Target:     meta.Name,
		RunAt:      now,
		Status:     TaskPending,
	})

	return id, nil
}

// GetWorkflow implements Store
func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
	}
	copied := *wf
	return &copied, nil
}

// GetWorkflowStatus implements Store
func (s *MemoryStore) GetWorkflowStatus(ctx context.Context, id string) (WorkflowStatus, error) {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	return wf.Status, nil
}

// ListWorkflows implements Store
func (s *MemoryStore) ListWorkflows(ctx context.Context, status WorkflowStatus, limit int) ([]Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if status != "" && wf.Status != status {
			continue
		}
		out = append(out, *wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteWorkflow implements Store
func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
	}
	delete(s.workflows, id)

	kept := s.events[:0]
	for _, e := range s.events {
		if e.WorkflowID != id {
			kept = append(kept, e)
		}
	}
	s.events = kept

	for taskID, t := range s.tasks {
		if t.WorkflowID == id {
			delete(s.tasks, taskID)
			delete(s.taskSeq, taskID)
		}
	}

	keptLogs := s.logs[:0]
	for _, l := range s.logs {
		if l.WorkflowID != id {
			keptLogs = append(keptLogs, l)
		}
	}
	s.logs = keptLogs
	return nil
}

// AppendEvent implements Store
func (s *MemoryStore) AppendEvent(ctx context.Context, workflowID string, typ EventType, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.appendEventLocked(workflowID, typ, payload)
	return err
}

// AppendEvents implements Store
func (s *MemoryStore) AppendEvents(ctx context.Context, workflowID string, events []EventInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate up front so a refused append leaves no partial batch.
	wf, ok := s.workflows[workflowID]
	if !ok {
		return fmt.Errorf("append events: %w", ErrWorkflowNotFound)
	}
	if wf.Status.IsTerminal() {
		return fmt.Errorf("append events to workflow %s: %w", workflowID, ErrWorkflowTerminal)
	}
	for _, e := range events {
		if _, err := s.appendEventLocked(workflowID, e.Type, e.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ListEvents implements Store
func (s *MemoryStore) ListEvents(ctx context.Context, workflowID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetActivityEvent implements Store
func (s *MemoryStore) GetActivityEvent(ctx context.Context, workflowID, activityName string, eventID int64) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID != eventID || e.WorkflowID != workflowID || e.Type != EventActivityScheduled {
			continue
		}
		if name, _ := e.Payload["name"].(string); name != activityName {
			continue
		}
		copied := e
		return &copied, nil
	}
	return nil, nil
}

// ClaimTask implements Store
func (s *MemoryStore) ClaimTask(ctx context.Context) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var best *Task
	for _, t := range s.tasks {
		if t.Status != TaskPending || t.RunAt.After(now) {
			continue
		}
		if best == nil || claimBefore(t, best, s.taskSeq) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = TaskRunning
	best.Attempts++
	best.UpdatedAt = now
	copied := *best
	return &copied, nil
}

// claimBefore orders claim candidates by run_at ascending, then by
// creation order.
func claimBefore(a, b *Task, seq map[string]int64) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return seq[a.ID] < seq[b.ID]
}

func (s *MemoryStore) setTaskStatusLocked(id string, from, to TaskStatus, errMsg string) {
	t, ok := s.tasks[id]
	if !ok || t.Status != from {
		return
	}
	t.Status = to
	if errMsg != "" {
		t.LastError = errMsg
	}
	t.UpdatedAt = time.Now().UTC()
}

// CompleteTask implements Store
func (s *MemoryStore) CompleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTaskStatusLocked(id, TaskRunning, TaskCompleted, "")
	return nil
}

// FailTask implements Store
func (s *MemoryStore) FailTask(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTaskStatusLocked(id, TaskRunning, TaskFailed, errMsg)
	return nil
}

// ReleaseTask implements Store
func (s *MemoryStore) ReleaseTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTaskStatusLocked(id, TaskRunning, TaskPending, "")
	return nil
}

// ScheduleRetry implements Store
func (s *MemoryStore) ScheduleRetry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	t.Status = TaskPending
	t.RunAt = runAt.UTC()
	t.LastError = errMsg
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ListTasks implements Store
func (s *MemoryStore) ListTasks(ctx context.Context, workflowID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, t := range s.tasks {
		if t.WorkflowID == workflowID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.taskSeq[out[i].ID] < s.taskSeq[out[j].ID] })
	return out, nil
}

// CreateActivity implements Store
func (s *MemoryStore) CreateActivity(ctx context.Context, workflowID string, meta activity.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventID, err := s.appendEventLocked(workflowID, EventActivityScheduled, meta.Payload())
	if err != nil {
		return err
	}

	s.insertTaskLocked(Task{
		ID:          NewID(),
		WorkflowID:  workflowID,
		Kind:        TaskActivity,
		Target:      meta.Name,
		EventID:     eventID,
		RunAt:       time.Now().UTC(),
		Status:      TaskPending,
		MaxAttempts: meta.RetryCount,
	})
	return nil
}

// CompleteActivity implements Store
func (s *MemoryStore) CompleteActivity(ctx context.Context, workflowID, taskID, name string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.appendEventLocked(workflowID, EventActivityCompleted, map[string]any{
		"name":   name,
		"result": result,
	}); err != nil {
		return err
	}
	s.setTaskStatusLocked(taskID, TaskRunning, TaskCompleted, "")
	s.rotateDriverLocked(workflowID)
	return nil
}

// CreateTimer implements Store
func (s *MemoryStore) CreateTimer(ctx context.Context, workflowID string, fireAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timerID := NewID()
	eventID, err := s.appendEventLocked(workflowID, EventTimerScheduled, map[string]any{
		"timer_id": timerID,
		"fire_at":  fireAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}

	s.insertTaskLocked(Task{
		ID:         timerID,
		WorkflowID: workflowID,
		Kind:       TaskTimer,
		Target:     TimerTarget,
		EventID:    eventID,
		RunAt:      fireAt.UTC(),
		Status:     TaskPending,
	})
	return timerID, nil
}

func (s *MemoryStore) rotateDriverLocked(workflowID string) {
	wf, ok := s.workflows[workflowID]
	if !ok {
		return
	}

	pending := false
	for _, t := range s.tasks {
		if t.WorkflowID != workflowID || t.Kind != TaskStep {
			continue
		}
		switch t.Status {
		case TaskRunning:
			t.Status = TaskCompleted
			t.UpdatedAt = time.Now().UTC()
		case TaskPending:
			pending = true
		}
	}
	if pending {
		return
	}

	s.insertTaskLocked(Task{
		ID:         NewID(),
		WorkflowID: workflowID,
		Kind:       TaskStep,
		Target:     wf.Name,
		RunAt:      time.Now().UTC(),
		Status:     TaskPending,
	})
}

// RotateDriver implements Store
func (s *MemoryStore) RotateDriver(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflowID]; !ok {
		return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	}
	s.rotateDriverLocked(workflowID)
	return nil
}

// CreateSignal implements Store
func (s *MemoryStore) CreateSignal(ctx context.Context, workflowID, name string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	}
	if wf.Status != StatusRunning {
		return fmt.Errorf("signal workflow %s: %w", workflowID, ErrWorkflowTerminal)
	}

	if _, err := s.appendEventLocked(workflowID, EventSignalReceived, map[string]any{
		"name":    name,
		"payload": payload,
		"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}
	s.rotateDriverLocked(workflowID)
	return nil
}

func (s *MemoryStore) markTerminalLocked(workflowID string, status WorkflowStatus, typ EventType, payload map[string]any, failPendingWith string) error {
	wf, ok := s.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	}
	if wf.Status.IsTerminal() {
		return nil
	}

	if _, err := s.appendEventLocked(workflowID, typ, payload); err != nil {
		return err
	}
	wf.Status = status
	wf.UpdatedAt = time.Now().UTC()

	for _, t := range s.tasks {
		if t.WorkflowID != workflowID {
			continue
		}
		switch {
		case failPendingWith != "" && t.Status == TaskPending:
			t.Status = TaskFailed
			t.LastError = failPendingWith
			t.UpdatedAt = time.Now().UTC()
		case status == StatusCompleted && t.Kind == TaskStep && t.Status == TaskRunning:
			t.Status = TaskCompleted
			t.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// MarkCompleted implements Store
func (s *MemoryStore) MarkCompleted(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markTerminalLocked(workflowID, StatusCompleted, EventWorkflowCompleted, map[string]any{
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, "")
}

// MarkFailed implements Store
func (s *MemoryStore) MarkFailed(ctx context.Context, workflowID, errMsg, taskID, taskKind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	return s.markTerminalLocked(workflowID, StatusFailed, EventWorkflowFailed, payload, "workflow failed")
}

// MarkCancelled implements Store
func (s *MemoryStore) MarkCancelled(ctx context.Context, workflowID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reason == "" {
		reason = "cancelled"
	}
	return s.markTerminalLocked(workflowID, StatusCanceled, EventWorkflowCancelled, map[string]any{
		"reason":      reason,
		"canceled_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, "workflow cancelled")
}

// CreateLog implements Store
func (s *MemoryStore) CreateLog(ctx context.Context, workflowID, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLog++
	s.logs = append(s.logs, LogEntry{
		ID:         s.nextLog,
		WorkflowID: workflowID,
		Level:      level,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

// ListLogs implements Store
func (s *MemoryStore) ListLogs(ctx context.Context, workflowID string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LogEntry
	for _, l := range s.logs {
		if l.WorkflowID == workflowID {
			out = append(out, l)
		}
	}
	return out, nil
}

// Stats implements Store
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{
		WorkflowsByStatus: make(map[WorkflowStatus]int),
		TasksByStatus:     make(map[TaskStatus]int),
		Events:            len(s.events),
	}
	for _, wf := range s.workflows {
		stats.WorkflowsByStatus[wf.Status]++
	}
	for _, t := range s.tasks {
		stats.TasksByStatus[t.Status]++
	}
	return stats, nil
}
