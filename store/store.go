// Package store provides transactional persistence for workflows,
// their append-only event logs, the task queue, and diagnostic logs.
// All implementations guarantee that multi-row operations either fully
// commit or leave no trace.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/skeinworks/skein/activity"
)

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "RUNNING"
	StatusCompleted WorkflowStatus = "COMPLETED"
	StatusFailed    WorkflowStatus = "FAILED"
	StatusCanceled  WorkflowStatus = "CANCELED"
)

// IsTerminal returns true if the status is terminal (workflow is done)
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// EventType represents the type of workflow event
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"
	EventStepStart         EventType = "STEP_START"
	EventStepEnd           EventType = "STEP_END"
	EventActivityScheduled EventType = "ACTIVITY_SCHEDULED"
	EventActivityCompleted EventType = "ACTIVITY_COMPLETED"
	EventActivityFailed    EventType = "ACTIVITY_FAILED"
	EventTimerScheduled    EventType = "TIMER_SCHEDULED"
	EventTimerFired        EventType = "TIMER_FIRED"
	EventSignalReceived    EventType = "SIGNAL_RECEIVED"
	EventStateSet          EventType = "STATE_SET"
	EventStateUpdate       EventType = "STATE_UPDATE"
)

// IsTerminal reports whether no event may legally follow this one.
func (t EventType) IsTerminal() bool {
	return t == EventWorkflowCompleted || t == EventWorkflowFailed || t == EventWorkflowCancelled
}

// TaskKind represents the kind of scheduled work
type TaskKind string

const (
	TaskStep     TaskKind = "STEP"
	TaskActivity TaskKind = "ACTIVITY"
	TaskTimer    TaskKind = "TIMER"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// TimerTarget is the target string used for TIMER tasks.
const TimerTarget = "__timer__"

// Workflow is a running instance of a named, versioned program.
type Workflow struct {
	ID          string         `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	Description string         `db:"description" json:"description"`
	Version     string         `db:"version" json:"version"`
	Status      WorkflowStatus `db:"status" json:"status"`
	Module      string         `db:"module" json:"module"`
	Input       []byte         `db:"input" json:"input"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// WorkflowMeta carries the immutable declaration data persisted when a
// workflow instance is created.
type WorkflowMeta struct {
	Name        string
	Description string
	Version     string
	Module      string
}

// Event is an immutable record appended to a per-workflow log, ordered
// by ID.
type Event struct {
	ID         int64          `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Type       EventType      `json:"type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EventInput is an event pending insertion, used for batched appends.
type EventInput struct {
	Type    EventType
	Payload map[string]any
}

// Task is a unit of scheduled work consumed by the worker pool.
// EventID binds ACTIVITY and TIMER tasks to the event that scheduled
// them; it stays the same across retries of the same logical call.
type Task struct {
	ID          string     `db:"id" json:"id"`
	WorkflowID  string     `db:"workflow_id" json:"workflow_id"`
	Kind        TaskKind   `db:"kind" json:"kind"`
	Target      string     `db:"target" json:"target"`
	EventID     int64      `db:"event_id" json:"event_id"`
	RunAt       time.Time  `db:"run_at" json:"run_at"`
	Status      TaskStatus `db:"status" json:"status"`
	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"max_attempts"`
	LastError   string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// LogEntry is diagnostic text emitted during live execution. It is not
// authoritative for workflow state.
type LogEntry struct {
	ID         int64     `db:"id" json:"id"`
	WorkflowID string    `db:"workflow_id" json:"workflow_id"`
	Level      string    `db:"level" json:"level"`
	Message    string    `db:"message" json:"message"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Stats summarizes store contents for the CLI stats command.
type Stats struct {
	WorkflowsByStatus map[WorkflowStatus]int `json:"workflows_by_status"`
	TasksByStatus     map[TaskStatus]int     `json:"tasks_by_status"`
	Events            int                    `json:"events"`
}

var (
	// ErrWorkflowNotFound is returned when a workflow ID is unknown.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowTerminal is returned when an append or signal targets
	// a workflow already in a terminal state.
	ErrWorkflowTerminal = errors.New("workflow is in a terminal state")
)

// Store is the coordination surface shared by every worker. All
// cross-worker synchronization happens through it; operations are
// serializable with respect to a single workflow.
type Store interface {
	// Init creates tables and indexes if absent
	Init(ctx context.Context) error

	// Close releases underlying resources
	Close() error

	// CreateWorkflow inserts the workflow in RUNNING, appends
	// WORKFLOW_STARTED and enqueues the first STEP task, all in one
	// transaction. Returns the generated workflow ID.
	CreateWorkflow(ctx context.Context, meta WorkflowMeta, input any) (string, error)

	// GetWorkflow returns workflow metadata or ErrWorkflowNotFound
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetWorkflowStatus returns only the status
	GetWorkflowStatus(ctx context.Context, id string) (WorkflowStatus, error)

	// ListWorkflows lists workflows, optionally filtered by status.
	// A zero limit means no limit.
	ListWorkflows(ctx context.Context, status WorkflowStatus, limit int) ([]Workflow, error)

	// DeleteWorkflow removes a workflow and its events, tasks and logs
	DeleteWorkflow(ctx context.Context, id string) error

	// AppendEvent appends one event; refuses with ErrWorkflowTerminal
	// if the workflow has terminated
	AppendEvent(ctx context.Context, workflowID string, typ EventType, payload map[string]any) error

	// AppendEvents appends several events in one transaction
	AppendEvents(ctx context.Context, workflowID string, events []EventInput) error

	// ListEvents returns all events for a workflow by ID ascending
	ListEvents(ctx context.Context, workflowID string) ([]Event, error)

	// GetActivityEvent returns the ACTIVITY_SCHEDULED event with the
	// given ID and matching payload name, or nil if absent. The ID
	// comes from the task's EventID, so retries of one logical call
	// always recover the same recorded arguments.
	GetActivityEvent(ctx context.Context, workflowID, activityName string, eventID int64) (*Event, error)

	// ClaimTask atomically claims the oldest eligible PENDING task,
	// marking it RUNNING with attempts+1. Returns (nil, nil) when no
	// task is eligible. Safe under concurrent callers.
	ClaimTask(ctx context.Context) (*Task, error)

	// CompleteTask marks a RUNNING task COMPLETED
	CompleteTask(ctx context.Context, id string) error

	// FailTask marks a RUNNING task FAILED with the error
	FailTask(ctx context.Context, id, errMsg string) error

	// ReleaseTask returns a RUNNING task to PENDING with run_at unchanged
	ReleaseTask(ctx context.Context, id string) error

	// ScheduleRetry returns a RUNNING task to PENDING with a new run_at
	ScheduleRetry(ctx context.Context, id string, runAt time.Time, errMsg string) error

	// ListTasks returns all tasks for a workflow, oldest first
	ListTasks(ctx context.Context, workflowID string) ([]Task, error)

	// CreateActivity appends ACTIVITY_SCHEDULED and inserts a PENDING
	// ACTIVITY task carrying the event's ID, in one transaction
	CreateActivity(ctx context.Context, workflowID string, meta activity.Metadata) error

	// CompleteActivity appends ACTIVITY_COMPLETED, marks the task
	// COMPLETED and rotates the driver in one transaction
	CompleteActivity(ctx context.Context, workflowID, taskID, name string, result any) error

	// CreateTimer appends TIMER_SCHEDULED and inserts a PENDING TIMER
	// task with run_at=fireAt in one transaction. Returns the timer ID.
	CreateTimer(ctx context.Context, workflowID string, fireAt time.Time) (string, error)

	// RotateDriver completes the RUNNING STEP task, if any, and ensures
	// exactly one PENDING STEP task exists, in one transaction
	RotateDriver(ctx context.Context, workflowID string) error

	// CreateSignal appends SIGNAL_RECEIVED and rotates the driver;
	// errors if the workflow is not RUNNING
	CreateSignal(ctx context.Context, workflowID, name string, payload map[string]any) error

	// MarkCompleted appends WORKFLOW_COMPLETED and sets the status.
	// No-op if already terminal.
	MarkCompleted(ctx context.Context, workflowID string) error

	// MarkFailed appends WORKFLOW_FAILED, sets the status and fails all
	// PENDING tasks. No-op if already terminal. taskID and taskKind are
	// optional provenance, recorded in the payload when non-empty.
	MarkFailed(ctx context.Context, workflowID, errMsg, taskID, taskKind string) error

	// MarkCancelled appends WORKFLOW_CANCELLED, sets the status and
	// fails all PENDING tasks. No-op if already terminal.
	MarkCancelled(ctx context.Context, workflowID, reason string) error

	// CreateLog records a diagnostic log line
	CreateLog(ctx context.Context, workflowID, level, message string) error

	// ListLogs returns diagnostic logs for a workflow, oldest first
	ListLogs(ctx context.Context, workflowID string) ([]LogEntry, error)

	// Stats summarizes store contents
	Stats(ctx context.Context) (*Stats, error)
}

// FoldState reconstructs the workflow state map by folding STATE_SET
// and STATE_UPDATE events over an empty map in event-ID order.
func FoldState(events []Event) map[string]any {
	state := make(map[string]any)
	for _, e := range events {
		switch e.Type {
		case EventStateSet:
			key, ok := e.Payload["key"].(string)
			if !ok {
				continue
			}
			state[key] = e.Payload["value"]
		case EventStateUpdate:
			values, ok := e.Payload["values"].(map[string]any)
			if !ok {
				continue
			}
			for k, v := range values {
				state[k] = v
			}
		}
	}
	return state
}

// NewID generates a unique identifier for workflows, tasks and timers.
func NewID() string {
	return newUUIDHex()
}
