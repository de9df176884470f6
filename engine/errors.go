// Package engine contains the durable-execution runtime: the replay
// context handed to workflow code, the replay loop, the activity
// executor and the per-task dispatcher.
package engine

import (
	"errors"
	"fmt"
)

// ErrSuspend signals that the current tick has done all the work its
// history justifies. It is not a failure: the worker persists nothing
// further and waits for an external event to rotate the driver.
// Workflow step code must propagate it unchanged.
var ErrSuspend = errors.New("workflow suspended")

// NonDeterminismError reports that the recorded history disagrees with
// what the workflow code requested at a decision point. The workflow
// is failed; no repair is attempted.
type NonDeterminismError struct {
	WorkflowID string
	Expected   string
	Got        string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic workflow %s: code expected %s, history has %s",
		e.WorkflowID, e.Expected, e.Got)
}

// ActivityError reports that an activity exhausted its retries. Replay
// surfaces it when the recorded ACTIVITY_FAILED event is consumed.
type ActivityError struct {
	Name    string
	Message string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed: %s", e.Name, e.Message)
}

// storeFault wraps a store error raised inside a decision point so the
// replay loop can tell infrastructure failures (fatal to the task)
// apart from workflow failures (fatal to the workflow).
type storeFault struct {
	err error
}

func (e *storeFault) Error() string { return e.err.Error() }
func (e *storeFault) Unwrap() error { return e.err }
