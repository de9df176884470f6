// Package workflow provides the definition surface for durable,
// replayable workflows: declarations, step ordering, and the execution
// context interface consumed by user step code.
package workflow

import (
	"fmt"
	"time"
)

// StepFunc is the body of a single workflow step. Steps are executed in
// declared order on every tick; all side effects must go through the
// Context so replay stays deterministic.
type StepFunc func(ctx Context) error

// Step is one ordered section of a workflow. Its execution is bracketed
// by STEP_START/STEP_END events in the history.
type Step struct {
	Name        string
	Description string
	Fn          StepFunc
}

// Definition declares a named, versioned workflow program. Module is the
// locator the registry uses to re-resolve the program across process
// restarts; it is persisted with every workflow instance.
type Definition struct {
	Name        string
	Description string
	Version     string
	Module      string
	Steps       []Step
}

// Validate checks the structural rules for a workflow definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name cannot be empty")
	}
	if d.Module == "" {
		return fmt.Errorf("workflow %s: module locator cannot be empty", d.Name)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s must have at least one step", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("workflow %s: step name cannot be empty", d.Name)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("workflow %s: duplicate step name %s", d.Name, step.Name)
		}
		seen[step.Name] = struct{}{}
		if step.Fn == nil {
			return fmt.Errorf("workflow %s: step %s has no function", d.Name, step.Name)
		}
	}
	return nil
}

// Context provides workflow execution context with access to activities,
// timers, signals, and state management. Calls that cannot be resolved
// from history suspend the current tick by returning an error the engine
// recognizes; step code must propagate it unchanged.
type Context interface {
	// WorkflowID returns the unique identifier for this workflow execution
	WorkflowID() string

	// Input returns the immutable workflow input
	Input() any

	// State returns the replay-aware state proxy
	State() State

	// Activity invokes a registered activity by name and returns its
	// recorded result, scheduling it first if history has no record
	Activity(name string, args ...any) (any, error)

	// Sleep pauses workflow execution for the specified duration
	Sleep(d time.Duration) error

	// SleepUntil pauses workflow execution until the given time
	SleepUntil(t time.Time) error

	// WaitForSignal blocks the workflow until the named signal arrives
	// and returns its payload
	WaitForSignal(name string) (map[string]any, error)

	// IsReplaying reports whether the context is consuming history
	// recorded by an earlier tick
	IsReplaying() bool

	// Logger returns a workflow-aware logger; output is suppressed
	// during replay
	Logger() Logger
}

// Updater computes a new state value from the current one. Updaters run
// only on first execution; replay applies the recorded values instead.
type Updater func(old any) any

// State is the mutable workflow state map with proxy semantics: writes
// are persisted as events and consumed from history on replay, reads
// never consult history directly.
type State interface {
	// Get returns the value for key, or nil if absent
	Get(key string) any

	// Lookup returns the value for key and whether it is present
	Lookup(key string) (any, bool)

	// Set records a key/value write
	Set(key string, value any) error

	// Update applies updater functions and records the computed values
	// as one event
	Update(updaters map[string]Updater) error

	// Batch accumulates Set/Update events inside fn and flushes them in
	// a single transaction on return. Nested batches are rejected.
	Batch(fn func() error) error

	// Snapshot returns the current in-memory state map
	Snapshot() map[string]any
}

// Logger provides structured logging for workflows
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}
