// Package activity provides registration and metadata for executable
// units of work within workflows. Activities are the only place side
// effects may occur; their results are persisted and replayed.
package activity

import (
	"context"
	"fmt"
)

// Func is a side-effectful activity function. Args are the values
// recorded in the ACTIVITY_SCHEDULED event, decoded from JSON; the
// returned value is persisted as the activity result. Execution is
// at-least-once, so implementations should be idempotent.
type Func func(ctx context.Context, args ...any) (any, error)

// Info holds execution policy metadata for an activity.
type Info struct {
	Name        string
	Description string
	Module      string
	RetryCount  int
	TimeoutSec  int
}

const (
	maxRetryCount = 100
	maxTimeoutSec = 3600
)

// Validate checks the policy limits for an activity registration.
func (i *Info) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("activity name cannot be empty")
	}
	if i.Module == "" {
		return fmt.Errorf("activity %s: module locator cannot be empty", i.Name)
	}
	if i.RetryCount < 0 || i.RetryCount > maxRetryCount {
		return fmt.Errorf("activity %s: retry_count must be in [0, %d], got %d",
			i.Name, maxRetryCount, i.RetryCount)
	}
	if i.TimeoutSec <= 0 || i.TimeoutSec > maxTimeoutSec {
		return fmt.Errorf("activity %s: timeout_seconds must be in (0, %d], got %d",
			i.Name, maxTimeoutSec, i.TimeoutSec)
	}
	return nil
}

// Metadata is the full payload written to an ACTIVITY_SCHEDULED event.
// It carries everything the executor needs to re-resolve and re-invoke
// the activity across process restarts, including the recorded args.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	RetryCount  int    `json:"retry_count"`
	TimeoutSec  int    `json:"timeout_seconds"`
	Func        string `json:"func"`
	Module      string `json:"module"`
	Args        []any  `json:"args"`
}

// Payload converts the metadata to the generic event payload shape.
func (m Metadata) Payload() map[string]any {
	args := m.Args
	if args == nil {
		args = []any{}
	}
	return map[string]any{
		"name":            m.Name,
		"description":     m.Description,
		"retry_count":     m.RetryCount,
		"timeout_seconds": m.TimeoutSec,
		"func":            m.Func,
		"module":          m.Module,
		"args":            args,
	}
}

// MetadataFromPayload reconstructs scheduling metadata from an event
// payload. Numeric fields arrive as float64 after a JSON round trip.
func MetadataFromPayload(payload map[string]any) (Metadata, error) {
	m := Metadata{}
	var ok bool
	if m.Name, ok = payload["name"].(string); !ok || m.Name == "" {
		return m, fmt.Errorf("activity payload missing name")
	}
	m.Description, _ = payload["description"].(string)
	m.Func, _ = payload["func"].(string)
	if m.Module, ok = payload["module"].(string); !ok || m.Module == "" {
		return m, fmt.Errorf("activity payload for %s missing module", m.Name)
	}
	m.RetryCount = intFromPayload(payload["retry_count"])
	m.TimeoutSec = intFromPayload(payload["timeout_seconds"])
	if args, ok := payload["args"].([]any); ok {
		m.Args = args
	}
	return m, nil
}

func intFromPayload(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
