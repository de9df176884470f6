package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/skeinworks/skein/activity"
	"github.com/skeinworks/skein/store"
	"github.com/skeinworks/skein/workflow"
)

// Context is the per-tick workflow.Context implementation. It walks
// the recorded history with a cursor; each decision point either
// consumes the matching events or writes a new scheduling event and
// suspends the tick.
type Context struct {
	ctx        context.Context
	store      store.Store
	activities *activity.Registry

	workflowID string
	module     string
	input      any

	history     []store.Event
	cursor      int
	originalLen int

	// lastAppended is the type of the most recent event this tick
	// wrote; the replay loop uses it to decide whether a suspend
	// needs a driver rotation.
	lastAppended store.EventType

	state  *stateProxy
	logger workflow.Logger
}

var _ workflow.Context = (*Context)(nil)

func newContext(ctx context.Context, s store.Store, acts *activity.Registry, wf *store.Workflow, input any, history []store.Event, logger workflow.Logger) *Context {
	c := &Context{
		ctx:         ctx,
		store:       s,
		activities:  acts,
		workflowID:  wf.ID,
		module:      wf.Module,
		input:       input,
		history:     history,
		originalLen: len(history),
		logger:      logger,
	}
	c.state = newStateProxy(c, store.FoldState(history))
	return c
}

// WorkflowID implements workflow.Context
func (c *Context) WorkflowID() string { return c.workflowID }

// Input implements workflow.Context
func (c *Context) Input() any { return c.input }

// State implements workflow.Context
func (c *Context) State() workflow.State { return c.state }

// Logger implements workflow.Context
func (c *Context) Logger() workflow.Logger { return c.logger }

// IsReplaying implements workflow.Context. Events appended by the
// current tick extend history but never originalLen, so live work is
// distinguishable from history consumption.
func (c *Context) IsReplaying() bool { return c.cursor < c.originalLen }

// skipStepEvents advances over STEP_START/STEP_END markers at the
// cursor. They are structural, not decisions.
func (c *Context) skipStepEvents() {
	for c.cursor < len(c.history) {
		t := c.history[c.cursor].Type
		if t != store.EventStepStart && t != store.EventStepEnd {
			return
		}
		c.cursor++
	}
}

// peek returns the event at the cursor, or nil at end of history.
func (c *Context) peek() *store.Event {
	if c.cursor < len(c.history) {
		return &c.history[c.cursor]
	}
	return nil
}

// recordAppended extends the in-memory history past an event the tick
// just wrote, keeping the end-of-history test consistent.
func (c *Context) recordAppended(typ store.EventType, payload map[string]any) {
	c.history = append(c.history, store.Event{
		WorkflowID: c.workflowID,
		Type:       typ,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	})
	c.cursor = len(c.history)
	c.lastAppended = typ
}

func (c *Context) nonDeterminism(expected string) error {
	got := "end of history"
	if ev := c.peek(); ev != nil {
		got = string(ev.Type)
	}
	return &NonDeterminismError{WorkflowID: c.workflowID, Expected: expected, Got: got}
}

// Activity implements workflow.Context. The three branches: consume a
// recorded schedule plus its completion, suspend on a schedule whose
// completion is still pending, or write a fresh ACTIVITY_SCHEDULED and
// suspend.
func (c *Context) Activity(name string, args ...any) (any, error) {
	c.skipStepEvents()

	if ev := c.peek(); ev != nil {
		if ev.Type != store.EventActivityScheduled {
			return nil, c.nonDeterminism("ACTIVITY_SCHEDULED " + name)
		}
		if got, _ := ev.Payload["name"].(string); got != name {
			return nil, c.nonDeterminism("ACTIVITY_SCHEDULED " + name)
		}
		c.cursor++

		c.skipStepEvents()
		done := c.peek()
		if done == nil {
			return nil, ErrSuspend
		}
		switch done.Type {
		case store.EventActivityCompleted:
			if got, _ := done.Payload["name"].(string); got == name {
				c.cursor++
				return done.Payload["result"], nil
			}
		case store.EventActivityFailed:
			if got, _ := done.Payload["name"].(string); got == name {
				c.cursor++
				msg, _ := done.Payload["error"].(string)
				return nil, &ActivityError{Name: name, Message: msg}
			}
		}
		return nil, ErrSuspend
	}

	reg, err := c.activities.Get(c.module, name)
	if err != nil {
		return nil, fmt.Errorf("schedule activity: %w", err)
	}
	meta := activity.Metadata{
		Name:        reg.Info.Name,
		Description: reg.Info.Description,
		RetryCount:  reg.Info.RetryCount,
		TimeoutSec:  reg.Info.TimeoutSec,
		Func:        reg.Info.Name,
		Module:      reg.Info.Module,
		Args:        args,
	}
	if err := c.store.CreateActivity(c.ctx, c.workflowID, meta); err != nil {
		return nil, &storeFault{err: fmt.Errorf("schedule activity %s: %w", name, err)}
	}
	c.recordAppended(store.EventActivityScheduled, meta.Payload())
	return nil, ErrSuspend
}

// Sleep implements workflow.Context
func (c *Context) Sleep(d time.Duration) error {
	return c.SleepUntil(time.Now().Add(d))
}

// SleepUntil implements workflow.Context
func (c *Context) SleepUntil(t time.Time) error {
	c.skipStepEvents()

	if ev := c.peek(); ev != nil {
		if ev.Type != store.EventTimerScheduled {
			return c.nonDeterminism("TIMER_SCHEDULED")
		}
		timerID, _ := ev.Payload["timer_id"].(string)
		c.cursor++

		c.skipStepEvents()
		fired := c.peek()
		if fired == nil {
			return ErrSuspend
		}
		if fired.Type == store.EventTimerFired {
			if got, _ := fired.Payload["timer_id"].(string); got == timerID {
				c.cursor++
				return nil
			}
		}
		return ErrSuspend
	}

	if _, err := c.store.CreateTimer(c.ctx, c.workflowID, t); err != nil {
		return &storeFault{err: fmt.Errorf("schedule timer: %w", err)}
	}
	c.recordAppended(store.EventTimerScheduled, map[string]any{
		"fire_at": t.UTC().Format(time.RFC3339Nano),
	})
	return ErrSuspend
}

// WaitForSignal implements workflow.Context. Signals have no
// scheduling event: the call either consumes a recorded
// SIGNAL_RECEIVED of the same name or suspends without writing.
func (c *Context) WaitForSignal(name string) (map[string]any, error) {
	c.skipStepEvents()

	ev := c.peek()
	if ev == nil {
		return nil, ErrSuspend
	}
	if ev.Type != store.EventSignalReceived {
		return nil, c.nonDeterminism("SIGNAL_RECEIVED " + name)
	}
	if got, _ := ev.Payload["name"].(string); got != name {
		return nil, c.nonDeterminism("SIGNAL_RECEIVED " + name)
	}
	c.cursor++
	payload, _ := ev.Payload["payload"].(map[string]any)
	return payload, nil
}
