package engine

import (
	"fmt"

	"github.com/skeinworks/skein/store"
	"github.com/skeinworks/skein/workflow"
)

// stateProxy couples workflow state mutations to the event log. Reads
// hit the in-memory map rebuilt by folding history at the top of the
// tick; writes are decision points that emit STATE_SET/STATE_UPDATE
// events and suspend so the next tick observes them.
type stateProxy struct {
	c      *Context
	values map[string]any

	batching    bool
	batchValues map[string]any
}

var _ workflow.State = (*stateProxy)(nil)

func newStateProxy(c *Context, values map[string]any) *stateProxy {
	if values == nil {
		values = make(map[string]any)
	}
	return &stateProxy{c: c, values: values}
}

// Get implements workflow.State
func (s *stateProxy) Get(key string) any { return s.values[key] }

// Lookup implements workflow.State
func (s *stateProxy) Lookup(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Snapshot implements workflow.State
func (s *stateProxy) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set implements workflow.State. On replay the recorded STATE_SET for
// the same key is consumed without re-emitting; live execution writes
// the event and suspends the tick.
func (s *stateProxy) Set(key string, value any) error {
	if s.batching {
		s.stage(key, value)
		return nil
	}

	s.c.skipStepEvents()
	if ev := s.c.peek(); ev != nil {
		if ev.Type != store.EventStateSet {
			return s.c.nonDeterminism("STATE_SET " + key)
		}
		if got, _ := ev.Payload["key"].(string); got != key {
			return s.c.nonDeterminism("STATE_SET " + key)
		}
		s.c.cursor++
		return nil
	}

	payload := map[string]any{"key": key, "value": value}
	if err := s.c.store.AppendEvent(s.c.ctx, s.c.workflowID, store.EventStateSet, payload); err != nil {
		return &storeFault{err: fmt.Errorf("record state set: %w", err)}
	}
	s.values[key] = value
	s.c.recordAppended(store.EventStateSet, payload)
	return ErrSuspend
}

// Update implements workflow.State. Updaters run against the current
// in-memory values on first execution only; replay consumes the
// recorded STATE_UPDATE instead.
func (s *stateProxy) Update(updaters map[string]workflow.Updater) error {
	if s.batching {
		for key, fn := range updaters {
			s.stage(key, fn(s.values[key]))
		}
		return nil
	}

	s.c.skipStepEvents()
	if ev := s.c.peek(); ev != nil {
		if ev.Type != store.EventStateUpdate {
			return s.c.nonDeterminism("STATE_UPDATE")
		}
		s.c.cursor++
		return nil
	}

	values := make(map[string]any, len(updaters))
	for key, fn := range updaters {
		values[key] = fn(s.values[key])
	}
	return s.emitUpdate(values)
}

// Batch implements workflow.State. Mutations inside the scope are
// accumulated and emitted as a single STATE_UPDATE on exit. Nested
// batches are rejected.
func (s *stateProxy) Batch(fn func() error) error {
	if s.batching {
		return fmt.Errorf("nested state batch")
	}

	s.c.skipStepEvents()
	if ev := s.c.peek(); ev != nil {
		if ev.Type != store.EventStateUpdate {
			return s.c.nonDeterminism("STATE_UPDATE")
		}
		s.c.cursor++
		return nil
	}

	s.batching = true
	s.batchValues = make(map[string]any)
	err := fn()
	s.batching = false
	if err != nil {
		return err
	}
	if len(s.batchValues) == 0 {
		return nil
	}
	return s.emitUpdate(s.batchValues)
}

func (s *stateProxy) stage(key string, value any) {
	s.batchValues[key] = value
	s.values[key] = value
}

func (s *stateProxy) emitUpdate(values map[string]any) error {
	payload := map[string]any{"values": values}
	if err := s.c.store.AppendEvent(s.c.ctx, s.c.workflowID, store.EventStateUpdate, payload); err != nil {
		return &storeFault{err: fmt.Errorf("record state update: %w", err)}
	}
	for k, v := range values {
		s.values[k] = v
	}
	s.c.recordAppended(store.EventStateUpdate, payload)
	return ErrSuspend
}
