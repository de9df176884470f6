package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/activity"
	"github.com/skeinworks/skein/store"
	"github.com/skeinworks/skein/workflow"
)

// Engine drives durable execution: it replays workflows against their
// history, executes activities and dispatches claimed tasks.
type Engine struct {
	store      store.Store
	workflows  *workflow.Registry
	activities *activity.Registry
	log        *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkflowRegistry overrides the default workflow registry.
func WithWorkflowRegistry(r *workflow.Registry) Option {
	return func(e *Engine) { e.workflows = r }
}

// WithActivityRegistry overrides the default activity registry.
func WithActivityRegistry(r *activity.Registry) Option {
	return func(e *Engine) { e.activities = r }
}

// WithLogger sets the process logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an Engine over the given store. Without options it uses
// the process-wide registries and a no-op logger.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		workflows:  workflow.DefaultRegistry,
		activities: activity.DefaultRegistry,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReplayUntilBlock runs one tick of a workflow: it re-executes the
// declared steps from the top against recorded history until the code
// suspends, fails or finishes. Returns an error only for
// infrastructure faults; workflow-level failures are recorded in the
// store and reported as nil.
func (e *Engine) ReplayUntilBlock(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	if wf.Status.IsTerminal() {
		return nil
	}

	history, err := e.store.ListEvents(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	def, err := e.workflows.Get(wf.Module, wf.Name)
	if err != nil {
		e.log.Error("workflow definition not registered",
			zap.String("workflow_id", workflowID),
			zap.String("module", wf.Module),
			zap.String("name", wf.Name))
		return e.failWorkflow(ctx, workflowID, fmt.Errorf("resolve definition: %w", err), "")
	}

	var input any
	if len(wf.Input) > 0 {
		if err := json.Unmarshal(wf.Input, &input); err != nil {
			return e.failWorkflow(ctx, workflowID, fmt.Errorf("decode input: %w", err), "")
		}
	}

	wctx := newContext(ctx, e.store, e.activities, wf, input, history, nil)
	wctx.logger = newWorkflowLogger(wctx, e.log)

	// WORKFLOW_STARTED is structural
	if len(wctx.history) > 0 && wctx.history[0].Type == store.EventWorkflowStarted {
		wctx.cursor = 1
	}

	for _, step := range def.Steps {
		if err := e.enterStep(ctx, wctx, step.Name); err != nil {
			return e.settle(ctx, wctx, err)
		}
		if err := step.Fn(wctx); err != nil {
			return e.settle(ctx, wctx, err)
		}
		if err := e.leaveStep(ctx, wctx, step.Name); err != nil {
			return e.settle(ctx, wctx, err)
		}
	}

	if err := e.store.MarkCompleted(ctx, workflowID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	e.log.Debug("workflow completed", zap.String("workflow_id", workflowID))
	return nil
}

// enterStep consumes the step's STEP_START marker or records a new one.
// Any other event type at the cursor is left for the step body: a
// signal can land between ticks, so only a STEP_START naming a
// different step proves the code diverged from history.
func (e *Engine) enterStep(ctx context.Context, wctx *Context, name string) error {
	if ev := wctx.peek(); ev != nil {
		if ev.Type == store.EventStepStart {
			if got, _ := ev.Payload["step"].(string); got != name {
				return wctx.nonDeterminism("STEP_START " + name)
			}
			wctx.cursor++
		}
		return nil
	}
	payload := map[string]any{"step": name}
	if err := e.store.AppendEvent(ctx, wctx.workflowID, store.EventStepStart, payload); err != nil {
		return &storeFault{err: fmt.Errorf("record step start: %w", err)}
	}
	wctx.recordAppended(store.EventStepStart, payload)
	return nil
}

func (e *Engine) leaveStep(ctx context.Context, wctx *Context, name string) error {
	if ev := wctx.peek(); ev != nil && ev.Type == store.EventStepEnd {
		wctx.cursor++
		return nil
	}
	if wctx.IsReplaying() {
		return nil
	}
	payload := map[string]any{"step": name}
	if err := e.store.AppendEvent(ctx, wctx.workflowID, store.EventStepEnd, payload); err != nil {
		return &storeFault{err: fmt.Errorf("record step end: %w", err)}
	}
	wctx.recordAppended(store.EventStepEnd, payload)
	return nil
}

// settle classifies what stopped the tick: suspension, infrastructure
// fault, or workflow failure.
func (e *Engine) settle(ctx context.Context, wctx *Context, err error) error {
	if errors.Is(err, ErrSuspend) {
		// A state write suspends with no associated task, so the
		// driver must be rotated for the next tick to see it. The
		// scheduling events carry their own task whose completion
		// rotates.
		if wctx.lastAppended == store.EventStateSet || wctx.lastAppended == store.EventStateUpdate {
			if rerr := e.store.RotateDriver(ctx, wctx.workflowID); rerr != nil {
				return fmt.Errorf("rotate driver after state write: %w", rerr)
			}
		}
		return nil
	}

	var fault *storeFault
	if errors.As(err, &fault) {
		return fault.err
	}

	var ae *ActivityError
	if errors.As(err, &ae) {
		return e.failWorkflow(ctx, wctx.workflowID, ae, "ACTIVITY")
	}
	return e.failWorkflow(ctx, wctx.workflowID, err, "")
}

func (e *Engine) failWorkflow(ctx context.Context, workflowID string, cause error, kind string) error {
	e.log.Warn("workflow failed",
		zap.String("workflow_id", workflowID),
		zap.Error(cause))
	if err := e.store.MarkFailed(ctx, workflowID, cause.Error(), "", kind); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}
