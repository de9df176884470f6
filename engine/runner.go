package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/store"
)

// RunOnce claims and dispatches a single task. It reports whether a
// task was claimed, so workers know when to back off and poll.
func (e *Engine) RunOnce(ctx context.Context) (bool, error) {
	task, err := e.store.ClaimTask(ctx)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	status, err := e.store.GetWorkflowStatus(ctx, task.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrWorkflowNotFound) {
			// workflow deleted under the task; retire it quietly
			return true, e.store.CompleteTask(ctx, task.ID)
		}
		e.failTask(ctx, task, err)
		return true, err
	}
	if status.IsTerminal() {
		// races with signals and rotations are benign
		return true, e.store.CompleteTask(ctx, task.ID)
	}

	switch task.Kind {
	case store.TaskStep:
		if err := e.ReplayUntilBlock(ctx, task.WorkflowID); err != nil {
			e.failTask(ctx, task, err)
			return true, err
		}
		return true, e.store.CompleteTask(ctx, task.ID)

	case store.TaskActivity:
		if err := e.RunActivity(ctx, task); err != nil {
			e.failTask(ctx, task, err)
			return true, err
		}
		return true, nil

	case store.TaskTimer:
		return true, e.runTimer(ctx, task)

	default:
		err := fmt.Errorf("unknown task kind %q", task.Kind)
		e.failTask(ctx, task, err)
		return true, err
	}
}

// runTimer fires a due timer. Claim filtering on run_at can lack
// precision on some backends, so the fire time is re-checked here and
// early timers are put back.
func (e *Engine) runTimer(ctx context.Context, task *store.Task) error {
	if task.RunAt.After(time.Now()) {
		return e.store.ReleaseTask(ctx, task.ID)
	}

	err := e.store.AppendEvent(ctx, task.WorkflowID, store.EventTimerFired, map[string]any{
		"timer_id": task.ID,
		"fired_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		if errors.Is(err, store.ErrWorkflowTerminal) || errors.Is(err, store.ErrWorkflowNotFound) {
			return e.store.CompleteTask(ctx, task.ID)
		}
		e.failTask(ctx, task, err)
		return err
	}
	if err := e.store.CompleteTask(ctx, task.ID); err != nil {
		return fmt.Errorf("complete timer task: %w", err)
	}
	if err := e.store.RotateDriver(ctx, task.WorkflowID); err != nil {
		return fmt.Errorf("rotate driver after timer: %w", err)
	}
	e.log.Debug("timer fired",
		zap.String("workflow_id", task.WorkflowID),
		zap.String("timer_id", task.ID))
	return nil
}

// failTask records an unhandled dispatch error. Tasks with retry
// budget left are rescheduled with backoff; the rest are failed along
// with their workflow.
func (e *Engine) failTask(ctx context.Context, task *store.Task, cause error) {
	e.log.Error("task failed",
		zap.String("workflow_id", task.WorkflowID),
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.Error(cause))
	if task.Attempts < task.MaxAttempts {
		if err := e.store.ScheduleRetry(ctx, task.ID, time.Now().Add(retryDelay(task.Attempts)), cause.Error()); err != nil {
			e.log.Error("rescheduling task did not stick", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}
	if err := e.store.FailTask(ctx, task.ID, cause.Error()); err != nil {
		e.log.Error("failing task did not stick", zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := e.store.MarkFailed(ctx, task.WorkflowID, cause.Error(), task.ID, string(task.Kind)); err != nil {
		e.log.Error("marking workflow failed did not stick",
			zap.String("workflow_id", task.WorkflowID), zap.Error(err))
	}
}
