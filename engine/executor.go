package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/activity"
	"github.com/skeinworks/skein/store"
)

// maxRetryDelay caps the exponential backoff between activity
// attempts.
const maxRetryDelay = 60 * time.Second

// retryDelay returns the backoff before the next attempt, given how
// many attempts have already run.
func retryDelay(attempts int) time.Duration {
	if attempts >= 6 { // 2^6 > 60
		return maxRetryDelay
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// RunActivity executes one claimed ACTIVITY task: it recovers the
// recorded arguments, invokes the registered function under its
// timeout, and records success, a retry, or permanent failure.
func (e *Engine) RunActivity(ctx context.Context, task *store.Task) error {
	ev, err := e.store.GetActivityEvent(ctx, task.WorkflowID, task.Target, task.EventID)
	if err != nil {
		return fmt.Errorf("load scheduled event: %w", err)
	}
	if ev == nil {
		// scheduled event missing means the history is corrupt;
		// retrying cannot recover the arguments
		msg := fmt.Sprintf("no ACTIVITY_SCHEDULED event %d for %s", task.EventID, task.Target)
		if err := e.store.FailTask(ctx, task.ID, msg); err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		return nil
	}

	meta, err := activity.MetadataFromPayload(ev.Payload)
	if err != nil {
		if ferr := e.store.FailTask(ctx, task.ID, err.Error()); ferr != nil {
			return fmt.Errorf("fail task: %w", ferr)
		}
		return nil
	}

	result, invokeErr := e.invoke(ctx, meta)
	if invokeErr == nil {
		if err := e.store.CompleteActivity(ctx, task.WorkflowID, task.ID, meta.Name, result); err != nil {
			return fmt.Errorf("complete activity: %w", err)
		}
		e.log.Debug("activity completed",
			zap.String("workflow_id", task.WorkflowID),
			zap.String("activity", meta.Name),
			zap.Int("attempts", task.Attempts))
		return nil
	}

	return e.recordFailure(ctx, task, meta, invokeErr)
}

// invoke resolves and calls the activity function, bounded by its
// recorded timeout. A timeout counts as an ordinary failure for retry
// purposes.
func (e *Engine) invoke(ctx context.Context, meta activity.Metadata) (any, error) {
	reg, err := e.activities.Get(meta.Module, meta.Func)
	if err != nil {
		return nil, fmt.Errorf("resolve activity: %w", err)
	}

	timeout := time.Duration(meta.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := reg.Fn(callCtx, meta.Args...)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("activity %s timed out after %s", meta.Name, timeout)
	}
}

// recordFailure applies the retry policy: back off and reschedule
// while attempts remain, otherwise record ACTIVITY_FAILED and hand the
// failure to the next replay tick.
func (e *Engine) recordFailure(ctx context.Context, task *store.Task, meta activity.Metadata, cause error) error {
	if task.Attempts < task.MaxAttempts {
		delay := retryDelay(task.Attempts)
		e.log.Debug("activity retry scheduled",
			zap.String("workflow_id", task.WorkflowID),
			zap.String("activity", meta.Name),
			zap.Int("attempts", task.Attempts),
			zap.Duration("delay", delay),
			zap.Error(cause))
		if err := e.store.ScheduleRetry(ctx, task.ID, time.Now().Add(delay), cause.Error()); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return nil
	}

	e.log.Warn("activity permanently failed",
		zap.String("workflow_id", task.WorkflowID),
		zap.String("activity", meta.Name),
		zap.Int("attempts", task.Attempts),
		zap.Error(cause))

	if err := e.store.AppendEvent(ctx, task.WorkflowID, store.EventActivityFailed, map[string]any{
		"name":  meta.Name,
		"error": cause.Error(),
	}); err != nil {
		return fmt.Errorf("record activity failure: %w", err)
	}
	if err := e.store.FailTask(ctx, task.ID, cause.Error()); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	// wake the workflow so the next tick surfaces the failure
	if err := e.store.RotateDriver(ctx, task.WorkflowID); err != nil {
		return fmt.Errorf("rotate driver: %w", err)
	}
	return nil
}
