package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/skeinworks/skein/activity"
)

// The conformance suite runs every test against all three backends.

type backend struct {
	name  string
	store Store
}

func testBackends(t *testing.T) []backend {
	t.Helper()
	ctx := context.Background()

	mem := NewMemoryStore()

	sqlStore, err := NewSQLStore("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	if err := sqlStore.Init(ctx); err != nil {
		t.Fatalf("init sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlStore.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisStore, err := NewRedisStoreFromClient(ctx, rdb, "skeintest")
	if err != nil {
		t.Fatalf("open redis store: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	return []backend{
		{"memory", mem},
		{"sqlite", sqlStore},
		{"redis", redisStore},
	}
}

func mustCreate(t *testing.T, s Store, input any) string {
	t.Helper()
	id, err := s.CreateWorkflow(context.Background(), WorkflowMeta{
		Name:    "order_flow",
		Version: "1.0.0",
		Module:  "orders",
	}, input)
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return id
}

func TestCreateWorkflowSeedsLogAndDriver(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, map[string]any{"order_id": "o-1"})

			wf, err := b.store.GetWorkflow(ctx, id)
			if err != nil {
				t.Fatalf("GetWorkflow: %v", err)
			}
			if wf.Status != StatusRunning {
				t.Errorf("status = %s, want RUNNING", wf.Status)
			}
			if wf.Name != "order_flow" || wf.Module != "orders" {
				t.Errorf("meta = %s/%s", wf.Module, wf.Name)
			}

			events, err := b.store.ListEvents(ctx, id)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(events) != 1 || events[0].Type != EventWorkflowStarted {
				t.Fatalf("events = %v, want single WORKFLOW_STARTED", events)
			}
			input, ok := events[0].Payload["input"].(map[string]any)
			if !ok || input["order_id"] != "o-1" {
				t.Errorf("started payload = %v", events[0].Payload)
			}

			tasks, err := b.store.ListTasks(ctx, id)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if len(tasks) != 1 || tasks[0].Kind != TaskStep || tasks[0].Status != TaskPending {
				t.Fatalf("tasks = %+v, want one PENDING STEP", tasks)
			}
			if tasks[0].Target != "order_flow" {
				t.Errorf("driver target = %s", tasks[0].Target)
			}
		})
	}
}

func TestClaimTask(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)

			task, err := b.store.ClaimTask(ctx)
			if err != nil {
				t.Fatalf("ClaimTask: %v", err)
			}
			if task == nil {
				t.Fatal("ClaimTask returned nil, want the driver task")
			}
			if task.WorkflowID != id || task.Kind != TaskStep {
				t.Errorf("claimed %+v", task)
			}
			if task.Status != TaskRunning {
				t.Errorf("claimed status = %s, want RUNNING", task.Status)
			}
			if task.Attempts != 1 {
				t.Errorf("attempts = %d, want 1", task.Attempts)
			}

			again, err := b.store.ClaimTask(ctx)
			if err != nil {
				t.Fatalf("second ClaimTask: %v", err)
			}
			if again != nil {
				t.Errorf("second claim = %+v, want nil", again)
			}
		})
	}
}

func TestAppendEventGuards(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			err := b.store.AppendEvent(ctx, "no-such-workflow", EventStateSet, nil)
			if !errors.Is(err, ErrWorkflowNotFound) {
				t.Errorf("append to unknown workflow: %v, want ErrWorkflowNotFound", err)
			}

			id := mustCreate(t, b.store, nil)
			if err := b.store.MarkCompleted(ctx, id); err != nil {
				t.Fatalf("MarkCompleted: %v", err)
			}
			err = b.store.AppendEvent(ctx, id, EventStateSet, map[string]any{"key": "k", "value": 1})
			if !errors.Is(err, ErrWorkflowTerminal) {
				t.Errorf("append after terminal: %v, want ErrWorkflowTerminal", err)
			}
		})
	}
}

func TestAppendEventsOrdering(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)

			err := b.store.AppendEvents(ctx, id, []EventInput{
				{Type: EventStepStart, Payload: map[string]any{"step": "reserve"}},
				{Type: EventStateSet, Payload: map[string]any{"key": "k", "value": "v"}},
				{Type: EventStepEnd, Payload: map[string]any{"step": "reserve"}},
			})
			if err != nil {
				t.Fatalf("AppendEvents: %v", err)
			}

			events, err := b.store.ListEvents(ctx, id)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			want := []EventType{EventWorkflowStarted, EventStepStart, EventStateSet, EventStepEnd}
			if len(events) != len(want) {
				t.Fatalf("got %d events, want %d", len(events), len(want))
			}
			for i, e := range events {
				if e.Type != want[i] {
					t.Errorf("event %d = %s, want %s", i, e.Type, want[i])
				}
				if i > 0 && events[i].ID <= events[i-1].ID {
					t.Errorf("event IDs not increasing: %d then %d", events[i-1].ID, events[i].ID)
				}
			}
		})
	}
}

func TestRotateDriverKeepsSinglePending(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)

			task, err := b.store.ClaimTask(ctx)
			if err != nil || task == nil {
				t.Fatalf("ClaimTask: %v %v", task, err)
			}
			if err := b.store.RotateDriver(ctx, id); err != nil {
				t.Fatalf("RotateDriver: %v", err)
			}
			// racing rotation must not add a second pending driver
			if err := b.store.RotateDriver(ctx, id); err != nil {
				t.Fatalf("second RotateDriver: %v", err)
			}

			tasks, err := b.store.ListTasks(ctx, id)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			var pending, completed int
			for _, tk := range tasks {
				if tk.Kind != TaskStep {
					continue
				}
				switch tk.Status {
				case TaskPending:
					pending++
				case TaskCompleted:
					completed++
				}
			}
			if pending != 1 {
				t.Errorf("pending drivers = %d, want 1", pending)
			}
			if completed != 1 {
				t.Errorf("completed drivers = %d, want 1", completed)
			}
		})
	}
}

func TestActivityLifecycle(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)

			driver, err := b.store.ClaimTask(ctx)
			if err != nil || driver == nil {
				t.Fatalf("claim driver: %v %v", driver, err)
			}

			meta := activity.Metadata{
				Name:       "charge_card",
				RetryCount: 3,
				TimeoutSec: 30,
				Module:     "orders",
				Args:       []any{"o-1", 42.5},
			}
			if err := b.store.CreateActivity(ctx, id, meta); err != nil {
				t.Fatalf("CreateActivity: %v", err)
			}

			actTask, err := b.store.ClaimTask(ctx)
			if err != nil || actTask == nil {
				t.Fatalf("claim activity: %v %v", actTask, err)
			}
			if actTask.Kind != TaskActivity || actTask.Target != "charge_card" {
				t.Fatalf("claimed %+v, want the activity task", actTask)
			}
			if actTask.MaxAttempts != 3 {
				t.Errorf("max attempts = %d, want 3", actTask.MaxAttempts)
			}

			if actTask.EventID == 0 {
				t.Fatal("activity task has no event binding")
			}
			sched, err := b.store.GetActivityEvent(ctx, id, "charge_card", actTask.EventID)
			if err != nil {
				t.Fatalf("GetActivityEvent: %v", err)
			}
			if sched == nil || sched.Type != EventActivityScheduled {
				t.Fatalf("scheduled event = %v", sched)
			}
			if sched.ID != actTask.EventID {
				t.Errorf("event ID = %d, task bound to %d", sched.ID, actTask.EventID)
			}
			if sched.Payload["name"] != "charge_card" {
				t.Errorf("scheduled payload = %v", sched.Payload)
			}

			if err := b.store.CompleteActivity(ctx, id, actTask.ID, "charge_card", map[string]any{"tx": "t-9"}); err != nil {
				t.Fatalf("CompleteActivity: %v", err)
			}

			events, err := b.store.ListEvents(ctx, id)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			last := events[len(events)-1]
			if last.Type != EventActivityCompleted {
				t.Fatalf("last event = %s, want ACTIVITY_COMPLETED", last.Type)
			}
			result, _ := last.Payload["result"].(map[string]any)
			if result["tx"] != "t-9" {
				t.Errorf("result payload = %v", last.Payload)
			}

			// completion rotates the driver so replay resumes
			tasks, err := b.store.ListTasks(ctx, id)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			var pendingSteps int
			for _, tk := range tasks {
				if tk.ID == actTask.ID && tk.Status != TaskCompleted {
					t.Errorf("activity task status = %s, want COMPLETED", tk.Status)
				}
				if tk.Kind == TaskStep && tk.Status == TaskPending {
					pendingSteps++
				}
			}
			if pendingSteps != 1 {
				t.Errorf("pending drivers after completion = %d, want 1", pendingSteps)
			}
		})
	}
}

func TestActivityTaskEventBinding(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)

			if _, err := b.store.ClaimTask(ctx); err != nil {
				t.Fatalf("claim driver: %v", err)
			}

			// two calls to the same activity with different arguments
			for _, args := range [][]any{{"o-1"}, {"o-2"}} {
				err := b.store.CreateActivity(ctx, id, activity.Metadata{
					Name:   "charge_card",
					Module: "orders",
					Args:   args,
				})
				if err != nil {
					t.Fatalf("CreateActivity: %v", err)
				}
			}

			var tasks []*Task
			for i := 0; i < 2; i++ {
				tk, err := b.store.ClaimTask(ctx)
				if err != nil || tk == nil {
					t.Fatalf("claim activity %d: %v %v", i, tk, err)
				}
				tasks = append(tasks, tk)
			}
			if tasks[0].EventID == tasks[1].EventID {
				t.Fatalf("both tasks bound to event %d", tasks[0].EventID)
			}

			// each task must resolve its own call's arguments
			for i, want := range []string{"o-1", "o-2"} {
				ev, err := b.store.GetActivityEvent(ctx, id, "charge_card", tasks[i].EventID)
				if err != nil || ev == nil {
					t.Fatalf("event for task %d: %v %v", i, ev, err)
				}
				args, _ := ev.Payload["args"].([]any)
				if len(args) != 1 || args[0] != want {
					t.Errorf("task %d args = %v, want [%s]", i, args, want)
				}
			}

			// retries keep the binding: the requeued task still points
			// at its original scheduled event
			if err := b.store.ScheduleRetry(ctx, tasks[0].ID, time.Now().Add(-time.Second), "boom"); err != nil {
				t.Fatalf("ScheduleRetry: %v", err)
			}
			retry, err := b.store.ClaimTask(ctx)
			if err != nil || retry == nil {
				t.Fatalf("reclaim retry: %v %v", retry, err)
			}
			if retry.ID != tasks[0].ID || retry.EventID != tasks[0].EventID {
				t.Errorf("retry binding = %d, want %d", retry.EventID, tasks[0].EventID)
			}
			ev, err := b.store.GetActivityEvent(ctx, id, "charge_card", retry.EventID)
			if err != nil || ev == nil {
				t.Fatalf("event on retry: %v %v", ev, err)
			}

			none, err := b.store.GetActivityEvent(ctx, id, "refund", tasks[0].EventID)
			if err != nil {
				t.Fatalf("wrong name: %v", err)
			}
			if none != nil {
				t.Errorf("wrong name = %v, want nil", none)
			}
			none, err = b.store.GetActivityEvent(ctx, id, "charge_card", 9999)
			if err != nil {
				t.Fatalf("unknown event: %v", err)
			}
			if none != nil {
				t.Errorf("unknown event = %v, want nil", none)
			}
		})
	}
}

func TestEventPayloadEmptyContainers(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)

			if err := b.store.AppendEvent(ctx, id, EventStateSet, map[string]any{
				"key":   "totals",
				"value": map[string]any{},
			}); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
			if err := b.store.CreateActivity(ctx, id, activity.Metadata{
				Name:   "sweep",
				Module: "orders",
				Args:   []any{},
			}); err != nil {
				t.Fatalf("CreateActivity: %v", err)
			}

			events, err := b.store.ListEvents(ctx, id)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			var set, sched *Event
			for i := range events {
				switch events[i].Type {
				case EventStateSet:
					set = &events[i]
				case EventActivityScheduled:
					sched = &events[i]
				}
			}
			if set == nil || sched == nil {
				t.Fatalf("events = %v", events)
			}
			if v, ok := set.Payload["value"].(map[string]any); !ok || len(v) != 0 {
				t.Errorf("empty map came back as %T %v", set.Payload["value"], set.Payload["value"])
			}
			if a, ok := sched.Payload["args"].([]any); !ok || len(a) != 0 {
				t.Errorf("empty args came back as %T %v", sched.Payload["args"], sched.Payload["args"])
			}
		})
	}
}

func TestCreateTimerNotDueUntilFireAt(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)

			driver, err := b.store.ClaimTask(ctx)
			if err != nil || driver == nil {
				t.Fatalf("claim driver: %v %v", driver, err)
			}

			timerID, err := b.store.CreateTimer(ctx, id, time.Now().Add(time.Hour))
			if err != nil {
				t.Fatalf("CreateTimer: %v", err)
			}
			if timerID == "" {
				t.Fatal("empty timer ID")
			}

			got, err := b.store.ClaimTask(ctx)
			if err != nil {
				t.Fatalf("ClaimTask: %v", err)
			}
			if got != nil {
				t.Errorf("claimed %+v, want nothing before fire_at", got)
			}

			events, err := b.store.ListEvents(ctx, id)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			last := events[len(events)-1]
			if last.Type != EventTimerScheduled || last.Payload["timer_id"] != timerID {
				t.Errorf("last event = %s %v", last.Type, last.Payload)
			}
		})
	}
}

func TestCreateSignal(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			err := b.store.CreateSignal(ctx, "no-such", "approve", nil)
			if !errors.Is(err, ErrWorkflowNotFound) {
				t.Errorf("signal unknown workflow: %v", err)
			}

			id := mustCreate(t, b.store, nil)
			if err := b.store.CreateSignal(ctx, id, "approve", map[string]any{"by": "ops"}); err != nil {
				t.Fatalf("CreateSignal: %v", err)
			}

			events, err := b.store.ListEvents(ctx, id)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			last := events[len(events)-1]
			if last.Type != EventSignalReceived || last.Payload["name"] != "approve" {
				t.Errorf("last event = %s %v", last.Type, last.Payload)
			}

			// signaling an idle workflow must not stack extra drivers
			tasks, err := b.store.ListTasks(ctx, id)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			var pendingSteps int
			for _, tk := range tasks {
				if tk.Kind == TaskStep && tk.Status == TaskPending {
					pendingSteps++
				}
			}
			if pendingSteps != 1 {
				t.Errorf("pending drivers = %d, want 1", pendingSteps)
			}

			if err := b.store.MarkCancelled(ctx, id, "operator"); err != nil {
				t.Fatalf("MarkCancelled: %v", err)
			}
			err = b.store.CreateSignal(ctx, id, "approve", nil)
			if !errors.Is(err, ErrWorkflowTerminal) {
				t.Errorf("signal cancelled workflow: %v", err)
			}
		})
	}
}

func TestMarkFailedFailsPendingTasks(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)

			if err := b.store.MarkFailed(ctx, id, "charge declined", "task-1", "ACTIVITY"); err != nil {
				t.Fatalf("MarkFailed: %v", err)
			}

			status, err := b.store.GetWorkflowStatus(ctx, id)
			if err != nil {
				t.Fatalf("GetWorkflowStatus: %v", err)
			}
			if status != StatusFailed {
				t.Errorf("status = %s, want FAILED", status)
			}

			events, err := b.store.ListEvents(ctx, id)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			last := events[len(events)-1]
			if last.Type != EventWorkflowFailed || last.Payload["error"] != "charge declined" {
				t.Errorf("last event = %s %v", last.Type, last.Payload)
			}

			tasks, err := b.store.ListTasks(ctx, id)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			for _, tk := range tasks {
				if tk.Status == TaskPending {
					t.Errorf("task %s still PENDING after failure", tk.ID)
				}
			}

			// a second terminal transition is a no-op
			before := len(events)
			if err := b.store.MarkCompleted(ctx, id); err != nil {
				t.Fatalf("MarkCompleted after failure: %v", err)
			}
			events, _ = b.store.ListEvents(ctx, id)
			if len(events) != before {
				t.Errorf("terminal transition appended events: %d -> %d", before, len(events))
			}
			status, _ = b.store.GetWorkflowStatus(ctx, id)
			if status != StatusFailed {
				t.Errorf("status changed after terminal: %s", status)
			}
		})
	}
}

func TestScheduleRetryDelaysClaim(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			mustCreate(t, b.store, nil)

			task, err := b.store.ClaimTask(ctx)
			if err != nil || task == nil {
				t.Fatalf("ClaimTask: %v %v", task, err)
			}

			if err := b.store.ScheduleRetry(ctx, task.ID, time.Now().Add(time.Hour), "boom"); err != nil {
				t.Fatalf("ScheduleRetry: %v", err)
			}
			got, err := b.store.ClaimTask(ctx)
			if err != nil {
				t.Fatalf("ClaimTask: %v", err)
			}
			if got != nil {
				t.Errorf("claimed %+v before retry due", got)
			}

			if err := b.store.ScheduleRetry(ctx, task.ID, time.Now().Add(-time.Second), "boom"); err != nil {
				t.Fatalf("ScheduleRetry: %v", err)
			}
			got, err = b.store.ClaimTask(ctx)
			if err != nil {
				t.Fatalf("ClaimTask: %v", err)
			}
			if got == nil {
				t.Fatal("retry due but nothing claimed")
			}
			if got.ID != task.ID {
				t.Errorf("claimed %s, want %s", got.ID, task.ID)
			}
			if got.Attempts != 2 {
				t.Errorf("attempts = %d, want 2", got.Attempts)
			}
			if got.LastError != "boom" {
				t.Errorf("last error = %q", got.LastError)
			}
		})
	}
}

func TestReleaseTask(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			mustCreate(t, b.store, nil)

			task, err := b.store.ClaimTask(ctx)
			if err != nil || task == nil {
				t.Fatalf("ClaimTask: %v %v", task, err)
			}
			if err := b.store.ReleaseTask(ctx, task.ID); err != nil {
				t.Fatalf("ReleaseTask: %v", err)
			}
			got, err := b.store.ClaimTask(ctx)
			if err != nil {
				t.Fatalf("ClaimTask: %v", err)
			}
			if got == nil || got.ID != task.ID {
				t.Fatalf("reclaim = %+v, want task %s", got, task.ID)
			}
		})
	}
}

func TestDeleteWorkflow(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)

			if err := b.store.DeleteWorkflow(ctx, id); err != nil {
				t.Fatalf("DeleteWorkflow: %v", err)
			}
			if _, err := b.store.GetWorkflow(ctx, id); !errors.Is(err, ErrWorkflowNotFound) {
				t.Errorf("get after delete: %v", err)
			}
			if err := b.store.DeleteWorkflow(ctx, id); !errors.Is(err, ErrWorkflowNotFound) {
				t.Errorf("double delete: %v", err)
			}
			// the deleted workflow's driver must not be claimable
			got, err := b.store.ClaimTask(ctx)
			if err != nil {
				t.Fatalf("ClaimTask: %v", err)
			}
			if got != nil && got.WorkflowID == id {
				t.Errorf("claimed task of deleted workflow: %+v", got)
			}
		})
	}
}

func TestListWorkflowsFilterAndLimit(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			a := mustCreate(t, b.store, nil)
			bID := mustCreate(t, b.store, nil)
			c := mustCreate(t, b.store, nil)
			if err := b.store.MarkCompleted(ctx, bID); err != nil {
				t.Fatalf("MarkCompleted: %v", err)
			}

			all, err := b.store.ListWorkflows(ctx, "", 0)
			if err != nil {
				t.Fatalf("ListWorkflows: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("got %d workflows, want 3", len(all))
			}
			seen := map[string]bool{}
			for _, wf := range all {
				seen[wf.ID] = true
			}
			if !seen[a] || !seen[bID] || !seen[c] {
				t.Errorf("missing workflows in %v", seen)
			}

			running, err := b.store.ListWorkflows(ctx, StatusRunning, 0)
			if err != nil {
				t.Fatalf("ListWorkflows RUNNING: %v", err)
			}
			if len(running) != 2 {
				t.Errorf("running = %d, want 2", len(running))
			}

			limited, err := b.store.ListWorkflows(ctx, "", 1)
			if err != nil {
				t.Fatalf("ListWorkflows limit: %v", err)
			}
			if len(limited) != 1 {
				t.Errorf("limited = %+v", limited)
			}
		})
	}
}

func TestLogs(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)

			if err := b.store.CreateLog(ctx, id, "info", "reserving inventory"); err != nil {
				t.Fatalf("CreateLog: %v", err)
			}
			if err := b.store.CreateLog(ctx, id, "error", "charge declined"); err != nil {
				t.Fatalf("CreateLog: %v", err)
			}

			logs, err := b.store.ListLogs(ctx, id)
			if err != nil {
				t.Fatalf("ListLogs: %v", err)
			}
			if len(logs) != 2 {
				t.Fatalf("got %d logs, want 2", len(logs))
			}
			if logs[0].Message != "reserving inventory" || logs[1].Level != "error" {
				t.Errorf("logs = %+v", logs)
			}
		})
	}
}

func TestStats(t *testing.T) {
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			id := mustCreate(t, b.store, nil)
			mustCreate(t, b.store, nil)
			if err := b.store.MarkCompleted(ctx, id); err != nil {
				t.Fatalf("MarkCompleted: %v", err)
			}

			stats, err := b.store.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if stats.WorkflowsByStatus[StatusRunning] != 1 {
				t.Errorf("running = %d, want 1", stats.WorkflowsByStatus[StatusRunning])
			}
			if stats.WorkflowsByStatus[StatusCompleted] != 1 {
				t.Errorf("completed = %d, want 1", stats.WorkflowsByStatus[StatusCompleted])
			}
			// WORKFLOW_STARTED x2 plus WORKFLOW_COMPLETED
			if stats.Events != 3 {
				t.Errorf("events = %d, want 3", stats.Events)
			}
		})
	}
}

func TestFoldState(t *testing.T) {
	events := []Event{
		{ID: 1, Type: EventWorkflowStarted, Payload: map[string]any{}},
		{ID: 2, Type: EventStateSet, Payload: map[string]any{"key": "count", "value": float64(1)}},
		{ID: 3, Type: EventStateUpdate, Payload: map[string]any{"values": map[string]any{"count": float64(2), "mode": "fast"}}},
		{ID: 4, Type: EventStateSet, Payload: map[string]any{"key": "mode", "value": "slow"}},
		{ID: 5, Type: EventStateSet, Payload: map[string]any{"value": "ignored"}}, // no key
	}
	state := FoldState(events)
	if state["count"] != float64(2) {
		t.Errorf("count = %v", state["count"])
	}
	if state["mode"] != "slow" {
		t.Errorf("mode = %v", state["mode"])
	}
	if len(state) != 2 {
		t.Errorf("state = %v", state)
	}
}
