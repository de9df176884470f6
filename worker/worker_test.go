package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/skeinworks/skein/activity"
	"github.com/skeinworks/skein/engine"
	"github.com/skeinworks/skein/store"
	"github.com/skeinworks/skein/workflow"
)

func TestPoolRunsWorkflowsToCompletion(t *testing.T) {
	s := store.NewMemoryStore()
	wfs := workflow.NewRegistry()
	acts := activity.NewRegistry()

	err := acts.Register(func(ctx context.Context, args ...any) (any, error) {
		name, _ := args[0].(string)
		return fmt.Sprintf("Hello, %s!", name), nil
	}, activity.Info{Name: "format_greeting", Module: "demo", RetryCount: 3, TimeoutSec: 30})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}

	def := &workflow.Definition{
		Name: "Hello", Version: "1.0.0", Module: "demo",
		Steps: []workflow.Step{{
			Name: "greet",
			Fn: func(ctx workflow.Context) error {
				input, _ := ctx.Input().(map[string]any)
				name, _ := input["name"].(string)
				result, err := ctx.Activity("format_greeting", name)
				if err != nil {
					return err
				}
				return ctx.State().Set("greeting", result)
			},
		}},
	}
	if err := wfs.Register(def); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	eng := engine.New(s, engine.WithWorkflowRegistry(wfs), engine.WithActivityRegistry(acts))
	pool := New(eng, WithWorkers(2), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.CreateWorkflow(ctx, store.WorkflowMeta{
			Name: "Hello", Version: "1.0.0", Module: "demo",
		}, map[string]any{"name": fmt.Sprintf("W%d", i)})
		if err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		ids = append(ids, id)
	}

	deadline := time.After(10 * time.Second)
	for _, id := range ids {
		for {
			status, err := s.GetWorkflowStatus(ctx, id)
			if err != nil {
				t.Fatalf("GetWorkflowStatus: %v", err)
			}
			if status == store.StatusCompleted {
				break
			}
			if status.IsTerminal() {
				t.Fatalf("workflow %s ended %s", id, status)
			}
			select {
			case <-deadline:
				t.Fatalf("workflow %s still %s after deadline", id, status)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	for i, id := range ids {
		events, err := s.ListEvents(context.Background(), id)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		state := store.FoldState(events)
		want := fmt.Sprintf("Hello, W%d!", i)
		if state["greeting"] != want {
			t.Errorf("workflow %s greeting = %v, want %q", id, state["greeting"], want)
		}
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not shut down")
	}
}

func TestPoolShutsDownWhenIdle(t *testing.T) {
	s := store.NewMemoryStore()
	eng := engine.New(s,
		engine.WithWorkflowRegistry(workflow.NewRegistry()),
		engine.WithActivityRegistry(activity.NewRegistry()))
	pool := New(eng, WithWorkers(3), WithPollInterval(10*time.Millisecond), WithShutdownTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not stop")
	}
}
