package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/skeinworks/skein/activity"
	"github.com/skeinworks/skein/engine"
	"github.com/skeinworks/skein/store"
	"github.com/skeinworks/skein/workflow"
)

type env struct {
	store  *store.MemoryStore
	wfs    *workflow.Registry
	acts   *activity.Registry
	eng    *engine.Engine
	client *Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: store.NewMemoryStore(),
		wfs:   workflow.NewRegistry(),
		acts:  activity.NewRegistry(),
	}
	e.eng = engine.New(e.store, engine.WithWorkflowRegistry(e.wfs), engine.WithActivityRegistry(e.acts))
	e.client = New(e.store)
	return e
}

// drain runs the dispatcher until no work remains, pulling future
// run_at times into the past so retries fire immediately.
func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		claimed, err := e.eng.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if claimed {
			continue
		}
		advanced := false
		wfs, err := e.store.ListWorkflows(ctx, "", 0)
		if err != nil {
			t.Fatalf("ListWorkflows: %v", err)
		}
		for _, wf := range wfs {
			tasks, err := e.store.ListTasks(ctx, wf.ID)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			for _, tk := range tasks {
				if tk.Status == store.TaskPending && tk.RunAt.After(time.Now()) {
					if err := e.store.ScheduleRetry(ctx, tk.ID, time.Now().Add(-time.Second), tk.LastError); err != nil {
						t.Fatalf("ScheduleRetry: %v", err)
					}
					advanced = true
				}
			}
		}
		if !advanced {
			return
		}
	}
	t.Fatal("work did not settle after 200 dispatches")
}

func greetDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:    "Greet",
		Version: "1.0.0",
		Module:  "demo",
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
}

func TestStartValidatesDefinition(t *testing.T) {
	e := newEnv(t)
	_, err := e.client.Start(context.Background(), &workflow.Definition{Name: "NoModule"}, nil)
	if err == nil {
		t.Fatal("Start accepted a definition without a module")
	}
}

func TestResultStillRunning(t *testing.T) {
	e := newEnv(t)
	def := greetDefinition()
	if err := e.wfs.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	h, err := e.client.Start(context.Background(), def, map[string]any{"name": "World"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := h.Result(context.Background()); !errors.Is(err, ErrStillRunning) {
		t.Fatalf("Result before completion = %v, want ErrStillRunning", err)
	}
}

func TestResultReturnsFinalState(t *testing.T) {
	e := newEnv(t)
	if err := e.acts.Register(func(ctx context.Context, args ...any) (any, error) {
		name, _ := args[0].(string)
		return fmt.Sprintf("Hello, %s!", name), nil
	}, activity.Info{Name: "format_greeting", Module: "demo", RetryCount: 3, TimeoutSec: 30}); err != nil {
		t.Fatalf("register activity: %v", err)
	}
	def := greetDefinition()
	if err := e.wfs.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	h, err := e.client.Start(context.Background(), def, map[string]any{"name": "World"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.drain(t)

	status, err := h.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", status)
	}

	result, err := h.Result(context.Background())
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result["greeting"] != "Hello, World!" {
		t.Fatalf("greeting = %v, want Hello, World!", result["greeting"])
	}

	// Reattaching by ID sees the same outcome.
	again, err := e.client.Handle(h.ID()).Result(context.Background())
	if err != nil {
		t.Fatalf("Result via reattached handle: %v", err)
	}
	if again["greeting"] != "Hello, World!" {
		t.Fatalf("reattached greeting = %v", again["greeting"])
	}
}

func TestResultActivityFailure(t *testing.T) {
	e := newEnv(t)
	if err := e.acts.Register(func(ctx context.Context, args ...any) (any, error) {
		return nil, errors.New("card declined")
	}, activity.Info{Name: "charge_card", Module: "demo", RetryCount: 2, TimeoutSec: 30}); err != nil {
		t.Fatalf("register activity: %v", err)
	}
	def := &workflow.Definition{
		Name:   "Charge",
		Module: "demo",
		Steps: []workflow.Step{{
			Name: "charge",
			Fn: func(ctx workflow.Context) error {
				_, err := ctx.Activity("charge_card")
				return err
			},
		}},
	}
	if err := e.wfs.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	h, err := e.client.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.drain(t)

	_, err = h.Result(context.Background())
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Result = %v, want *ExecutionError", err)
	}
	if execErr.Source != "ACTIVITY" {
		t.Fatalf("Source = %s, want ACTIVITY", execErr.Source)
	}
	if execErr.Activity != "charge_card" {
		t.Fatalf("Activity = %s, want charge_card", execErr.Activity)
	}
	if execErr.Message != "card declined" {
		t.Fatalf("Message = %q, want card declined", execErr.Message)
	}
}

func TestResultWorkflowFailure(t *testing.T) {
	e := newEnv(t)
	def := &workflow.Definition{
		Name:   "Broken",
		Module: "demo",
		Steps: []workflow.Step{{
			Name: "explode",
			Fn: func(ctx workflow.Context) error {
				return errors.New("bad input")
			},
		}},
	}
	if err := e.wfs.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	h, err := e.client.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.drain(t)

	_, err = h.Result(context.Background())
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Result = %v, want *ExecutionError", err)
	}
	if execErr.Source != "WORKFLOW" {
		t.Fatalf("Source = %s, want WORKFLOW", execErr.Source)
	}
	if execErr.Message != "bad input" {
		t.Fatalf("Message = %q, want bad input", execErr.Message)
	}
}

func TestCancelAndResult(t *testing.T) {
	e := newEnv(t)
	def := &workflow.Definition{
		Name:   "Waiter",
		Module: "demo",
		Steps: []workflow.Step{{
			Name: "wait",
			Fn: func(ctx workflow.Context) error {
				_, err := ctx.WaitForSignal("go")
				return err
			},
		}},
	}
	if err := e.wfs.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	h, err := e.client.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.drain(t)

	if err := e.client.Cancel(context.Background(), h.ID(), "operator request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err = h.Result(context.Background())
	var canceled *CanceledError
	if !errors.As(err, &canceled) {
		t.Fatalf("Result = %v, want *CanceledError", err)
	}
	if canceled.Reason != "operator request" {
		t.Fatalf("Reason = %q, want operator request", canceled.Reason)
	}

	// Signals bounce off terminal workflows.
	if err := h.Signal(context.Background(), "go", nil); !errors.Is(err, store.ErrWorkflowTerminal) {
		t.Fatalf("Signal after cancel = %v, want ErrWorkflowTerminal", err)
	}
}

func TestSignalWakesWorkflow(t *testing.T) {
	e := newEnv(t)
	def := &workflow.Definition{
		Name:   "Approval",
		Module: "demo",
		Steps: []workflow.Step{{
			Name: "await_approval",
			Fn: func(ctx workflow.Context) error {
				payload, err := ctx.WaitForSignal("approve")
				if err != nil {
					return err
				}
				return ctx.State().Set("approved_by", payload["user"])
			},
		}},
	}
	if err := e.wfs.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	h, err := e.client.Start(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.drain(t)

	if status, _ := h.Status(context.Background()); status != store.StatusRunning {
		t.Fatalf("status before signal = %s, want RUNNING", status)
	}

	if err := h.Signal(context.Background(), "approve", map[string]any{"user": "ops"}); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	e.drain(t)

	result, err := h.Result(context.Background())
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result["approved_by"] != "ops" {
		t.Fatalf("approved_by = %v, want ops", result["approved_by"])
	}
}

func TestHandleUnknownWorkflow(t *testing.T) {
	e := newEnv(t)
	h := e.client.Handle("does-not-exist")
	if _, err := h.Result(context.Background()); !errors.Is(err, store.ErrWorkflowNotFound) {
		t.Fatalf("Result for unknown workflow = %v, want ErrWorkflowNotFound", err)
	}
}
