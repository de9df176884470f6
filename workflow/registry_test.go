package workflow

import (
	"strings"
	"testing"
)

func noopStep(ctx Context) error { return nil }

func validDefinition() *Definition {
	return &Definition{
		Name:    "OrderFulfillment",
		Version: "1.0.0",
		Module:  "example/orders",
		Steps: []Step{
			{Name: "reserve_stock", Fn: noopStep},
			{Name: "charge_card", Fn: noopStep},
		},
	}
}

func TestDefinition_Validate(t *testing.T) {
	if err := validDefinition().Validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}
}

func TestDefinition_Validate_NoSteps(t *testing.T) {
	def := validDefinition()
	def.Steps = nil

	err := def.Validate()
	if err == nil {
		t.Fatal("expected error for workflow without steps")
	}
	if !strings.Contains(err.Error(), "at least one step") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefinition_Validate_DuplicateStep(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, Step{Name: "reserve_stock", Fn: noopStep})

	err := def.Validate()
	if err == nil {
		t.Fatal("expected error for duplicate step name")
	}
	if !strings.Contains(err.Error(), "duplicate step name") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefinition_Validate_EmptyModule(t *testing.T) {
	def := validDefinition()
	def.Module = ""

	if err := def.Validate(); err == nil {
		t.Fatal("expected error for empty module locator")
	}
}

func TestDefinition_Validate_NilStepFn(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Fn = nil

	if err := def.Validate(); err == nil {
		t.Fatal("expected error for nil step function")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	def := validDefinition()

	if err := reg.Register(def); err != nil {
		t.Fatalf("failed to register workflow: %v", err)
	}

	got, err := reg.Get("example/orders", "OrderFulfillment")
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if got.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", got.Version)
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(validDefinition()); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := reg.Register(validDefinition()); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get("example/orders", "Missing"); err == nil {
		t.Fatal("expected error for unknown workflow")
	}
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry()
	reg.Register(validDefinition())

	refs := reg.List()
	if len(refs) != 1 {
		t.Fatalf("expected 1 ref, got %d", len(refs))
	}
	if refs[0].String() != "example/orders.OrderFulfillment" {
		t.Errorf("unexpected ref: %s", refs[0])
	}
}
