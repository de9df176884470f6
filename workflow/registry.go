package workflow

import (
	"fmt"
	"sync"
)

// Ref identifies a registered workflow by module locator and name.
type Ref struct {
	Module string
	Name   string
}

func (r Ref) String() string {
	return r.Module + "." + r.Name
}

// Registry stores workflow definitions keyed by (module, name). It is
// populated at process start and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	workflows map[Ref]*Definition
}

// NewRegistry creates a new workflow registry
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[Ref]*Definition),
	}
}

// Register validates and adds a workflow definition to the registry
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ref := Ref{Module: def.Module, Name: def.Name}
	if _, exists := r.workflows[ref]; exists {
		return fmt.Errorf("workflow %s already registered", ref)
	}

	r.workflows[ref] = def
	return nil
}

// Get retrieves a workflow definition by module locator and name
func (r *Registry) Get(module, name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.workflows[Ref{Module: module, Name: name}]
	if !exists {
		return nil, fmt.Errorf("workflow %s.%s not found", module, name)
	}

	return def, nil
}

// List returns all registered workflow refs
func (r *Registry) List() []Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]Ref, 0, len(r.workflows))
	for ref := range r.workflows {
		refs = append(refs, ref)
	}
	return refs
}

// DefaultRegistry is a global registry for workflows
var DefaultRegistry = NewRegistry()

// Register registers a workflow in the default registry
func Register(def *Definition) error {
	return DefaultRegistry.Register(def)
}

// Get retrieves a workflow from the default registry
func Get(module, name string) (*Definition, error) {
	return DefaultRegistry.Get(module, name)
}

// List returns all workflows in the default registry
func List() []Ref {
	return DefaultRegistry.List()
}
