package activity

import (
	"fmt"
	"sync"
)

// Registration holds an activity function and its metadata
type Registration struct {
	Fn   Func
	Info Info
}

type ref struct {
	module string
	name   string
}

// Registry stores activity registrations keyed by (module, name). It is
// populated at process start and read-only afterwards.
type Registry struct {
	mu         sync.RWMutex
	activities map[ref]*Registration
}

// NewRegistry creates a new activity registry
func NewRegistry() *Registry {
	return &Registry{
		activities: make(map[ref]*Registration),
	}
}

// Register validates and adds an activity to the registry
func (r *Registry) Register(fn Func, info Info) error {
	if fn == nil {
		return fmt.Errorf("activity function cannot be nil")
	}
	if err := info.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := ref{module: info.Module, name: info.Name}
	if _, exists := r.activities[key]; exists {
		return fmt.Errorf("activity %s.%s already registered", info.Module, info.Name)
	}

	r.activities[key] = &Registration{Fn: fn, Info: info}
	return nil
}

// Get retrieves an activity by module locator and name
func (r *Registry) Get(module, name string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.activities[ref{module: module, name: name}]
	if !exists {
		return nil, fmt.Errorf("activity %s.%s not found", module, name)
	}

	return reg, nil
}

// List returns all registered activity names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.activities))
	for key := range r.activities {
		names = append(names, key.module+"."+key.name)
	}
	return names
}

// DefaultRegistry is a global registry for activities
var DefaultRegistry = NewRegistry()

// Register registers an activity in the default registry
func Register(fn Func, info Info) error {
	return DefaultRegistry.Register(fn, info)
}

// Get retrieves an activity from the default registry
func Get(module, name string) (*Registration, error) {
	return DefaultRegistry.Get(module, name)
}
