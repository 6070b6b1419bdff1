package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry stores executors keyed by name. It is an explicit value handed to
// whoever starts runs; there is no package-level registry.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor under name.
func (r *Registry) Register(name string, exec Executor) error {
	if name == "" {
		return fmt.Errorf("executor name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[name]; exists {
		return fmt.Errorf("executor already registered for %s", name)
	}
	r.executors[name] = exec
	return nil
}

// MustRegister adds an executor or panics.
func (r *Registry) MustRegister(name string, exec Executor) {
	if err := r.Register(name, exec); err != nil {
		panic(err)
	}
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (Executor, error) {
	if name == "" {
		return nil, fmt.Errorf("executor name is required")
	}
	r.mu.RLock()
	exec := r.executors[name]
	r.mu.RUnlock()
	if exec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return exec, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
