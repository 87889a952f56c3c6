package filter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps filter names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds factories. Registering a name twice is an error.
func (r *Registry) Register(factories ...Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range factories {
		if _, exists := r.factories[f.Name()]; exists {
			return fmt.Errorf("filter %s already registered", f.Name())
		}
		r.factories[f.Name()] = f
	}
	return nil
}

// MustRegister is Register that panics on duplicates. For use at startup.
func (r *Registry) MustRegister(factories ...Factory) {
	if err := r.Register(factories...); err != nil {
		panic(err)
	}
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
