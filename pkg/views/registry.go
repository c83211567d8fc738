package views

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps view names to their projectors. Deployments register
// projectors at startup, typically from an init function in the package
// that owns the view, and the runtime resolves configured subscriptions
// against the registry.
type Registry struct {
	mu         sync.RWMutex
	projectors map[string]Projector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{projectors: make(map[string]Projector)}
}

// Register binds a projector to a view name. Registering the same name
// twice is a bug and fails loudly.
func (r *Registry) Register(viewName string, p Projector) error {
	if viewName == "" {
		return fmt.Errorf("view name cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("projector for view %s cannot be nil", viewName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.projectors[viewName]; dup {
		return fmt.Errorf("projector already registered for view %s", viewName)
	}
	r.projectors[viewName] = p
	return nil
}

// Projectors returns a copy of the registered projectors.
func (r *Registry) Projectors() map[string]Projector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Projector, len(r.projectors))
	for name, p := range r.projectors {
		out[name] = p
	}
	return out
}

// Names returns the registered view names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.projectors))
	for name := range r.projectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry collects projectors registered through the package-level
// Register, the way database/sql collects drivers.
var DefaultRegistry = NewRegistry()

// Register binds a projector to a view name in the DefaultRegistry.
func Register(viewName string, p Projector) error {
	return DefaultRegistry.Register(viewName, p)
}
