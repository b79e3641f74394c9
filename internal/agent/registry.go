// ABOUTME: Registered-type lookup table mapping agent type names to behavior factories
// ABOUTME: Unregistered types are a fatal agent error, reported but never a crash

package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType indicates an agent row whose type has no registered
// behavior. Such agents are excluded from scheduling and propagation.
var ErrUnknownType = errors.New("unknown agent type")

// Factory constructs a fresh behavior instance for one run.
type Factory func() Behavior

// Registry maps agent type names to behavior factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty behavior registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a behavior factory under the given type name,
// replacing any previous registration.
func (r *Registry) Register(typeName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = f
}

// New constructs a behavior for the given type name.
// Returns ErrUnknownType for unregistered types.
func (r *Registry) New(typeName string) (Behavior, error) {
	r.mu.RLock()
	f, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	return f(), nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for name := range r.factories {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
