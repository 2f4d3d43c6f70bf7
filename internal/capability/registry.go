package capability

import (
	"fmt"
	"sync"
)

// Registry holds the capabilities available for dispatch. Registration
// happens at startup; after that the registry is read-only and safe to
// share across all sessions. Registration order is preserved because
// the router evaluates triggers, and aggregates results, in that order.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Capability
	ordered []*Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Capability),
	}
}

// Register adds a capability. It returns a [DuplicateError] if the name
// is already taken, leaving the registry unchanged. A capability must
// have a non-empty name and a handler.
func (r *Registry) Register(c *Capability) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if c.Handler == nil {
		return fmt.Errorf("capability %q has no handler", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[c.Name]; exists {
		return &DuplicateError{Name: c.Name}
	}

	r.byName[c.Name] = c
	r.ordered = append(r.ordered, c)
	return nil
}

// Lookup retrieves a capability by name. Returns a [NotFoundError] for
// unregistered names.
func (r *Registry) Lookup(name string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byName[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return c, nil
}

// All returns every registered capability in registration order. The
// returned slice is a copy; the capabilities themselves are shared.
func (r *Registry) All() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Capability, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}
