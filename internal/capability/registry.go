package capability

import (
	"fmt"
	"strings"
	"sync"
)

type entry struct {
	cap      Capability
	optional bool
}

// RegisterOption configures a registration.
type RegisterOption func(*entry)

// Optional marks a capability whose failure does not fail the plan.
func Optional() RegisterOption {
	return func(e *entry) { e.optional = true }
}

// Registry is a name-keyed capability table. Names keep registration order.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds c under c.Name() with surrounding space trimmed.
func (r *Registry) Register(c Capability, opts ...RegisterOption) error {
	if c == nil {
		return ErrNilCapability
	}
	name := strings.TrimSpace(c.Name())
	if name == "" {
		return ErrEmptyName
	}

	e := &entry{cap: c}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	r.entries[name] = e
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register that panics on error. For static wiring only.
func (r *Registry) MustRegister(c Capability, opts ...RegisterOption) {
	if err := r.Register(c, opts...); err != nil {
		panic(err)
	}
}

// Get returns the capability registered under name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.cap, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns every registered name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Match returns, in registration order, the registered name of every
// capability that can handle text.
func (r *Registry) Match(text string) []string {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	caps := make([]Capability, len(names))
	for i, name := range names {
		caps[i] = r.entries[name].cap
	}
	r.mu.RUnlock()

	var out []string
	for i, c := range caps {
		if c.CanHandle(text) {
			out = append(out, names[i])
		}
	}
	return out
}

// Dependencies returns the declared dependencies of name.
func (r *Registry) Dependencies(name string) []string {
	c, ok := r.Get(name)
	if !ok {
		return nil
	}
	return append([]string(nil), c.Dependencies()...)
}

// IsOptional reports whether name was registered with Optional().
func (r *Registry) IsOptional(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.optional
}

// Independent reports whether no capability in names declares a dependency
// on another capability in names.
func (r *Registry) Independent(names []string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for _, n := range names {
		for _, dep := range r.Dependencies(n) {
			if dep != n && set[dep] {
				return false
			}
		}
	}
	return true
}
