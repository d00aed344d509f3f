package ledger

import (
	"fmt"
	"sync"
)

// Factory builds a network's gateway on first use.
type Factory func() (Gateway, error)

type registryEntry struct {
	once    sync.Once
	factory Factory
	gw      Gateway
	err     error
}

// Registry holds the primary network and the secondaries, each initialised
// lazily exactly once and shared by every caller afterwards.
type Registry struct {
	primary string

	mu      sync.RWMutex
	order   []string
	entries map[string]*registryEntry
}

// NewRegistry creates a registry whose primary network is named primary.
func NewRegistry(primary string) *Registry {
	return &Registry{primary: primary, entries: make(map[string]*registryEntry)}
}

// Register adds a network. Networks other than the primary are secondaries,
// kept in registration order.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		r.order = append(r.order, name)
	}
	r.entries[name] = &registryEntry{factory: f}
}

// RegisterGateway adds an already constructed gateway.
func (r *Registry) RegisterGateway(gw Gateway) {
	r.Register(gw.Network(), func() (Gateway, error) { return gw, nil })
}

// Get returns the named network's gateway, initialising it if needed.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown network %q", ErrNotFound, name)
	}
	e.once.Do(func() {
		e.gw, e.err = e.factory()
		if e.err == nil && e.gw == nil {
			e.err = fmt.Errorf("network %q: factory returned no gateway", name)
		}
	})
	if e.err != nil {
		return nil, fmt.Errorf("%w: init %s: %w", ErrUnavailable, name, e.err)
	}
	return e.gw, nil
}

// PrimaryName returns the primary network's name.
func (r *Registry) PrimaryName() string { return r.primary }

// Primary returns the primary network's gateway.
func (r *Registry) Primary() (Gateway, error) { return r.Get(r.primary) }

// Secondaries returns the secondary network names in registration order.
func (r *Registry) Secondaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, n := range r.order {
		if n != r.primary {
			out = append(out, n)
		}
	}
	return out
}
