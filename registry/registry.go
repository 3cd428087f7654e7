// Package registry holds the table of known upstream providers. Entries come
// from configuration at startup; the only runtime mutation is the
// administrative deactivate path.
package registry

import (
	"sync"

	conductor "github.com/modelgrid/conductor"
)

type Registry struct {
	mutex     sync.RWMutex
	providers map[string]*conductor.Provider

	// Insertion order, so listings are deterministic.
	order []string
}

func New(providers []*conductor.Provider) *Registry {
	r := &Registry{
		providers: make(map[string]*conductor.Provider, len(providers)),
		order:     make([]string, 0, len(providers)),
	}
	for _, p := range providers {
		clone := *p
		r.providers[p.ID] = &clone
		r.order = append(r.order, p.ID)
	}
	return r
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (*conductor.Provider, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, conductor.ErrProviderNotFound
	}
	clone := *p
	return &clone, nil
}

// ListActive returns all active providers in registration order.
func (r *Registry) ListActive() []*conductor.Provider {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	active := make([]*conductor.Provider, 0, len(r.order))
	for _, id := range r.order {
		if p := r.providers[id]; p.IsActive {
			clone := *p
			active = append(active, &clone)
		}
	}
	return active
}

// Supports reports whether the provider exists and serves the given model.
func (r *Registry) Supports(id string, model string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	p, ok := r.providers[id]
	return ok && p.Supports(model)
}

// Deactivate removes the provider from routing until the process restarts
// with new configuration.
func (r *Registry) Deactivate(id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return conductor.ErrProviderNotFound
	}
	p.IsActive = false
	return nil
}
