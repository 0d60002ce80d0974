package engine

import (
	"sort"
	"sync"
)

// Factory builds a started engine for one owner. The registry calls it
// at most once per owner id.
type Factory func(ownerID string) (*Engine, error)

// Registry hands out one engine per owner id. Engines for different
// owners are fully independent: separate collections, separate transport
// channels, separate retry state. A failure in one never touches
// another.
type Registry struct {
	factory Factory

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry creates an empty registry over the factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		engines: make(map[string]*Engine),
	}
}

// ForOwner returns the engine for ownerID, building and starting it on
// first use.
func (r *Registry) ForOwner(ownerID string) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if eng, ok := r.engines[ownerID]; ok {
		return eng, nil
	}
	eng, err := r.factory(ownerID)
	if err != nil {
		return nil, err
	}
	r.engines[ownerID] = eng
	return eng, nil
}

// Get returns the engine for ownerID if one is already running.
func (r *Registry) Get(ownerID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eng, ok := r.engines[ownerID]
	return eng, ok
}

// Owners lists the owner ids with running engines, sorted.
func (r *Registry) Owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.engines))
	for id := range r.engines {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close stops and removes the engine for ownerID. No-op if absent.
func (r *Registry) Close(ownerID string) error {
	r.mu.Lock()
	eng, ok := r.engines[ownerID]
	delete(r.engines, ownerID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return eng.Close()
}

// CloseAll stops every running engine, returning the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, eng := range r.engines {
		engines = append(engines, eng)
	}
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()

	var first error
	for _, eng := range engines {
		if err := eng.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
