package providers

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when registering a duplicate id.
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry is the lookup table of provider adapters. Candidate ordering is
// fixed at registration time: local/free providers sort before paid ones,
// ties broken by registration order. Adding a backend means one Adapter
// implementation and one Register call.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	if name == "" {
		return errors.New("adapter name cannot be empty")
	}
	if _, exists := r.adapters[name]; exists {
		return ErrProviderAlreadyRegistered
	}

	r.adapters[name] = adapter
	r.order = append(r.order, name)

	// Cheaper classes first; registration order within a class is preserved.
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.adapters[r.order[i]].Class() < r.adapters[r.order[j]].Class()
	})

	return nil
}

// Unregister removes an adapter from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; !exists {
		return ErrProviderNotFound
	}

	delete(r.adapters, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get retrieves an adapter by provider id.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return adapter, nil
}

// List returns all registered provider ids in priority order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Candidates returns adapters in dispatch order: the explicitly requested
// provider first (when set and registered), then the remaining providers in
// priority order. The relative order of the rest is never changed.
func (r *Registry) Candidates(explicit string) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]Adapter, 0, len(r.order))
	if explicit != "" {
		if a, ok := r.adapters[explicit]; ok {
			candidates = append(candidates, a)
		}
	}
	for _, name := range r.order {
		if name == explicit {
			continue
		}
		candidates = append(candidates, r.adapters[name])
	}
	return candidates
}

// Count returns the number of registered adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
