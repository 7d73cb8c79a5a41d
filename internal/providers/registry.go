package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provider IDs to ChatProvider implementations.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ChatProvider
}

// NewRegistry creates a registry holding the given providers, keyed by Name.
func NewRegistry(providers ...ChatProvider) *Registry {
	r := &Registry{providers: make(map[string]ChatProvider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds or replaces a provider under its Name.
func (r *Registry) Register(p ChatProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// RegisterAs adds p under an explicit ID, letting one implementation serve
// several configured endpoints.
func (r *Registry) RegisterAs(id string, p ChatProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (ChatProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id]
	return ok
}

// Names returns the registered provider IDs in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
