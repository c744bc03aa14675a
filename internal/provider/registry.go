package provider

import (
	"fmt"
	"sync"
)

// Factory constructs a Backend. Registration happens in the cli layer so
// this package stays free of provider imports.
type Factory func() (Backend, error)

// Registry manages the lifecycle of provider backends. Backends are
// constructed once on first load and shared across the engine.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	backends  map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		backends:  make(map[string]Backend),
	}
}

// Register makes a provider constructible under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Load initializes the named provider if it is not yet loaded.
func (r *Registry) Load(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return nil
	}

	f, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}

	b, err := f()
	if err != nil {
		return fmt.Errorf("failed to initialize provider %s: %w", name, err)
	}
	r.backends[name] = b
	return nil
}

// Get returns a loaded provider backend.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return b, nil
}
