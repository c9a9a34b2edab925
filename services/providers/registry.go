package providers

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrCapabilityMissing is returned when a provider exists but cannot
	// serve the requested role (e.g. asking a search backend to embed)
	ErrCapabilityMissing = errors.New("provider does not support capability")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")

	// ErrRegistryClosed is returned when registering after Close
	ErrRegistryClosed = errors.New("registry closed")
)

// Registry owns the process-wide provider handles. It is built once at
// startup, shared by every request and closed once at shutdown.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// RegisterProvider registers a provider instance under its own name.
func (r *Registry) RegisterProvider(provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}
	return r.RegisterAs(provider.Name(), provider)
}

// RegisterAs registers a provider under an explicit name. The same instance
// may be registered under several names; Close releases it once.
func (r *Registry) RegisterAs(name string, provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.providers[name]; exists {
		return ErrProviderAlreadyRegistered
	}

	r.providers[name] = provider
	r.order = append(r.order, name)
	return nil
}

// GetProvider retrieves a provider by name
func (r *Registry) GetProvider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return provider, nil
}

// Embedder returns the named provider as an Embedder.
func (r *Registry) Embedder(name string) (Embedder, error) {
	p, err := r.GetProvider(name)
	if err != nil {
		return nil, err
	}
	e, ok := p.(Embedder)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot embed", ErrCapabilityMissing, name)
	}
	return e, nil
}

// Searcher returns the named provider as a Searcher.
func (r *Registry) Searcher(name string) (Searcher, error) {
	p, err := r.GetProvider(name)
	if err != nil {
		return nil, err
	}
	s, ok := p.(Searcher)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot search", ErrCapabilityMissing, name)
	}
	return s, nil
}

// Generator returns the named provider as a Generator.
func (r *Registry) Generator(name string) (Generator, error) {
	p, err := r.GetProvider(name)
	if err != nil {
		return nil, err
	}
	g, ok := p.(Generator)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot generate", ErrCapabilityMissing, name)
	}
	return g, nil
}

// ListProviders returns registered names, sorted.
func (r *Registry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetProviderCount returns the number of registered names
func (r *Registry) GetProviderCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Close closes every distinct provider instance once, in registration order.
// Subsequent calls return the first result.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.closed = true
		seen := make(map[Provider]bool, len(r.providers))
		var errs []error
		for _, name := range r.order {
			p := r.providers[name]
			if seen[p] {
				continue
			}
			seen[p] = true
			if err := p.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}
