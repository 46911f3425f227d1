package provider

import (
	"fmt"
	"strings"
)

// Registry holds the configured providers in configuration order. It is
// built once at startup and only read afterwards, so concurrent lookups need
// no locking.
type Registry struct {
	providers []Provider
	byName    map[string]Provider
}

// NewRegistry validates and indexes the given providers. Names must be
// non-blank and unique.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{
		providers: make([]Provider, 0, len(providers)),
		byName:    make(map[string]Provider, len(providers)),
	}
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("provider registry: entry %d is nil", i)
		}
		name := p.Info().Name
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("provider registry: entry %d has no name", i)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("provider registry: duplicate provider name %q", name)
		}
		r.byName[name] = p
		r.providers = append(r.providers, p)
	}
	return r, nil
}

// List returns the providers in configuration order. The returned slice is a
// copy.
func (r *Registry) List() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names returns the registered provider names in configuration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Info().Name
	}
	return names
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.providers)
}
