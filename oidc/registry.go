package oidc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openrp/openrp/sdk/codec"
	"gopkg.in/yaml.v3"
)

// InvalidateFunc is notified with a provider identifier whenever that
// provider's configuration changes or is removed.  The discovery Resolver
// registers one to drop its caches.
type InvalidateFunc func(providerID string)

// Registry holds the configured providers.  All administrative mutations go
// through it so cache invalidation hooks fire exactly when configuration
// changes.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	onChange  []InvalidateFunc
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: map[string]*Provider{},
	}
}

// OnChange registers an invalidation hook.  Hooks run synchronously inside
// the mutating call, after the change is applied.
func (r *Registry) OnChange(fn InvalidateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Put creates or replaces a provider and fires the invalidation hooks.
func (r *Registry) Put(p *Provider) error {
	const op = "Registry.Put"
	if p == nil {
		return fmt.Errorf("%s: provider is nil: %w", op, ErrNilParameter)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	r.mu.Lock()
	r.providers[p.Identifier] = p
	hooks := append([]InvalidateFunc(nil), r.onChange...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(p.Identifier)
	}
	return nil
}

// Delete removes a provider and fires the invalidation hooks.  Deleting an
// unknown provider returns ErrProviderNotFound.
func (r *Registry) Delete(identifier string) error {
	const op = "Registry.Delete"
	r.mu.Lock()
	if _, ok := r.providers[identifier]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %s: %w", op, identifier, ErrProviderNotFound)
	}
	delete(r.providers, identifier)
	hooks := append([]InvalidateFunc(nil), r.onChange...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(identifier)
	}
	return nil
}

// Provider returns the provider with the given identifier.
func (r *Registry) Provider(identifier string) (*Provider, error) {
	const op = "Registry.Provider"
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[identifier]
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", op, identifier, ErrProviderNotFound)
	}
	return p, nil
}

// Providers returns all configured providers, ordered by identifier.
func (r *Registry) Providers() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Identifier < all[j].Identifier })
	return all
}

// providerDoc is the YAML shape of one provider entry.
type providerDoc struct {
	Identifier            string   `yaml:"identifier"`
	ClientID              string   `yaml:"clientId"`
	ClientSecret          string   `yaml:"clientSecret"`
	DiscoveryEndpoint     string   `yaml:"discoveryEndpoint"`
	EndSessionEndpoint    string   `yaml:"endSessionEndpoint"`
	PostLogoutRedirectURI string   `yaml:"postLogoutRedirectUri"`
	Scope                 string   `yaml:"scope"`
	Settings              Settings `yaml:"settings"`
}

// LoadYAML bulk-loads providers from a YAML document of the form:
//
//	providers:
//	  - identifier: keycloak
//	    clientId: app
//	    clientSecret: s3cr3t
//	    discoveryEndpoint: https://idp.example.com/.well-known/openid-configuration
//
// Client secrets are encrypted with the given codec as they are loaded.
func (r *Registry) LoadYAML(data []byte, sc codec.Codec) error {
	const op = "Registry.LoadYAML"
	var doc struct {
		Providers []providerDoc `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%s: unable to parse provider document: %w", op, err)
	}
	for _, d := range doc.Providers {
		opt := []Option{
			WithEndSessionEndpoint(d.EndSessionEndpoint),
			WithPostLogoutRedirectURI(d.PostLogoutRedirectURI),
			WithSettings(d.Settings),
		}
		if d.Scope != "" {
			opt = append(opt, WithScope(d.Scope))
		}
		p, err := NewProvider(d.Identifier, d.ClientID, ClientSecret(d.ClientSecret), d.DiscoveryEndpoint, sc, opt...)
		if err != nil {
			return fmt.Errorf("%s: provider %q: %w", op, d.Identifier, err)
		}
		if err := r.Put(p); err != nil {
			return fmt.Errorf("%s: provider %q: %w", op, d.Identifier, err)
		}
	}
	return nil
}
