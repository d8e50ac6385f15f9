package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
)

// DefaultDiscoveryCacheTTL is how long fetched metadata and key sets are
// served from cache before being re-fetched.
const DefaultDiscoveryCacheTTL = 1 * time.Hour

// ProviderMetadata is the decoded provider discovery document, reduced to the
// endpoints this system consumes.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
}

// KeySet represents a provider's signing keys.  VerifySignature parses the
// given JWT, verifies its signature, and returns the claims in its payload.
type KeySet interface {
	VerifySignature(ctx context.Context, token string) (claims map[string]interface{}, err error)
}

// remoteKeySet verifies JWT signatures using keys obtained from the
// provider's jwks_uri.
type remoteKeySet struct {
	remote *gooidc.RemoteKeySet
}

func (ks *remoteKeySet) VerifySignature(ctx context.Context, token string) (map[string]interface{}, error) {
	payload, err := ks.remote.VerifySignature(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	allClaims := map[string]interface{}{}
	if err := json.Unmarshal(payload, &allClaims); err != nil {
		return nil, fmt.Errorf("unable to unmarshal verified claims: %w", err)
	}
	return allClaims, nil
}

type metadataEntry struct {
	metadata  *ProviderMetadata
	fetchedAt time.Time
}

type keySetEntry struct {
	keys      KeySet
	fetchedAt time.Time
}

// Resolver fetches and caches provider discovery metadata and signing key
// sets.  Failed fetches are never cached.  Invalidate is intended to be
// registered with Registry.OnChange so configuration changes drop the cache.
type Resolver struct {
	client *http.Client
	ttl    time.Duration
	clock  Clock
	logger hclog.Logger

	mu       sync.RWMutex
	metadata map[string]*metadataEntry
	keySets  map[string]*keySetEntry
}

// NewResolver creates a discovery resolver using the given http client for
// all fetches.
// Supported options: WithClock, WithLogger, WithCacheTTL.
func NewResolver(client *http.Client, opt ...Option) (*Resolver, error) {
	const op = "oidc.NewResolver"
	if client == nil {
		return nil, fmt.Errorf("%s: http client is nil: %w", op, ErrNilParameter)
	}
	opts := getResolverOpts(opt...)
	return &Resolver{
		client:   client,
		ttl:      opts.withCacheTTL,
		clock:    opts.withClock,
		logger:   opts.withLogger,
		metadata: map[string]*metadataEntry{},
		keySets:  map[string]*keySetEntry{},
	}, nil
}

// Metadata returns the provider's discovery document, from cache when fresh.
func (r *Resolver) Metadata(ctx context.Context, p *Provider) (*ProviderMetadata, error) {
	const op = "Resolver.Metadata"
	if p == nil {
		return nil, fmt.Errorf("%s: provider is nil: %w", op, ErrNilParameter)
	}

	r.mu.RLock()
	entry := r.metadata[p.Identifier]
	r.mu.RUnlock()
	if entry != nil && r.clock.Now().Before(entry.fetchedAt.Add(r.ttl)) {
		return entry.metadata, nil
	}

	md, err := r.fetchMetadata(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	r.mu.Lock()
	r.metadata[p.Identifier] = &metadataEntry{metadata: md, fetchedAt: r.clock.Now()}
	r.mu.Unlock()
	return md, nil
}

// KeySet returns the provider's signing key set, from cache when fresh.
func (r *Resolver) KeySet(ctx context.Context, p *Provider) (KeySet, error) {
	const op = "Resolver.KeySet"
	if p == nil {
		return nil, fmt.Errorf("%s: provider is nil: %w", op, ErrNilParameter)
	}

	r.mu.RLock()
	entry := r.keySets[p.Identifier]
	r.mu.RUnlock()
	if entry != nil && r.clock.Now().Before(entry.fetchedAt.Add(r.ttl)) {
		return entry.keys, nil
	}

	md, err := r.Metadata(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if md.JWKSURI == "" {
		return nil, fmt.Errorf("%s: metadata has no jwks_uri: %w", op, ErrDiscoveryUnavailable)
	}

	// The remote key set re-fetches keys on unknown kids and caches them
	// itself; the resolver cache only bounds how long a stale jwks_uri can
	// live after a provider configuration change.
	clientCtx := gooidc.ClientContext(context.Background(), r.client)
	ks := &remoteKeySet{remote: gooidc.NewRemoteKeySet(clientCtx, md.JWKSURI)}

	r.mu.Lock()
	r.keySets[p.Identifier] = &keySetEntry{keys: ks, fetchedAt: r.clock.Now()}
	r.mu.Unlock()
	return ks, nil
}

// Invalidate drops the cached metadata and key set for a provider.  It has
// the InvalidateFunc shape expected by Registry.OnChange.
func (r *Resolver) Invalidate(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.metadata, providerID)
	delete(r.keySets, providerID)
}

func (r *Resolver) fetchMetadata(ctx context.Context, p *Provider) (*ProviderMetadata, error) {
	wellKnown := discoveryURL(p.DiscoveryEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrDiscoveryUnavailable, wellKnown, resp.StatusCode)
	}
	var md ProviderMetadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("%w: unable to decode metadata: %v", ErrDiscoveryUnavailable, err)
	}
	if md.TokenEndpoint == "" {
		return nil, fmt.Errorf("%w: metadata has no token_endpoint", ErrDiscoveryUnavailable)
	}
	return &md, nil
}

// discoveryURL normalizes a configured discovery endpoint: a bare issuer gets
// the well-known path appended.
func discoveryURL(configured string) string {
	if strings.Contains(configured, "/.well-known/") {
		return configured
	}
	return strings.TrimSuffix(configured, "/") + "/.well-known/openid-configuration"
}

// resolverOptions is the set of available options for NewResolver
type resolverOptions struct {
	withClock    Clock
	withLogger   hclog.Logger
	withCacheTTL time.Duration
}

func resolverDefaults() resolverOptions {
	return resolverOptions{
		withClock:    SystemClock,
		withLogger:   hclog.NewNullLogger(),
		withCacheTTL: DefaultDiscoveryCacheTTL,
	}
}

func getResolverOpts(opt ...Option) resolverOptions {
	opts := resolverDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithCacheTTL overrides how long discovery results are served from cache.
func WithCacheTTL(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*resolverOptions); ok {
			v.withCacheTTL = d
		}
	}
}
