package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/openrp/openrp/oidc"
)

// DefaultLogoutTimeout bounds each backchannel logout call so a dead
// provider cannot stall local session teardown.
const DefaultLogoutTimeout = 5 * time.Second

// Coordinator tears down provider sessions when the local side dies.  The
// provider call is best effort: whatever its outcome, the local record is
// deleted so a failed logout can never keep a dead session alive locally.
type Coordinator struct {
	registry  *Registry
	providers *oidc.Registry
	resolver  *oidc.Resolver
	client    *http.Client
	logger    hclog.Logger
	timeout   time.Duration
}

// NewCoordinator composes a backchannel logout coordinator.
// Supported options: WithLogger, WithLogoutTimeout.
func NewCoordinator(registry *Registry, providers *oidc.Registry, resolver *oidc.Resolver, client *http.Client, opt ...oidc.Option) (*Coordinator, error) {
	const op = "session.NewCoordinator"
	switch {
	case registry == nil:
		return nil, fmt.Errorf("%s: session registry is nil: %w", op, oidc.ErrNilParameter)
	case providers == nil:
		return nil, fmt.Errorf("%s: provider registry is nil: %w", op, oidc.ErrNilParameter)
	case resolver == nil:
		return nil, fmt.Errorf("%s: discovery resolver is nil: %w", op, oidc.ErrNilParameter)
	case client == nil:
		return nil, fmt.Errorf("%s: http client is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getCoordinatorOpts(opt...)
	return &Coordinator{
		registry:  registry,
		providers: providers,
		resolver:  resolver,
		client:    client,
		logger:    opts.withLogger,
		timeout:   opts.withLogoutTimeout,
	}, nil
}

// TokenInvalidated handles a local authentication token going away: the
// session it belonged to is looked up, the provider session is closed best
// effort, and the local record is removed.  An unknown token is a no-op,
// since most local tokens never belonged to a provider login.
func (c *Coordinator) TokenInvalidated(ctx context.Context, authTokenID string) error {
	const op = "Coordinator.TokenInvalidated"
	sess, err := c.registry.Store().ByAuthTokenID(ctx, authTokenID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if !sess.IdPSessionClosed {
		c.endProviderSession(ctx, sess)
	}

	if err := c.registry.Store().Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("%s: unable to delete session %s: %w", op, sess.ID, err)
	}
	return nil
}

// endProviderSession calls the provider's end-session endpoint.  Every
// failure is logged and swallowed; the caller deletes the local record
// either way.
func (c *Coordinator) endProviderSession(ctx context.Context, sess *Session) {
	endpoint, provider := c.endSessionEndpoint(ctx, sess)
	if endpoint == "" {
		c.logger.Debug("provider has no end-session endpoint, skipping backchannel logout",
			"session", sess.ID, "provider", sess.ProviderID)
		return
	}

	q := url.Values{}
	if provider != nil {
		if provider.ClientID != "" {
			q.Set("client_id", provider.ClientID)
		}
		if provider.PostLogoutRedirectURI != "" {
			q.Set("post_logout_redirect_uri", provider.PostLogoutRedirectURI)
		}
	}
	idToken, err := c.registry.IDToken(sess)
	if err != nil {
		c.logger.Warn("unable to decrypt retained id token for logout",
			"session", sess.ID, "provider", sess.ProviderID, "error", err)
	} else if idToken != "" {
		q.Set("id_token_hint", idToken)
	}

	logoutURL := endpoint
	if len(q) > 0 {
		sep := "?"
		if u, err := url.Parse(endpoint); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		logoutURL = endpoint + sep + q.Encode()
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, logoutURL, nil)
	if err != nil {
		c.logger.Warn("unable to build backchannel logout request",
			"session", sess.ID, "provider", sess.ProviderID, "error", err)
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("backchannel logout call failed",
			"session", sess.ID, "provider", sess.ProviderID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		c.logger.Warn("backchannel logout rejected by provider",
			"session", sess.ID, "provider", sess.ProviderID, "status", resp.StatusCode)
		return
	}
	c.logger.Debug("provider session closed", "session", sess.ID, "provider", sess.ProviderID)
}

// endSessionEndpoint picks the configured endpoint override, falling back to
// the provider's discovery metadata.
func (c *Coordinator) endSessionEndpoint(ctx context.Context, sess *Session) (string, *oidc.Provider) {
	provider, err := c.providers.Provider(sess.ProviderID)
	if err != nil {
		c.logger.Warn("session references unknown provider",
			"session", sess.ID, "provider", sess.ProviderID, "error", err)
		return "", nil
	}
	if provider.EndSessionEndpoint != "" {
		return provider.EndSessionEndpoint, provider
	}
	md, err := c.resolver.Metadata(ctx, provider)
	if err != nil {
		c.logger.Warn("unable to resolve provider metadata for logout",
			"session", sess.ID, "provider", sess.ProviderID, "error", err)
		return "", provider
	}
	return md.EndSessionEndpoint, provider
}
