// Package bearer validates bearer tokens presented on API requests.  Each
// provider's trust mode selects one of two strategies: self-encoded tokens
// are verified locally against the provider's signing keys, opaque tokens
// are presented to the provider's userinfo endpoint.
package bearer

import (
	"context"
	"fmt"

	"github.com/openrp/openrp/oidc"
)

// Strategies are selected by name so callers can log and test which trust
// path accepted a token.
const (
	StrategyNameSelfEncoded = "self-encoded"
	StrategyNameUserInfo    = "userinfo"
)

// Identity is the outcome of a successful bearer validation: who the token
// belongs to and which provisioning strategy applies to that identity.
type Identity struct {
	// UID is the value of the provider's configured uid claim.
	UID string

	// Claims are all claims learned while validating, for the provisioning
	// engine.
	Claims map[string]interface{}

	// ProvisioningStrategy names how the identity gets provisioned.  The
	// userinfo strategy intentionally leaves it empty: identities validated
	// that way keep whatever provisioning the account already has.
	ProvisioningStrategy string
}

// Strategy validates a raw bearer token for one provider.
type Strategy interface {
	// Name returns the strategy's selector name.
	Name() string

	// ValidateBearerToken checks the raw token and returns the identity it
	// belongs to.
	ValidateBearerToken(ctx context.Context, p *oidc.Provider, rawToken string) (*Identity, error)
}

// Registry picks the right Strategy for a provider based on its settings.
type Registry struct {
	selfEncoded Strategy
	userInfo    Strategy
}

// NewRegistry composes the bearer strategy registry from the two built-in
// strategies.
func NewRegistry(selfEncoded, userInfo Strategy) (*Registry, error) {
	const op = "bearer.NewRegistry"
	if selfEncoded == nil || userInfo == nil {
		return nil, fmt.Errorf("%s: strategy is nil: %w", op, oidc.ErrNilParameter)
	}
	return &Registry{
		selfEncoded: selfEncoded,
		userInfo:    userInfo,
	}, nil
}

// StrategyFor returns the strategy selected by the provider's settings.
// Providers with bearer checking disabled get no strategy at all, so a
// token can never be accepted for them by accident.
func (r *Registry) StrategyFor(p *oidc.Provider) (Strategy, error) {
	const op = "Registry.StrategyFor"
	if p == nil {
		return nil, fmt.Errorf("%s: provider is nil: %w", op, oidc.ErrNilParameter)
	}
	if !p.Settings.CheckBearer {
		return nil, fmt.Errorf("%s: bearer checking is disabled for provider %s: %w", op, p.Identifier, oidc.ErrInvalidParameter)
	}
	if p.Settings.SelfEncodedBearer {
		return r.selfEncoded, nil
	}
	return r.userInfo, nil
}

// Validate resolves the provider's strategy and runs it.
func (r *Registry) Validate(ctx context.Context, p *oidc.Provider, rawToken string) (*Identity, error) {
	const op = "Registry.Validate"
	strategy, err := r.StrategyFor(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	identity, err := strategy.ValidateBearerToken(ctx, p, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, strategy.Name(), err)
	}
	return identity, nil
}

// uidFromClaims extracts the provider's configured uid claim.
func uidFromClaims(p *oidc.Provider, claims map[string]interface{}) (string, error) {
	claim := p.Settings.UIDClaim()
	v, ok := claims[claim]
	if !ok {
		return "", fmt.Errorf("claim %q is missing: %w", claim, oidc.ErrInvalidToken)
	}
	uid, ok := v.(string)
	if !ok || uid == "" {
		return "", fmt.Errorf("claim %q is not a non-empty string: %w", claim, oidc.ErrInvalidToken)
	}
	return uid, nil
}
