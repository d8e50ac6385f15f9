package bearer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openrp/openrp/oidc"
)

// SelfEncoded validates bearer tokens that are themselves JWTs signed by the
// provider: signature against the provider's published keys, then a local
// expiry check.  No call to the provider is needed per request.
type SelfEncoded struct {
	resolver *oidc.Resolver
	clock    oidc.Clock
	leeway   time.Duration
}

// ensure that SelfEncoded implements the Strategy interface
var _ Strategy = (*SelfEncoded)(nil)

// NewSelfEncoded creates the self-encoded strategy.
// Supported options: WithClock, WithLeeway.
func NewSelfEncoded(resolver *oidc.Resolver, opt ...oidc.Option) (*SelfEncoded, error) {
	const op = "bearer.NewSelfEncoded"
	if resolver == nil {
		return nil, fmt.Errorf("%s: discovery resolver is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getStrategyOpts(opt...)
	return &SelfEncoded{
		resolver: resolver,
		clock:    opts.withClock,
		leeway:   opts.withLeeway,
	}, nil
}

// Name implements Strategy.
func (s *SelfEncoded) Name() string { return StrategyNameSelfEncoded }

// ValidateBearerToken implements Strategy.  Identities accepted this way are
// provisioned like a fresh login.
func (s *SelfEncoded) ValidateBearerToken(ctx context.Context, p *oidc.Provider, rawToken string) (*Identity, error) {
	const op = "SelfEncoded.ValidateBearerToken"
	if rawToken == "" {
		return nil, fmt.Errorf("%s: token is empty: %w", op, oidc.ErrInvalidToken)
	}
	ks, err := s.resolver.KeySet(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, err := ks.VerifySignature(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.checkExpiry(claims); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	uid, err := uidFromClaims(p, claims)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Identity{
		UID:                  uid,
		Claims:               claims,
		ProvisioningStrategy: "oidc",
	}, nil
}

func (s *SelfEncoded) checkExpiry(claims map[string]interface{}) error {
	exp, ok := unixClaim(claims["exp"])
	if !ok {
		return fmt.Errorf("exp claim is missing: %w", oidc.ErrTokenExpired)
	}
	if s.clock.Now().After(exp.Add(s.leeway)) {
		return fmt.Errorf("token expired at %s: %w", exp.UTC().Format(time.RFC3339), oidc.ErrTokenExpired)
	}
	return nil
}

func unixClaim(v interface{}) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case int64:
		return time.Unix(n, 0), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(i, 0), true
	default:
		return time.Time{}, false
	}
}
