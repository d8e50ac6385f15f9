package bearer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/openrp/openrp/oidc"
)

// UserInfo validates opaque bearer tokens by presenting them to the
// provider's userinfo endpoint; the provider is the only party able to judge
// them.
type UserInfo struct {
	resolver *oidc.Resolver
	client   *http.Client
}

// ensure that UserInfo implements the Strategy interface
var _ Strategy = (*UserInfo)(nil)

// NewUserInfo creates the userinfo strategy.
func NewUserInfo(resolver *oidc.Resolver, client *http.Client) (*UserInfo, error) {
	const op = "bearer.NewUserInfo"
	if resolver == nil {
		return nil, fmt.Errorf("%s: discovery resolver is nil: %w", op, oidc.ErrNilParameter)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: http client is nil: %w", op, oidc.ErrNilParameter)
	}
	return &UserInfo{
		resolver: resolver,
		client:   client,
	}, nil
}

// Name implements Strategy.
func (s *UserInfo) Name() string { return StrategyNameUserInfo }

// ValidateBearerToken implements Strategy.  The returned identity carries no
// provisioning strategy: accounts validated this way keep the provisioning
// they already have.
func (s *UserInfo) ValidateBearerToken(ctx context.Context, p *oidc.Provider, rawToken string) (*Identity, error) {
	const op = "UserInfo.ValidateBearerToken"
	if rawToken == "" {
		return nil, fmt.Errorf("%s: token is empty: %w", op, oidc.ErrInvalidToken)
	}
	md, err := s.resolver.Metadata(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if md.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("%s: provider %s publishes no userinfo endpoint: %w", op, p.Identifier, oidc.ErrUserInfoFailed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, md.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, oidc.ErrUserInfoFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, oidc.ErrUserInfoFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, oidc.ErrUserInfoFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: userinfo endpoint returned %d: %w", op, resp.StatusCode, oidc.ErrInvalidToken)
	}

	claims := map[string]interface{}{}
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("%s: unable to decode userinfo reply: %w: %v", op, oidc.ErrUserInfoFailed, err)
	}
	uid, err := uidFromClaims(p, claims)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Identity{
		UID:    uid,
		Claims: claims,
	}, nil
}
