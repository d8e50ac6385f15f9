package oidc

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultExpirySkew defines the default skew applied when checking a Token's
// expiration.
const DefaultExpirySkew = 10 * time.Second

// Token is an immutable value object holding the access/refresh/id token
// triple obtained from a provider's token endpoint.  A refresh produces a new
// Token; a Token is never mutated in place.
type Token struct {
	idToken          IdToken
	accessToken      AccessToken
	refreshToken     RefreshToken
	expiresIn        time.Duration
	refreshExpiresIn time.Duration
	createdAt        time.Time
	providerID       string
}

// NewToken creates a Token for a successful code exchange, refresh or token
// exchange response.  Supported options: WithIdToken, WithRefreshToken,
// WithRefreshExpiresIn, WithProviderID, WithCreatedAt.
func NewToken(accessToken AccessToken, expiresIn time.Duration, opt ...Option) (*Token, error) {
	const op = "oidc.NewToken"
	if accessToken == "" {
		return nil, fmt.Errorf("%s: access token is empty: %w", op, ErrInvalidParameter)
	}
	opts := getTokenOpts(opt...)
	createdAt := opts.withCreatedAt
	if createdAt.IsZero() {
		createdAt = opts.withClock.Now()
	}
	return &Token{
		accessToken:      accessToken,
		idToken:          opts.withIdToken,
		refreshToken:     opts.withRefreshToken,
		expiresIn:        expiresIn,
		refreshExpiresIn: opts.withRefreshExpiresIn,
		createdAt:        createdAt,
		providerID:       opts.withProviderID,
	}, nil
}

func (t *Token) IdToken() IdToken           { return t.idToken }
func (t *Token) AccessToken() AccessToken   { return t.accessToken }
func (t *Token) RefreshToken() RefreshToken { return t.refreshToken }
func (t *Token) CreatedAt() time.Time       { return t.createdAt }
func (t *Token) ExpiresIn() time.Duration   { return t.expiresIn }
func (t *Token) ProviderID() string         { return t.providerID }

// Expiry returns the instant the access token expires.
func (t *Token) Expiry() time.Time { return t.createdAt.Add(t.expiresIn) }

// IsExpired reports whether the access token's expiry has passed.  Supports
// WithExpirySkew and WithClock options.
func (t *Token) IsExpired(opt ...Option) bool {
	if t == nil {
		return true
	}
	opts := getTokenOpts(opt...)
	return opts.withClock.Now().After(t.Expiry().Add(-opts.withExpirySkew))
}

// IsExpiring reports whether the access token has passed the half of its
// lifetime, which is when a proactive refresh should be scheduled.
func (t *Token) IsExpiring(opt ...Option) bool {
	if t == nil {
		return true
	}
	opts := getTokenOpts(opt...)
	return opts.withClock.Now().After(t.createdAt.Add(t.expiresIn / 2))
}

// RefreshTokenExpired reports whether the refresh token is absent or past its
// own expiry.  A refresh token without a refresh_expires_in never expires
// locally.
func (t *Token) RefreshTokenExpired(opt ...Option) bool {
	if t == nil || t.refreshToken == "" {
		return true
	}
	if t.refreshExpiresIn == 0 {
		return false
	}
	opts := getTokenOpts(opt...)
	return opts.withClock.Now().After(t.createdAt.Add(t.refreshExpiresIn))
}

// tokenWire is the serialized shape of a Token kept in session storage.
type tokenWire struct {
	IdToken          string `json:"id_token,omitempty"`
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	ProviderID       string `json:"provider_id,omitempty"`
}

// MarshalWire serializes the Token for session storage.  Unlike the Token's
// MarshalJSON members, the wire form carries the raw secrets.
func (t *Token) MarshalWire() ([]byte, error) {
	const op = "Token.MarshalWire"
	if t == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	return json.Marshal(&tokenWire{
		IdToken:          string(t.idToken),
		AccessToken:      string(t.accessToken),
		ExpiresIn:        int64(t.expiresIn / time.Second),
		RefreshExpiresIn: int64(t.refreshExpiresIn / time.Second),
		RefreshToken:     string(t.refreshToken),
		CreatedAt:        t.createdAt.Unix(),
		ProviderID:       t.providerID,
	})
}

// UnmarshalWire deserializes a Token from its session storage form.
func UnmarshalWire(data []byte) (*Token, error) {
	const op = "oidc.UnmarshalWire"
	var w tokenWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal token: %w", op, err)
	}
	if w.AccessToken == "" {
		return nil, fmt.Errorf("%s: access token is empty: %w", op, ErrInvalidToken)
	}
	return &Token{
		idToken:          IdToken(w.IdToken),
		accessToken:      AccessToken(w.AccessToken),
		refreshToken:     RefreshToken(w.RefreshToken),
		expiresIn:        time.Duration(w.ExpiresIn) * time.Second,
		refreshExpiresIn: time.Duration(w.RefreshExpiresIn) * time.Second,
		createdAt:        time.Unix(w.CreatedAt, 0),
		providerID:       w.ProviderID,
	}, nil
}

// tokenOptions is the set of available options for Token functions
type tokenOptions struct {
	withExpirySkew       time.Duration
	withClock            Clock
	withIdToken          IdToken
	withRefreshToken     RefreshToken
	withRefreshExpiresIn time.Duration
	withCreatedAt        time.Time
	withProviderID       string
}

// tokenDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func tokenDefaults() tokenOptions {
	return tokenOptions{
		withExpirySkew: DefaultExpirySkew,
		withClock:      SystemClock,
	}
}

// getTokenOpts gets the token defaults and applies the opt overrides passed in
func getTokenOpts(opt ...Option) tokenOptions {
	opts := tokenDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithIdToken provides an optional id_token for a new Token.
func WithIdToken(t IdToken) Option {
	return func(o interface{}) {
		if v, ok := o.(*tokenOptions); ok {
			v.withIdToken = t
		}
	}
}

// WithRefreshToken provides an optional refresh_token for a new Token.
func WithRefreshToken(t RefreshToken) Option {
	return func(o interface{}) {
		if v, ok := o.(*tokenOptions); ok {
			v.withRefreshToken = t
		}
	}
}

// WithRefreshExpiresIn provides an optional refresh token lifetime for a new
// Token.
func WithRefreshExpiresIn(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*tokenOptions); ok {
			v.withRefreshExpiresIn = d
		}
	}
}

// WithCreatedAt overrides the creation instant of a new Token.
func WithCreatedAt(at time.Time) Option {
	return func(o interface{}) {
		if v, ok := o.(*tokenOptions); ok {
			v.withCreatedAt = at
		}
	}
}

// WithProviderID records which provider issued a new Token.
func WithProviderID(id string) Option {
	return func(o interface{}) {
		if v, ok := o.(*tokenOptions); ok {
			v.withProviderID = id
		}
	}
}
