// Package lifecycle implements the token lifecycle service: it hands out the
// current session token, refreshes it under a named cross-process lock,
// performs RFC 8693 token exchange for delegated audiences, and terminates
// sessions whose token can no longer be kept valid.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/openrp/openrp/internal/strutils"
	"github.com/openrp/openrp/lock"
	"github.com/openrp/openrp/oidc"
	"github.com/openrp/openrp/sdk/codec"
	sdkhttp "github.com/openrp/openrp/sdk/http"
	"golang.org/x/oauth2"
)

const (
	// DefaultLockWait bounds the total time Refresh waits for the session's
	// refresh lock before degrading to the stale token.
	DefaultLockWait = 5 * time.Second

	// DefaultLockRetry is the interval between lock acquisition attempts.
	DefaultLockRetry = 250 * time.Millisecond

	// refreshLockPrefix namespaces session refresh locks in the shared
	// lock backend.
	refreshLockPrefix = "oidc-refresh:"

	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
	tokenTypeRefreshToken  = "urn:ietf:params:oauth:token-type:refresh_token"
)

// Session is the caller's request context: which local session the operation
// runs for and what is known about its local authentication token.
type Session struct {
	// ID is the local session id; it scopes the refresh lock and the token
	// storage slot.
	ID string

	// ProviderID names the provider the session logged in with.
	ProviderID string

	// AuthTokenID is the local authentication token this session is bound
	// to, used to correlate with the session registry.
	AuthTokenID string

	// Nonce is the nonce established for the session's code exchange.
	Nonce string

	// EngineIssued reports whether the local authentication token carries
	// the engine's skip-password-validation scope, i.e. it was issued by
	// this subsystem.
	EngineIssued bool

	// HadToken reports whether the session has held a token at some point.
	HadToken bool
}

// ReauthAction tells the caller how to terminate a session that can no
// longer be kept valid.
type ReauthAction struct {
	// Logout indicates the local session must be ended.
	Logout bool

	// RedirectURI, when set, is where the user agent should be sent to
	// re-authenticate.  It preserves the originally requested URI.
	RedirectURI string
}

// ExchangeError carries the OAuth2 error document returned by the token
// endpoint for a failed token exchange.
type ExchangeError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Error implements the error interface.
func (e *ExchangeError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("token exchange failed: %s", e.Code)
	}
	return fmt.Sprintf("token exchange failed: %s: %s", e.Code, e.Description)
}

// Unwrap lets callers match the generic sentinel with errors.Is.
func (e *ExchangeError) Unwrap() error { return oidc.ErrTokenExchangeFailed }

// Config carries the service's explicit configuration.  Two Services with
// different Configs can coexist in one process.
type Config struct {
	// ExchangeEnabled is the opt-in flag for token exchange.  Off by
	// default; ExchangedToken fails fast without it.
	ExchangeEnabled bool

	// LoginEntryURL is where a user agent is redirected for a forced
	// re-authentication.  The original request URI is appended as the
	// redirectUrl query parameter.
	LoginEntryURL string

	// LockWait and LockRetry bound the refresh lock acquisition.  Zero
	// values use the defaults.
	LockWait  time.Duration
	LockRetry time.Duration
}

// Service is the token lifecycle service.
type Service struct {
	cfg      Config
	store    TokenStore
	locker   lock.Locker
	registry *oidc.Registry
	resolver *oidc.Resolver
	codec    codec.Codec
	client   *http.Client
	clock    oidc.Clock
	logger   hclog.Logger
}

// NewService composes a token lifecycle service.
// Supported options: WithClock, WithLogger.
func NewService(cfg Config, store TokenStore, locker lock.Locker, registry *oidc.Registry, resolver *oidc.Resolver, sc codec.Codec, client *http.Client, opt ...oidc.Option) (*Service, error) {
	const op = "lifecycle.NewService"
	switch {
	case store == nil:
		return nil, fmt.Errorf("%s: token store is nil: %w", op, oidc.ErrNilParameter)
	case locker == nil:
		return nil, fmt.Errorf("%s: locker is nil: %w", op, oidc.ErrNilParameter)
	case registry == nil:
		return nil, fmt.Errorf("%s: provider registry is nil: %w", op, oidc.ErrNilParameter)
	case resolver == nil:
		return nil, fmt.Errorf("%s: discovery resolver is nil: %w", op, oidc.ErrNilParameter)
	case sc == nil:
		return nil, fmt.Errorf("%s: secret codec is nil: %w", op, oidc.ErrNilParameter)
	case client == nil:
		return nil, fmt.Errorf("%s: http client is nil: %w", op, oidc.ErrNilParameter)
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = DefaultLockWait
	}
	if cfg.LockRetry == 0 {
		cfg.LockRetry = DefaultLockRetry
	}
	opts := getServiceOpts(opt...)
	return &Service{
		cfg:      cfg,
		store:    store,
		locker:   locker,
		registry: registry,
		resolver: resolver,
		codec:    sc,
		client:   client,
		clock:    opts.withClock,
		logger:   opts.withLogger,
	}, nil
}

// Token returns the session's current token.  An expired token with a usable
// refresh token is refreshed first when refreshIfExpired is set; an expired
// token without one is returned as-is and the caller decides whether that is
// fatal.
func (s *Service) Token(ctx context.Context, sess Session, refreshIfExpired bool) (*oidc.Token, error) {
	const op = "Service.Token"
	t, err := s.store.Get(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !t.IsExpired(oidc.WithClock(s.clock)) {
		return t, nil
	}
	if refreshIfExpired && !t.RefreshTokenExpired(oidc.WithClock(s.clock)) {
		return s.Refresh(ctx, sess, t)
	}
	return t, nil
}

// Refresh obtains a fresh token for the session under a named lock, so
// concurrent callers sharing the session trigger at most one network refresh
// per expiry window.  A refresh that cannot run (lock busy past the bounded
// wait, provider unreachable, endpoint error) degrades to returning the
// original token; staleness is surfaced later by CheckLoginToken.
func (s *Service) Refresh(ctx context.Context, sess Session, t *oidc.Token) (*oidc.Token, error) {
	const op = "Service.Refresh"
	key := refreshLockPrefix + sess.ID

	if err := s.acquireBounded(ctx, key); err != nil {
		s.logger.Debug("refresh lock not acquired, returning current token", "session", sess.ID, "error", err)
		return t, nil
	}
	defer func() {
		if err := s.locker.Release(ctx, key); err != nil {
			s.logger.Warn("unable to release refresh lock", "session", sess.ID, "error", err)
		}
	}()

	// Another caller, possibly in a different process, may have refreshed
	// while we waited on the lock.
	if stored, err := s.store.Get(ctx, sess.ID); err == nil && !stored.IsExpired(oidc.WithClock(s.clock)) {
		return stored, nil
	}

	refreshed, err := s.refreshWithProvider(ctx, sess, t)
	if err != nil {
		s.logger.Warn("token refresh failed, returning current token", "session", sess.ID, "provider", sess.ProviderID, "error", err)
		return t, nil
	}
	if err := s.store.Put(ctx, sess.ID, refreshed); err != nil {
		s.logger.Warn("unable to store refreshed token", "session", sess.ID, "error", err)
		return t, nil
	}
	return refreshed, nil
}

// acquireBounded retries the lock for at most cfg.LockWait.
func (s *Service) acquireBounded(ctx context.Context, key string) error {
	deadline := s.clock.Now().Add(s.cfg.LockWait)
	for {
		err := s.locker.AcquireExclusive(ctx, key)
		if err == nil {
			return nil
		}
		if s.clock.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.LockRetry):
		}
	}
}

func (s *Service) refreshWithProvider(ctx context.Context, sess Session, t *oidc.Token) (*oidc.Token, error) {
	provider, md, secret, err := s.providerEndpoints(ctx, sess.ProviderID)
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {provider.ClientID},
		"client_secret": {string(secret)},
		"refresh_token": {string(t.RefreshToken())},
	}
	reply, err := s.postTokenEndpoint(ctx, md.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}
	return s.newToken(reply, provider.Identifier)
}

// ExchangedToken swaps the session's login token for one scoped to
// targetAudience, per RFC 8693.  It requires the ExchangeEnabled opt-in and
// an unexpired login token; unlike Refresh it fails loudly.
func (s *Service) ExchangedToken(ctx context.Context, sess Session, targetAudience string, extraScopes ...string) (*oidc.Token, error) {
	const op = "Service.ExchangedToken"
	if !s.cfg.ExchangeEnabled {
		return nil, fmt.Errorf("%s: %w", op, oidc.ErrTokenExchangeDisabled)
	}
	if targetAudience == "" {
		return nil, fmt.Errorf("%s: target audience is empty: %w", op, oidc.ErrInvalidParameter)
	}
	login, err := s.Token(ctx, sess, true)
	if err != nil {
		return nil, fmt.Errorf("%s: no login token: %w", op, oidc.ErrTokenExchangeFailed)
	}
	if login.IsExpired(oidc.WithClock(s.clock)) {
		return nil, fmt.Errorf("%s: login token is expired: %w", op, oidc.ErrTokenExchangeFailed)
	}

	provider, md, secret, err := s.providerEndpoints(ctx, sess.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	scopes := strutils.RemoveDuplicatesStable(append(provider.ScopeList(), extraScopes...), false)
	form := url.Values{
		"grant_type":           {grantTypeTokenExchange},
		"client_id":            {provider.ClientID},
		"client_secret":        {string(secret)},
		"subject_token":        {string(login.AccessToken())},
		"subject_token_type":   {tokenTypeAccessToken},
		"requested_token_type": {tokenTypeRefreshToken},
		"audience":             {targetAudience},
		"scope":                {strings.Join(scopes, " ")},
	}
	reply, err := s.postTokenEndpoint(ctx, md.TokenEndpoint, form)
	if err != nil {
		var exchangeErr *ExchangeError
		if asExchangeError(err, &exchangeErr) {
			return nil, fmt.Errorf("%s: %w", op, exchangeErr)
		}
		return nil, fmt.Errorf("%s: %v: %w", op, err, oidc.ErrTokenExchangeFailed)
	}
	tk, err := s.newToken(reply, provider.Identifier)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, oidc.ErrTokenExchangeFailed)
	}
	return tk, nil
}

// CheckLoginToken runs once per request when login-token persistence is
// enabled.  It never repairs a session silently: a vanished token means the
// session died (logout), and a token that is still expired after a refresh
// attempt forces a re-authentication redirect preserving originalURI.  A nil
// action means the request may proceed.
func (s *Service) CheckLoginToken(ctx context.Context, sess Session, originalURI string) (*ReauthAction, error) {
	const op = "Service.CheckLoginToken"
	if !sess.EngineIssued {
		// The local token was not issued by this subsystem; leave it alone.
		return nil, nil
	}

	t, err := s.store.Get(ctx, sess.ID)
	if err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if sess.HadToken {
			s.logger.Info("login token vanished from storage, ending session", "session", sess.ID)
			return &ReauthAction{Logout: true}, nil
		}
		return nil, nil
	}

	if !t.IsExpired(oidc.WithClock(s.clock)) {
		return nil, nil
	}

	refreshed, err := s.Refresh(ctx, sess, t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if refreshed.IsExpired(oidc.WithClock(s.clock)) {
		s.logger.Info("login token could not be kept valid, forcing re-authentication", "session", sess.ID, "provider", sess.ProviderID)
		return &ReauthAction{
			Logout:      true,
			RedirectURI: s.loginRedirect(sess.ProviderID, originalURI),
		}, nil
	}
	return nil, nil
}

func (s *Service) loginRedirect(providerID, originalURI string) string {
	if s.cfg.LoginEntryURL == "" {
		return ""
	}
	q := url.Values{}
	if providerID != "" {
		q.Set("providerId", providerID)
	}
	if originalURI != "" {
		q.Set("redirectUrl", originalURI)
	}
	if len(q) == 0 {
		return s.cfg.LoginEntryURL
	}
	sep := "?"
	if strings.Contains(s.cfg.LoginEntryURL, "?") {
		sep = "&"
	}
	return s.cfg.LoginEntryURL + sep + q.Encode()
}

// ExchangeCode completes a login: it exchanges an authorization code at the
// provider's token endpoint, verifies the returned ID token's signature and
// claims (including the session nonce), stores the resulting Token for the
// session and returns it along with the verified claims.
func (s *Service) ExchangeCode(ctx context.Context, sess Session, code, redirectURI string) (*oidc.Token, map[string]interface{}, error) {
	const op = "Service.ExchangeCode"
	if code == "" {
		return nil, nil, fmt.Errorf("%s: authorization code is empty: %w", op, oidc.ErrInvalidParameter)
	}
	provider, md, secret, err := s.providerEndpoints(ctx, sess.ProviderID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	oauth2Config := oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: string(secret),
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
		Scopes: provider.ScopeList(),
	}
	oidcCtx := sdkhttp.OidcClientContext(ctx, s.client)
	oauth2Token, err := oauth2Config.Exchange(oidcCtx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: unable to exchange auth code with provider: %w: %v", op, oidc.ErrLoginFailed, err)
	}

	rawIdToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok || rawIdToken == "" {
		return nil, nil, fmt.Errorf("%s: id_token is missing from auth code exchange: %w", op, oidc.ErrMissingIdToken)
	}

	ks, err := s.resolver.KeySet(ctx, provider)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, err := ks.VerifySignature(ctx, rawIdToken)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: id_token failed verification: %w", op, err)
	}
	if err := oidc.ValidateClaims(claims, oidc.Expected{
		Issuer:   md.Issuer,
		ClientID: provider.ClientID,
		Nonce:    sess.Nonce,
		Clock:    s.clock,
	}); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.clock.Now()
	opt := []oidc.Option{
		oidc.WithIdToken(oidc.IdToken(rawIdToken)),
		oidc.WithProviderID(provider.Identifier),
		oidc.WithCreatedAt(now),
	}
	if oauth2Token.RefreshToken != "" {
		opt = append(opt, oidc.WithRefreshToken(oidc.RefreshToken(oauth2Token.RefreshToken)))
		if v, ok := numericExtra(oauth2Token.Extra("refresh_expires_in")); ok {
			opt = append(opt, oidc.WithRefreshExpiresIn(time.Duration(v)*time.Second))
		}
	}
	tk, err := oidc.NewToken(oidc.AccessToken(oauth2Token.AccessToken), oauth2Token.Expiry.Sub(now), opt...)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.Put(ctx, sess.ID, tk); err != nil {
		return nil, nil, fmt.Errorf("%s: unable to store token: %w", op, err)
	}
	return tk, claims, nil
}

// tokenEndpointReply is the token endpoint's success document.
type tokenEndpointReply struct {
	AccessToken      string `json:"access_token"`
	IDToken          string `json:"id_token,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
}

func (s *Service) postTokenEndpoint(ctx context.Context, endpoint string, form url.Values) (*tokenEndpointReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var exchangeErr ExchangeError
		if err := json.Unmarshal(body, &exchangeErr); err == nil && exchangeErr.Code != "" {
			return nil, &exchangeErr
		}
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var reply tokenEndpointReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("unable to decode token endpoint reply: %w", err)
	}
	if reply.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint reply has no access token: %w", oidc.ErrInvalidToken)
	}
	return &reply, nil
}

func (s *Service) newToken(reply *tokenEndpointReply, providerID string) (*oidc.Token, error) {
	opt := []oidc.Option{
		oidc.WithProviderID(providerID),
		oidc.WithCreatedAt(s.clock.Now()),
	}
	if reply.IDToken != "" {
		opt = append(opt, oidc.WithIdToken(oidc.IdToken(reply.IDToken)))
	}
	if reply.RefreshToken != "" {
		opt = append(opt, oidc.WithRefreshToken(oidc.RefreshToken(reply.RefreshToken)))
		if reply.RefreshExpiresIn > 0 {
			opt = append(opt, oidc.WithRefreshExpiresIn(time.Duration(reply.RefreshExpiresIn)*time.Second))
		}
	}
	return oidc.NewToken(oidc.AccessToken(reply.AccessToken), time.Duration(reply.ExpiresIn)*time.Second, opt...)
}

func (s *Service) providerEndpoints(ctx context.Context, providerID string) (*oidc.Provider, *oidc.ProviderMetadata, oidc.ClientSecret, error) {
	provider, err := s.registry.Provider(providerID)
	if err != nil {
		return nil, nil, "", err
	}
	md, err := s.resolver.Metadata(ctx, provider)
	if err != nil {
		return nil, nil, "", err
	}
	secret, err := provider.ClientSecret(s.codec)
	if err != nil {
		return nil, nil, "", err
	}
	return provider, md, secret, nil
}

func numericExtra(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
