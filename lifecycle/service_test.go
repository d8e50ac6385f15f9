package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openrp/openrp/lock"
	"github.com/openrp/openrp/oidc"
	"github.com/openrp/openrp/sdk/codec"
	sdkhttp "github.com/openrp/openrp/sdk/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	idp      *oidc.TestIdP
	service  *Service
	store    *InmemTokenStore
	locker   *lock.Inmem
	provider *oidc.Provider
	codec    codec.Codec
}

func testService(t *testing.T, cfg Config, opt ...oidc.Option) *serviceFixture {
	t.Helper()
	require := require.New(t)

	idp := oidc.StartTestIdP(t)
	idp.SetClientCreds("test-rp", "test-rp-secret")

	sc, err := codec.NewAES("test-codec-secret")
	require.NoError(err)

	provider, err := oidc.NewProvider("test-idp", "test-rp", "test-rp-secret", idp.Addr(), sc)
	require.NoError(err)

	registry := oidc.NewRegistry()
	require.NoError(registry.Put(provider))

	client, err := sdkhttp.NewClient("", false)
	require.NoError(err)

	resolver, err := oidc.NewResolver(client)
	require.NoError(err)

	store := NewInmemTokenStore()
	locker := lock.NewInmem()

	if cfg.LockWait == 0 {
		cfg.LockWait = 200 * time.Millisecond
	}
	if cfg.LockRetry == 0 {
		cfg.LockRetry = 10 * time.Millisecond
	}
	svc, err := NewService(cfg, store, locker, registry, resolver, sc, client, opt...)
	require.NoError(err)

	return &serviceFixture{
		idp:      idp,
		service:  svc,
		store:    store,
		locker:   locker,
		provider: provider,
		codec:    sc,
	}
}

func testStoredToken(t *testing.T, f *serviceFixture, sessionID string, expiresIn time.Duration, refreshToken string) *oidc.Token {
	t.Helper()
	require := require.New(t)
	opt := []oidc.Option{oidc.WithProviderID(f.provider.Identifier)}
	if refreshToken != "" {
		opt = append(opt, oidc.WithRefreshToken(oidc.RefreshToken(refreshToken)))
	}
	tk, err := oidc.NewToken("stored-access-token", expiresIn, opt...)
	require.NoError(err)
	require.NoError(f.store.Put(context.Background(), sessionID, tk))
	return tk
}

func TestService_Token(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fresh-token-returned-unchanged", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})
		testStoredToken(t, f, "s1", time.Hour, "test-refresh-token")

		got, err := f.service.Token(ctx, Session{ID: "s1", ProviderID: "test-idp"}, true)
		require.NoError(err)
		assert.Equal(oidc.AccessToken("stored-access-token"), got.AccessToken())
		assert.Equal(0, f.idp.TokenRequestCount())
	})
	t.Run("expired-token-refreshed-when-asked", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})
		testStoredToken(t, f, "s1", 0, "test-refresh-token")

		got, err := f.service.Token(ctx, Session{ID: "s1", ProviderID: "test-idp"}, true)
		require.NoError(err)
		assert.Equal(oidc.AccessToken("refreshed-access-token"), got.AccessToken())
		assert.Equal(1, f.idp.RefreshRequestCount())
	})
	t.Run("expired-token-returned-as-is-when-not-asked", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})
		testStoredToken(t, f, "s1", 0, "test-refresh-token")

		got, err := f.service.Token(ctx, Session{ID: "s1", ProviderID: "test-idp"}, false)
		require.NoError(err)
		assert.True(got.IsExpired())
		assert.Equal(0, f.idp.RefreshRequestCount())
	})
	t.Run("missing-token-is-not-found", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})

		_, err := f.service.Token(ctx, Session{ID: "nope", ProviderID: "test-idp"}, true)
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrNotFound))
	})
}

func TestService_Refresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("refresh-stores-new-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})
		old := testStoredToken(t, f, "s1", 0, "test-refresh-token")

		got, err := f.service.Refresh(ctx, Session{ID: "s1", ProviderID: "test-idp"}, old)
		require.NoError(err)
		assert.Equal(oidc.AccessToken("refreshed-access-token"), got.AccessToken())

		stored, err := f.store.Get(ctx, "s1")
		require.NoError(err)
		assert.Equal(oidc.AccessToken("refreshed-access-token"), stored.AccessToken())
	})
	t.Run("concurrent-refreshes-hit-provider-once", func(t *testing.T) {
		assert := assert.New(t)
		f := testService(t, Config{LockWait: 2 * time.Second, LockRetry: 5 * time.Millisecond})
		old := testStoredToken(t, f, "s1", 0, "test-refresh-token")
		sess := Session{ID: "s1", ProviderID: "test-idp"}

		const n = 8
		results := make([]*oidc.Token, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got, err := f.service.Refresh(ctx, sess, old)
				assert.NoError(err)
				results[i] = got
			}(i)
		}
		wg.Wait()

		assert.Equal(1, f.idp.RefreshRequestCount())
		for _, got := range results {
			assert.Equal(oidc.AccessToken("refreshed-access-token"), got.AccessToken())
		}
	})
	t.Run("busy-lock-degrades-to-current-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{LockWait: 50 * time.Millisecond, LockRetry: 10 * time.Millisecond})
		old := testStoredToken(t, f, "s1", 0, "test-refresh-token")
		require.NoError(f.locker.AcquireExclusive(ctx, "oidc-refresh:s1"))

		got, err := f.service.Refresh(ctx, Session{ID: "s1", ProviderID: "test-idp"}, old)
		require.NoError(err)
		assert.Equal(old.AccessToken(), got.AccessToken())
		assert.Equal(0, f.idp.RefreshRequestCount())
	})
	t.Run("lock-wait-deadline-follows-injected-clock", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		// The clock jumps past the lock-wait window after the first
		// reading, so a deadline computed from the wall clock would keep
		// this retrying for an hour.
		base := time.Now()
		var reads int32
		clock := oidc.ClockFunc(func() time.Time {
			if atomic.AddInt32(&reads, 1) == 1 {
				return base
			}
			return base.Add(2 * time.Hour)
		})
		f := testService(t, Config{LockWait: time.Hour, LockRetry: time.Millisecond}, WithClock(clock))
		old := testStoredToken(t, f, "s1", time.Hour, "test-refresh-token")
		require.NoError(f.locker.AcquireExclusive(ctx, "oidc-refresh:s1"))

		got, err := f.service.Refresh(ctx, Session{ID: "s1", ProviderID: "test-idp"}, old)
		require.NoError(err)
		assert.Equal(old.AccessToken(), got.AccessToken())
		assert.Equal(0, f.idp.RefreshRequestCount())
	})
	t.Run("provider-failure-degrades-to-current-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})
		old := testStoredToken(t, f, "s1", 0, "test-refresh-token")
		f.idp.FailTokenEndpoint(true)

		got, err := f.service.Refresh(ctx, Session{ID: "s1", ProviderID: "test-idp"}, old)
		require.NoError(err)
		assert.Equal(old.AccessToken(), got.AccessToken())
	})
	t.Run("lock-released-after-refresh", func(t *testing.T) {
		require := require.New(t)
		f := testService(t, Config{})
		old := testStoredToken(t, f, "s1", 0, "test-refresh-token")

		_, err := f.service.Refresh(ctx, Session{ID: "s1", ProviderID: "test-idp"}, old)
		require.NoError(err)
		require.NoError(f.locker.AcquireExclusive(ctx, "oidc-refresh:s1"))
	})
}

func TestService_ExchangedToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("disabled-fails-before-any-network", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{ExchangeEnabled: false})
		testStoredToken(t, f, "s1", time.Hour, "test-refresh-token")

		_, err := f.service.ExchangedToken(ctx, Session{ID: "s1", ProviderID: "test-idp"}, "target-service")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrTokenExchangeDisabled))
		assert.Equal(0, f.idp.TokenRequestCount())
	})
	t.Run("exchange-success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{ExchangeEnabled: true})
		testStoredToken(t, f, "s1", time.Hour, "test-refresh-token")

		got, err := f.service.ExchangedToken(ctx, Session{ID: "s1", ProviderID: "test-idp"}, "target-service", "extra-scope")
		require.NoError(err)
		assert.Equal(oidc.AccessToken("exchanged-access-token"), got.AccessToken())
		assert.NotEmpty(got.RefreshToken())
	})
	t.Run("empty-audience-is-invalid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{ExchangeEnabled: true})
		testStoredToken(t, f, "s1", time.Hour, "test-refresh-token")

		_, err := f.service.ExchangedToken(ctx, Session{ID: "s1", ProviderID: "test-idp"}, "")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrInvalidParameter))
	})
	t.Run("missing-login-token-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{ExchangeEnabled: true})

		_, err := f.service.ExchangedToken(ctx, Session{ID: "s1", ProviderID: "test-idp"}, "target-service")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrTokenExchangeFailed))
	})
	t.Run("endpoint-error-document-is-surfaced", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{ExchangeEnabled: true})
		testStoredToken(t, f, "s1", time.Hour, "test-refresh-token")
		f.idp.FailTokenEndpoint(true)

		_, err := f.service.ExchangedToken(ctx, Session{ID: "s1", ProviderID: "test-idp"}, "target-service")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrTokenExchangeFailed))
		var exchangeErr *ExchangeError
		require.True(errors.As(err, &exchangeErr))
		assert.Equal("server_error", exchangeErr.Code)
	})
}

func TestService_CheckLoginToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	loginURL := "https://rp.example.com/login"

	t.Run("foreign-token-is-left-alone", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{LoginEntryURL: loginURL})

		action, err := f.service.CheckLoginToken(ctx, Session{ID: "s1", ProviderID: "test-idp", EngineIssued: false}, "/files")
		require.NoError(err)
		assert.Nil(action)
	})
	t.Run("valid-token-passes", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{LoginEntryURL: loginURL})
		testStoredToken(t, f, "s1", time.Hour, "test-refresh-token")

		action, err := f.service.CheckLoginToken(ctx, Session{ID: "s1", ProviderID: "test-idp", EngineIssued: true}, "/files")
		require.NoError(err)
		assert.Nil(action)
	})
	t.Run("vanished-token-ends-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{LoginEntryURL: loginURL})

		action, err := f.service.CheckLoginToken(ctx, Session{ID: "s1", ProviderID: "test-idp", EngineIssued: true, HadToken: true}, "/files")
		require.NoError(err)
		require.NotNil(action)
		assert.True(action.Logout)
		assert.Empty(action.RedirectURI)
	})
	t.Run("never-had-token-passes", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{LoginEntryURL: loginURL})

		action, err := f.service.CheckLoginToken(ctx, Session{ID: "s1", ProviderID: "test-idp", EngineIssued: true, HadToken: false}, "/files")
		require.NoError(err)
		assert.Nil(action)
	})
	t.Run("expired-token-repaired-by-refresh", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{LoginEntryURL: loginURL})
		testStoredToken(t, f, "s1", 0, "test-refresh-token")

		action, err := f.service.CheckLoginToken(ctx, Session{ID: "s1", ProviderID: "test-idp", EngineIssued: true, HadToken: true}, "/files")
		require.NoError(err)
		assert.Nil(action)
		assert.Equal(1, f.idp.RefreshRequestCount())
	})
	t.Run("unrepairable-token-forces-reauth", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{LoginEntryURL: loginURL})
		testStoredToken(t, f, "s1", 0, "test-refresh-token")
		f.idp.FailTokenEndpoint(true)

		action, err := f.service.CheckLoginToken(ctx, Session{ID: "s1", ProviderID: "test-idp", EngineIssued: true, HadToken: true}, "/files/docs")
		require.NoError(err)
		require.NotNil(action)
		assert.True(action.Logout)
		assert.True(strings.HasPrefix(action.RedirectURI, loginURL+"?"))
		assert.Contains(action.RedirectURI, "providerId=test-idp")
		assert.Contains(action.RedirectURI, "redirectUrl=%2Ffiles%2Fdocs")
	})
}

func TestService_ExchangeCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("code-exchange-success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})
		f.idp.SetExpectedAuthCode("test-code")
		f.idp.SetExpectedNonce("test-nonce")

		sess := Session{ID: "s1", ProviderID: "test-idp", Nonce: "test-nonce"}
		tk, claims, err := f.service.ExchangeCode(ctx, sess, "test-code", "https://rp.example.com/callback")
		require.NoError(err)
		assert.Equal(oidc.AccessToken("test-access-token"), tk.AccessToken())
		assert.NotEmpty(tk.IdToken())
		assert.Equal("alice@example.com", claims["sub"])

		stored, err := f.store.Get(ctx, "s1")
		require.NoError(err)
		assert.Equal(oidc.AccessToken("test-access-token"), stored.AccessToken())
	})
	t.Run("wrong-code-fails-login", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})
		f.idp.SetExpectedAuthCode("test-code")

		_, _, err := f.service.ExchangeCode(ctx, Session{ID: "s1", ProviderID: "test-idp"}, "wrong-code", "https://rp.example.com/callback")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrLoginFailed))
	})
	t.Run("nonce-mismatch-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})
		f.idp.SetExpectedAuthCode("test-code")
		f.idp.SetExpectedNonce("idp-nonce")

		sess := Session{ID: "s1", ProviderID: "test-idp", Nonce: "session-nonce"}
		_, _, err := f.service.ExchangeCode(ctx, sess, "test-code", "https://rp.example.com/callback")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrInvalidNonce))
	})
	t.Run("missing-id-token-fails", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})
		f.idp.SetExpectedAuthCode("test-code")
		f.idp.OmitIDTokens()

		_, _, err := f.service.ExchangeCode(ctx, Session{ID: "s1", ProviderID: "test-idp"}, "test-code", "https://rp.example.com/callback")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrMissingIdToken))
	})
	t.Run("empty-code-is-invalid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testService(t, Config{})

		_, _, err := f.service.ExchangeCode(ctx, Session{ID: "s1", ProviderID: "test-idp"}, "", "https://rp.example.com/callback")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrInvalidParameter))
	})
}

func TestInmemTokenStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("get-missing-is-not-found", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := NewInmemTokenStore()
		_, err := s.Get(ctx, "nope")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrNotFound))
	})
	t.Run("round-trip", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := NewInmemTokenStore()
		tk, err := oidc.NewToken("access", time.Hour, oidc.WithRefreshToken("refresh"), oidc.WithProviderID("p1"))
		require.NoError(err)
		require.NoError(s.Put(ctx, "s1", tk))

		got, err := s.Get(ctx, "s1")
		require.NoError(err)
		assert.Equal(tk.AccessToken(), got.AccessToken())
		assert.Equal(tk.RefreshToken(), got.RefreshToken())
		assert.Equal(tk.ProviderID(), got.ProviderID())
	})
	t.Run("delete", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := NewInmemTokenStore()
		tk, err := oidc.NewToken("access", time.Hour)
		require.NoError(err)
		require.NoError(s.Put(ctx, "s1", tk))
		require.NoError(s.Delete(ctx, "s1"))
		_, err = s.Get(ctx, "s1")
		assert.True(errors.Is(err, oidc.ErrNotFound))
	})
}
