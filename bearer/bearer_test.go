package bearer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openrp/openrp/oidc"
	"github.com/openrp/openrp/sdk/codec"
	sdkhttp "github.com/openrp/openrp/sdk/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2/jwt"
)

type bearerFixture struct {
	idp      *oidc.TestIdP
	resolver *oidc.Resolver
	registry *Registry
	codec    codec.Codec
}

func testFixture(t *testing.T) *bearerFixture {
	t.Helper()
	require := require.New(t)

	idp := oidc.StartTestIdP(t)
	idp.SetClientCreds("test-rp", "test-rp-secret")

	sc, err := codec.NewAES("test-codec-secret")
	require.NoError(err)

	client, err := sdkhttp.NewClient("", false)
	require.NoError(err)

	resolver, err := oidc.NewResolver(client)
	require.NoError(err)

	selfEncoded, err := NewSelfEncoded(resolver)
	require.NoError(err)
	userInfo, err := NewUserInfo(resolver, client)
	require.NoError(err)
	registry, err := NewRegistry(selfEncoded, userInfo)
	require.NoError(err)

	return &bearerFixture{
		idp:      idp,
		resolver: resolver,
		registry: registry,
		codec:    sc,
	}
}

func (f *bearerFixture) provider(t *testing.T, settings oidc.Settings) *oidc.Provider {
	t.Helper()
	p, err := oidc.NewProvider("test-idp", "test-rp", "test-rp-secret", f.idp.Addr(), f.codec, oidc.WithSettings(settings))
	require.NoError(t, err)
	return p
}

func (f *bearerFixture) signBearer(t *testing.T, subject string, expiry time.Time, private map[string]interface{}) string {
	t.Helper()
	_, priv := f.idp.SigningKeys()
	claims := jwt.Claims{
		Subject:  subject,
		Issuer:   f.idp.Addr(),
		IssuedAt: jwt.NewNumericDate(time.Now()),
		Expiry:   jwt.NewNumericDate(expiry),
	}
	if private == nil {
		private = map[string]interface{}{}
	}
	return oidc.TestSignJWT(t, priv, claims, private)
}

func TestSelfEncoded_ValidateBearerToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	settings := oidc.Settings{CheckBearer: true, SelfEncodedBearer: true}

	t.Run("valid-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, settings)
		raw := f.signBearer(t, "alice@example.com", time.Now().Add(time.Hour), nil)

		identity, err := f.registry.Validate(ctx, p, raw)
		require.NoError(err)
		assert.Equal("alice@example.com", identity.UID)
		assert.Equal("oidc", identity.ProvisioningStrategy)
		assert.Equal("alice@example.com", identity.Claims["sub"])
	})
	t.Run("expired-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, settings)
		raw := f.signBearer(t, "alice@example.com", time.Now().Add(-2*time.Minute), nil)

		_, err := f.registry.Validate(ctx, p, raw)
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrTokenExpired))
	})
	t.Run("expiry-within-leeway-passes", func(t *testing.T) {
		require := require.New(t)
		f := testFixture(t)
		p := f.provider(t, settings)
		raw := f.signBearer(t, "alice@example.com", time.Now().Add(-30*time.Second), nil)

		_, err := f.registry.Validate(ctx, p, raw)
		require.NoError(err)
	})
	t.Run("tampered-signature", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, settings)
		raw := f.signBearer(t, "alice@example.com", time.Now().Add(time.Hour), nil)
		tampered := raw[:len(raw)-2] + "xx"

		_, err := f.registry.Validate(ctx, p, tampered)
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrInvalidSignature))
	})
	t.Run("configured-uid-claim", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, oidc.Settings{CheckBearer: true, SelfEncodedBearer: true, MappingUID: "preferred_username"})
		raw := f.signBearer(t, "alice@example.com", time.Now().Add(time.Hour), map[string]interface{}{
			"preferred_username": "alice",
		})

		identity, err := f.registry.Validate(ctx, p, raw)
		require.NoError(err)
		assert.Equal("alice", identity.UID)
	})
	t.Run("missing-uid-claim", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, oidc.Settings{CheckBearer: true, SelfEncodedBearer: true, MappingUID: "employee_id"})
		raw := f.signBearer(t, "alice@example.com", time.Now().Add(time.Hour), nil)

		_, err := f.registry.Validate(ctx, p, raw)
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrInvalidToken))
	})
	t.Run("empty-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, settings)

		_, err := f.registry.Validate(ctx, p, "")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrInvalidToken))
	})
}

func TestUserInfo_ValidateBearerToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	settings := oidc.Settings{CheckBearer: true}

	t.Run("valid-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, settings)

		identity, err := f.registry.Validate(ctx, p, "opaque-access-token")
		require.NoError(err)
		assert.Equal("alice@example.com", identity.UID)
		assert.Empty(identity.ProvisioningStrategy)
		assert.Equal("Alice Example", identity.Claims["name"])
	})
	t.Run("reply-missing-uid-claim", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, settings)
		f.idp.SetUserinfoReply(map[string]interface{}{"name": "Alice Example"})

		_, err := f.registry.Validate(ctx, p, "opaque-access-token")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrInvalidToken))
	})
	t.Run("no-userinfo-endpoint", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, settings)
		f.idp.DisableUserInfo()

		_, err := f.registry.Validate(ctx, p, "opaque-access-token")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrUserInfoFailed))
	})
}

func TestRegistry_StrategyFor(t *testing.T) {
	t.Parallel()

	t.Run("bearer-checking-disabled", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, oidc.Settings{})

		_, err := f.registry.StrategyFor(p)
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrInvalidParameter))
	})
	t.Run("self-encoded-selected", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, oidc.Settings{CheckBearer: true, SelfEncodedBearer: true})

		s, err := f.registry.StrategyFor(p)
		require.NoError(err)
		assert.Equal(StrategyNameSelfEncoded, s.Name())
	})
	t.Run("userinfo-selected", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)
		p := f.provider(t, oidc.Settings{CheckBearer: true})

		s, err := f.registry.StrategyFor(p)
		require.NoError(err)
		assert.Equal(StrategyNameUserInfo, s.Name())
	})
	t.Run("nil-provider", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		f := testFixture(t)

		_, err := f.registry.StrategyFor(nil)
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrNilParameter))
	})
}
