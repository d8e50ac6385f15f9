package oidc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CRUD(t *testing.T) {
	t.Parallel()
	sc := testCodec(t)

	t.Run("put-and-get", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r := NewRegistry()
		p, err := NewProvider("keycloak", "client-a", "s3cr3t", "https://idp.example.com", sc)
		require.NoError(err)
		require.NoError(r.Put(p))

		got, err := r.Provider("keycloak")
		require.NoError(err)
		assert.Same(p, got)
	})
	t.Run("unknown-provider", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r := NewRegistry()
		_, err := r.Provider("nope")
		require.Error(err)
		assert.True(errors.Is(err, ErrProviderNotFound))
	})
	t.Run("delete", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r := NewRegistry()
		p, err := NewProvider("keycloak", "client-a", "s3cr3t", "https://idp.example.com", sc)
		require.NoError(err)
		require.NoError(r.Put(p))
		require.NoError(r.Delete("keycloak"))
		_, err = r.Provider("keycloak")
		assert.True(errors.Is(err, ErrProviderNotFound))
		assert.True(errors.Is(r.Delete("keycloak"), ErrProviderNotFound))
	})
	t.Run("providers-ordered", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r := NewRegistry()
		for _, id := range []string{"zeta", "alpha", "mid"} {
			p, err := NewProvider(id, "client-a", "s3cr3t", "https://idp.example.com", sc)
			require.NoError(err)
			require.NoError(r.Put(p))
		}
		var ids []string
		for _, p := range r.Providers() {
			ids = append(ids, p.Identifier)
		}
		assert.Equal([]string{"alpha", "mid", "zeta"}, ids)
	})
}

func TestRegistry_OnChange(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	sc := testCodec(t)
	r := NewRegistry()

	var invalidated []string
	r.OnChange(func(providerID string) {
		invalidated = append(invalidated, providerID)
	})

	p, err := NewProvider("keycloak", "client-a", "s3cr3t", "https://idp.example.com", sc)
	require.NoError(err)
	require.NoError(r.Put(p))
	require.NoError(r.Put(p))
	require.NoError(r.Delete("keycloak"))

	assert.Equal([]string{"keycloak", "keycloak", "keycloak"}, invalidated)
}

func TestRegistry_LoadYAML(t *testing.T) {
	t.Parallel()
	sc := testCodec(t)

	t.Run("valid-document", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r := NewRegistry()
		doc := `
providers:
  - identifier: keycloak
    clientId: client-a
    clientSecret: s3cr3t
    discoveryEndpoint: https://idp.example.com/.well-known/openid-configuration
    scope: openid email
    settings:
      uniqueUid: true
      mappingGroups: roles
  - identifier: azure
    clientId: client-b
    clientSecret: other
    discoveryEndpoint: https://login.example.net
`
		require.NoError(r.LoadYAML([]byte(doc), sc))
		assert.Len(r.Providers(), 2)

		kc, err := r.Provider("keycloak")
		require.NoError(err)
		assert.True(kc.Settings.UniqueUID)
		assert.Equal("roles", kc.Settings.GroupsClaim())
		assert.Equal("openid email", kc.Scope)

		secret, err := kc.ClientSecret(sc)
		require.NoError(err)
		assert.Equal(ClientSecret("s3cr3t"), secret)
	})
	t.Run("invalid-yaml", func(t *testing.T) {
		require := require.New(t)
		r := NewRegistry()
		require.Error(r.LoadYAML([]byte("providers: [not-a-map"), sc))
	})
	t.Run("invalid-provider", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r := NewRegistry()
		doc := `
providers:
  - identifier: ""
    clientId: client-a
    clientSecret: s3cr3t
    discoveryEndpoint: https://idp.example.com
`
		err := r.LoadYAML([]byte(doc), sc)
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
}
