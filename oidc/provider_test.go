package oidc

import (
	"errors"
	"testing"

	"github.com/openrp/openrp/sdk/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) codec.Codec {
	t.Helper()
	sc, err := codec.NewAES("test-codec-secret")
	require.NoError(t, err)
	return sc
}

func TestNewProvider(t *testing.T) {
	t.Parallel()
	sc := testCodec(t)

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		p, err := NewProvider("keycloak", "client-a", "s3cr3t", "https://idp.example.com", sc,
			WithScope("openid email"),
			WithEndSessionEndpoint("https://idp.example.com/custom-logout"),
		)
		require.NoError(err)
		assert.Equal("keycloak", p.Identifier)
		assert.Equal("https://idp.example.com/custom-logout", p.EndSessionEndpoint)

		secret, err := p.ClientSecret(sc)
		require.NoError(err)
		assert.Equal(ClientSecret("s3cr3t"), secret)
	})
	t.Run("secret-not-stored-in-clear", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		p, err := NewProvider("keycloak", "client-a", "s3cr3t", "https://idp.example.com", sc)
		require.NoError(err)
		assert.NotContains(p.encryptedClientSecret, "s3cr3t")
	})
	t.Run("missing-identifier", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewProvider("", "client-a", "s3cr3t", "https://idp.example.com", sc)
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
	t.Run("bad-discovery-scheme", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewProvider("keycloak", "client-a", "s3cr3t", "ldap://idp.example.com", sc)
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
	t.Run("nil-codec", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewProvider("keycloak", "client-a", "s3cr3t", "https://idp.example.com", nil)
		require.Error(err)
		assert.True(errors.Is(err, ErrNilParameter))
	})
}

func TestClientSecret_Redaction(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s := ClientSecret("super secret")
	assert.Equal(RedactedClientSecret, s.String())
	got, err := s.MarshalJSON()
	require.NoError(err)
	assert.Contains(string(got), RedactedClientSecret)
}

func TestProvider_ScopeList(t *testing.T) {
	t.Parallel()
	sc := testCodec(t)
	tests := []struct {
		name  string
		scope string
		want  []string
	}{
		{"default-openid-added", "email profile", []string{"openid", "email", "profile"}},
		{"openid-not-duplicated", "openid email", []string{"openid", "email"}},
		{"empty", "", []string{"openid"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			p, err := NewProvider("keycloak", "client-a", "s3cr3t", "https://idp.example.com", sc, WithScope(tt.scope))
			require.NoError(err)
			assert.Equal(tt.want, p.ScopeList())
		})
	}
}

func TestSettings_Defaults(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	var s Settings
	assert.Equal("sub", s.UIDClaim())
	assert.Equal("email", s.EmailClaim())
	assert.Equal("name", s.DisplayNameClaim())
	assert.Equal("quota", s.QuotaClaim())
	assert.Equal("groups", s.GroupsClaim())

	s = Settings{MappingUID: "preferred_username", MappingGroups: "roles"}
	assert.Equal("preferred_username", s.UIDClaim())
	assert.Equal("roles", s.GroupsClaim())
}
