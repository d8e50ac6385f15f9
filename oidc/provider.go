package oidc

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/openrp/openrp/internal/strutils"
	"github.com/openrp/openrp/sdk/codec"
)

type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Default claim names used by the provisioning mapping when a provider does
// not configure its own.
const (
	DefaultUIDClaim         = "sub"
	DefaultEmailClaim       = "email"
	DefaultDisplayNameClaim = "name"
	DefaultQuotaClaim       = "quota"
	DefaultGroupsClaim      = "groups"
)

// Settings is the per-provider settings map: claim-mapping keys, identity
// derivation toggles and bearer handling toggles.  The zero value means
// "all defaults".
type Settings struct {
	// MappingUID..MappingGroups name the claims the provisioning engine
	// reads.  Empty values fall back to the Default*Claim constants.
	MappingUID         string `yaml:"mappingUid" json:"mappingUid,omitempty"`
	MappingEmail       string `yaml:"mappingEmail" json:"mappingEmail,omitempty"`
	MappingDisplayName string `yaml:"mappingDisplayName" json:"mappingDisplayName,omitempty"`
	MappingQuota       string `yaml:"mappingQuota" json:"mappingQuota,omitempty"`
	MappingGroups      string `yaml:"mappingGroups" json:"mappingGroups,omitempty"`

	// UniqueUID hashes derived user ids so two providers can never collide.
	UniqueUID bool `yaml:"uniqueUid" json:"uniqueUid,omitempty"`

	// ProviderBasedID prefixes raw subjects with the provider identifier
	// when UniqueUID is off.
	ProviderBasedID bool `yaml:"providerBasedId" json:"providerBasedId,omitempty"`

	// CheckBearer enables bearer validation for API calls against this
	// provider.
	CheckBearer bool `yaml:"checkBearer" json:"checkBearer,omitempty"`

	// SelfEncodedBearer selects the self-encoded strategy for bearer
	// validation instead of the userinfo strategy.
	SelfEncodedBearer bool `yaml:"selfEncodedBearer" json:"selfEncodedBearer,omitempty"`

	// BearerSecret is the shared symmetric secret used by the federated
	// envelope trust path.  Empty disables that path for the provider.
	BearerSecret string `yaml:"bearerSecret" json:"-"`

	// GroupProvisioning enables group membership sync from the mapped
	// groups claim.
	GroupProvisioning bool `yaml:"groupProvisioning" json:"groupProvisioning,omitempty"`

	// GroupWhitelistRegex restricts which mapped groups are provisioned.
	GroupWhitelistRegex string `yaml:"groupWhitelistRegex" json:"groupWhitelistRegex,omitempty"`
}

// UIDClaim returns the configured uid claim name or its default.
func (s Settings) UIDClaim() string {
	if s.MappingUID != "" {
		return s.MappingUID
	}
	return DefaultUIDClaim
}

// EmailClaim returns the configured email claim name or its default.
func (s Settings) EmailClaim() string {
	if s.MappingEmail != "" {
		return s.MappingEmail
	}
	return DefaultEmailClaim
}

// DisplayNameClaim returns the configured display name claim or its default.
func (s Settings) DisplayNameClaim() string {
	if s.MappingDisplayName != "" {
		return s.MappingDisplayName
	}
	return DefaultDisplayNameClaim
}

// QuotaClaim returns the configured quota claim name or its default.
func (s Settings) QuotaClaim() string {
	if s.MappingQuota != "" {
		return s.MappingQuota
	}
	return DefaultQuotaClaim
}

// GroupsClaim returns the configured groups claim name or its default.
func (s Settings) GroupsClaim() string {
	if s.MappingGroups != "" {
		return s.MappingGroups
	}
	return DefaultGroupsClaim
}

// Provider is the configuration entity for one upstream IdP.  The client
// secret is kept encrypted at rest and only decrypted on demand via
// ClientSecret().
type Provider struct {
	// Identifier is unique and human-chosen, e.g. "keycloak-prod".
	Identifier string

	// ClientID is the relying party id registered with the IdP.
	ClientID string

	// DiscoveryEndpoint is the provider metadata document URL, or the bare
	// issuer the well-known path is appended to.
	DiscoveryEndpoint string

	// EndSessionEndpoint optionally overrides the end_session_endpoint from
	// the discovery metadata.
	EndSessionEndpoint string

	// PostLogoutRedirectURI is sent along with backchannel logout requests.
	PostLogoutRedirectURI string

	// Scope is the space separated scope string requested at login.
	Scope string

	Settings Settings

	encryptedClientSecret string
}

// NewProvider composes a provider configuration.  The clientSecret is
// immediately encrypted with the given codec and never retained in the clear.
func NewProvider(identifier, clientID string, clientSecret ClientSecret, discoveryEndpoint string, sc codec.Codec, opt ...Option) (*Provider, error) {
	const op = "oidc.NewProvider"
	opts := getProviderOpts(opt...)
	if sc == nil {
		return nil, fmt.Errorf("%s: secret codec is nil: %w", op, ErrNilParameter)
	}
	encrypted, err := sc.Encrypt(string(clientSecret))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encrypt client secret: %w", op, err)
	}
	p := &Provider{
		Identifier:            identifier,
		ClientID:              clientID,
		DiscoveryEndpoint:     discoveryEndpoint,
		EndSessionEndpoint:    opts.withEndSessionEndpoint,
		PostLogoutRedirectURI: opts.withPostLogoutRedirectURI,
		Scope:                 opts.withScope,
		Settings:              opts.withSettings,
		encryptedClientSecret: encrypted,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return p, nil
}

// Validate the provider configuration.  It verifies the discovery endpoint
// parses, but it doesn't verify the endpoint is reachable via an http
// request.
func (p *Provider) Validate() error {
	const op = "Provider.Validate"
	if p == nil {
		return fmt.Errorf("%s: provider is nil: %w", op, ErrNilParameter)
	}
	if p.Identifier == "" {
		return fmt.Errorf("%s: identifier is empty: %w", op, ErrInvalidParameter)
	}
	if p.ClientID == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	if p.DiscoveryEndpoint == "" {
		return fmt.Errorf("%s: discovery URL is empty: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(p.DiscoveryEndpoint)
	if err != nil {
		return fmt.Errorf("%s: discovery URL %s is invalid: %w", op, p.DiscoveryEndpoint, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%s: discovery URL %s scheme is not http or https: %w", op, p.DiscoveryEndpoint, ErrInvalidParameter)
	}
	return nil
}

// ClientSecret decrypts and returns the provider's client secret.
func (p *Provider) ClientSecret(sc codec.Codec) (ClientSecret, error) {
	const op = "Provider.ClientSecret"
	if sc == nil {
		return "", fmt.Errorf("%s: secret codec is nil: %w", op, ErrNilParameter)
	}
	plain, err := sc.Decrypt(p.encryptedClientSecret)
	if err != nil {
		return "", fmt.Errorf("%s: unable to decrypt client secret: %w", op, err)
	}
	return ClientSecret(plain), nil
}

// ScopeList splits the requested scope string, always including the required
// "openid" scope.
func (p *Provider) ScopeList() []string {
	scopes := append([]string{"openid"}, strings.Fields(p.Scope)...)
	return strutils.RemoveDuplicatesStable(scopes, false)
}

// providerOptions is the set of available options for NewProvider
type providerOptions struct {
	withEndSessionEndpoint    string
	withPostLogoutRedirectURI string
	withScope                 string
	withSettings              Settings
}

func providerDefaults() providerOptions {
	return providerOptions{
		withScope: "openid email profile",
	}
}

func getProviderOpts(opt ...Option) providerOptions {
	opts := providerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithEndSessionEndpoint overrides the end_session_endpoint from discovery.
func WithEndSessionEndpoint(u string) Option {
	return func(o interface{}) {
		if v, ok := o.(*providerOptions); ok {
			v.withEndSessionEndpoint = u
		}
	}
}

// WithPostLogoutRedirectURI provides the optional post-logout redirect.
func WithPostLogoutRedirectURI(u string) Option {
	return func(o interface{}) {
		if v, ok := o.(*providerOptions); ok {
			v.withPostLogoutRedirectURI = u
		}
	}
}

// WithScope provides the scope string requested at login.
func WithScope(scope string) Option {
	return func(o interface{}) {
		if v, ok := o.(*providerOptions); ok {
			v.withScope = scope
		}
	}
}

// WithSettings provides the provider settings map.
func WithSettings(s Settings) Option {
	return func(o interface{}) {
		if v, ok := o.(*providerOptions); ok {
			v.withSettings = s
		}
	}
}
