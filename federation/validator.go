// Package federation validates the symmetric token envelopes used between
// federated deployments sharing a bearer secret.  A peer sends either a
// compact JWE wrapping an HMAC-signed JWS, or the bare JWS itself; the outer
// JWE, when present, is encrypted with key material derived from the shared
// secret.  Because neither form names its sender, the issuing provider is
// found by elimination across all providers configured with a bearer secret.
package federation

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/openrp/openrp/internal/strutils"
	"github.com/openrp/openrp/oidc"
	"gopkg.in/square/go-jose.v2"
)

// DefaultAttributesClaim is the claim holding the inner token's name/value
// attribute list.
const DefaultAttributesClaim = "attributes"

// DefaultLeeway is the clock-skew allowance for the envelope's time claims.
const DefaultLeeway = 1 * time.Minute

// acceptedKeyAlgorithms and acceptedContentEncryption are the only envelope
// algorithms a peer may use.  Everything else is rejected before any key
// material is touched.
var (
	acceptedKeyAlgorithms = []jose.KeyAlgorithm{
		jose.DIRECT,
		jose.A128KW,
		jose.A256KW,
	}
	acceptedContentEncryption = []jose.ContentEncryption{
		jose.A128CBC_HS256,
		jose.A256CBC_HS512,
	}
)

// Validator checks federated token envelopes against provider bearer
// secrets.
type Validator struct {
	registry        *oidc.Registry
	clock           oidc.Clock
	leeway          time.Duration
	attributesClaim string
}

// NewValidator creates an envelope validator over the given provider
// registry.
// Supported options: WithClock, WithLeeway, WithAttributesClaim.
func NewValidator(registry *oidc.Registry, opt ...oidc.Option) (*Validator, error) {
	const op = "federation.NewValidator"
	if registry == nil {
		return nil, fmt.Errorf("%s: provider registry is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getValidatorOpts(opt...)
	return &Validator{
		registry:        registry,
		clock:           opts.withClock,
		leeway:          opts.withLeeway,
		attributesClaim: opts.withAttributesClaim,
	}, nil
}

// Validate checks a raw token against one provider's bearer secret and
// returns the flattened claims of the inner token.  A compact serialization
// with more than three segments is treated as a JWE envelope and decrypted
// first; anything else is taken as a bare signed token.  acceptableAudiences,
// when non-empty, must intersect the token's aud claim.
func (v *Validator) Validate(p *oidc.Provider, rawToken string, acceptableAudiences []string) (map[string]interface{}, error) {
	const op = "Validator.Validate"
	if p == nil {
		return nil, fmt.Errorf("%s: provider is nil: %w", op, oidc.ErrNilParameter)
	}
	secret := p.Settings.BearerSecret
	if secret == "" {
		return nil, fmt.Errorf("%s: provider %s has no bearer secret: %w", op, p.Identifier, oidc.ErrInvalidParameter)
	}

	inner := rawToken
	if isEnvelope(rawToken) {
		var err error
		inner, err = v.decryptEnvelope(rawToken, secret)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	claims, err := v.verifyInner(inner, secret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := v.checkTimeClaims(claims); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := v.checkAudience(claims, acceptableAudiences); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	v.flattenAttributes(claims)
	return claims, nil
}

// ResolveProvider finds which configured provider issued the envelope by
// trying every provider that carries a bearer secret.  The per-provider
// failures are collected so an operator can see why no peer matched.
func (v *Validator) ResolveProvider(rawToken string, acceptableAudiences []string) (*oidc.Provider, map[string]interface{}, error) {
	const op = "Validator.ResolveProvider"
	var candidates int
	var errs *multierror.Error
	for _, p := range v.registry.Providers() {
		if p.Settings.BearerSecret == "" {
			continue
		}
		candidates++
		claims, err := v.Validate(p, rawToken, acceptableAudiences)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("provider %s: %w", p.Identifier, err))
			continue
		}
		return p, claims, nil
	}
	if candidates == 0 {
		return nil, nil, fmt.Errorf("%s: no provider has a bearer secret configured: %w", op, oidc.ErrProviderNotFound)
	}
	return nil, nil, fmt.Errorf("%s: no provider accepted the token: %w: %v", op, oidc.ErrProviderNotFound, errs.ErrorOrNil())
}

// decryptEnvelope opens the outer JWE and returns the inner compact JWS.
// Every decryption failure collapses into ErrInvalidToken: a peer with the
// wrong secret learns nothing about which step rejected it.
func (v *Validator) decryptEnvelope(rawToken, secret string) (string, error) {
	jwe, err := jose.ParseEncrypted(rawToken)
	if err != nil {
		return "", fmt.Errorf("unknown bearer encryption format: %w", oidc.ErrInvalidToken)
	}
	if !acceptedKeyAlgorithm(jwe.Header.Algorithm) {
		return "", fmt.Errorf("key algorithm %q is not accepted: %w", jwe.Header.Algorithm, oidc.ErrInvalidToken)
	}
	if enc, ok := jwe.Header.ExtraHeaders[jose.HeaderKey("enc")].(string); ok && !acceptedEncryption(enc) {
		return "", fmt.Errorf("content encryption %q is not accepted: %w", enc, oidc.ErrInvalidToken)
	}

	// The wrap key length depends on the negotiated algorithms, so every
	// derivable length is tried.
	for _, key := range deriveKeys(secret) {
		if plaintext, err := jwe.Decrypt(key); err == nil {
			return string(plaintext), nil
		}
	}
	return "", fmt.Errorf("unknown bearer encryption format: %w", oidc.ErrInvalidToken)
}

// verifyInner checks the inner JWS signature with the shared secret and
// decodes its claims.
func (v *Validator) verifyInner(rawInner, secret string) (map[string]interface{}, error) {
	jws, err := jose.ParseSigned(rawInner)
	if err != nil {
		return nil, fmt.Errorf("inner token is not a signed token: %w", oidc.ErrInvalidToken)
	}
	for _, sig := range jws.Signatures {
		switch jose.SignatureAlgorithm(sig.Header.Algorithm) {
		case jose.HS256, jose.HS384, jose.HS512:
		default:
			return nil, fmt.Errorf("signature algorithm %q is not accepted: %w", sig.Header.Algorithm, oidc.ErrInvalidSignature)
		}
	}
	payload, err := jws.Verify([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("inner token signature is invalid: %w", oidc.ErrInvalidSignature)
	}
	claims := map[string]interface{}{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("unable to decode inner claims: %w", oidc.ErrInvalidToken)
	}
	return claims, nil
}

func (v *Validator) checkTimeClaims(claims map[string]interface{}) error {
	now := v.clock.Now()
	if exp, ok := unixClaim(claims["exp"]); ok && now.After(exp.Add(v.leeway)) {
		return fmt.Errorf("token expired at %s: %w", exp.UTC().Format(time.RFC3339), oidc.ErrTokenExpired)
	}
	if nbf, ok := unixClaim(claims["nbf"]); ok && now.Add(v.leeway).Before(nbf) {
		return fmt.Errorf("token not valid before %s: %w", nbf.UTC().Format(time.RFC3339), oidc.ErrTokenNotYetValid)
	}
	if iat, ok := unixClaim(claims["iat"]); ok && now.Add(v.leeway).Before(iat) {
		return fmt.Errorf("token issued in the future: %w", oidc.ErrTokenNotYetValid)
	}
	return nil
}

func (v *Validator) checkAudience(claims map[string]interface{}, acceptable []string) error {
	if len(acceptable) == 0 {
		return nil
	}
	audiences := claimAudiences(claims["aud"])
	if !strutils.StrListIntersects(audiences, acceptable) {
		return fmt.Errorf("audience %v is not acceptable: %w", audiences, oidc.ErrInvalidAudience)
	}
	return nil
}

// flattenAttributes lifts the inner token's name/value attribute list into
// top-level claims, so the provisioning engine reads federated tokens the
// same way as plain ID tokens.
func (v *Validator) flattenAttributes(claims map[string]interface{}) {
	raw, ok := claims[v.attributesClaim].([]interface{})
	if !ok {
		return
	}
	for _, entry := range raw {
		attr, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		name, ok := attr["name"].(string)
		if !ok || name == "" {
			continue
		}
		if _, exists := claims[name]; exists {
			continue
		}
		claims[name] = attr["value"]
	}
	delete(claims, v.attributesClaim)
}

// isEnvelope reports whether a compact token is an encrypted envelope.  A
// compact JWE has five dot-separated segments, a bare JWS only three.
func isEnvelope(rawToken string) bool {
	return strings.Count(rawToken, ".")+1 > 3
}

func acceptedKeyAlgorithm(alg string) bool {
	for _, a := range acceptedKeyAlgorithms {
		if alg == string(a) {
			return true
		}
	}
	return false
}

func acceptedEncryption(enc string) bool {
	for _, e := range acceptedContentEncryption {
		if enc == string(e) {
			return true
		}
	}
	return false
}

// deriveKeys returns the key material candidates derived from the shared
// secret: 16 and 32 bytes for the key-wrap and A128CBC-HS256 paths, 64 bytes
// for A256CBC-HS512 with direct encryption.
func deriveKeys(secret string) [][]byte {
	k256 := sha256.Sum256([]byte(secret))
	k512 := sha512.Sum512([]byte(secret))
	return [][]byte{
		k256[:],
		k256[:16],
		k512[:],
	}
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

func claimAudiences(v interface{}) []string {
	switch aud := v.(type) {
	case string:
		return []string{aud}
	case []string:
		return aud
	case []interface{}:
		out := make([]string, 0, len(aud))
		for _, a := range aud {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
