package oidc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openrp/openrp/internal/strutils"
)

// DefaultClaimLeeway is the leeway applied to temporal claim checks.
const DefaultClaimLeeway = 60 * time.Second

// Expected describes what a decoded claim set must contain to be accepted.
type Expected struct {
	// Issuer is checked against "iss" when non-empty.
	Issuer string

	// ClientID is the relying party client id matched against "aud" (and
	// "azp" for multi-audience tokens).
	ClientID string

	// Nonce is checked against the "nonce" claim when non-empty.
	Nonce string

	// Leeway for temporal checks; zero means DefaultClaimLeeway.
	Leeway time.Duration

	// Clock defaults to SystemClock.
	Clock Clock
}

// ValidateClaims verifies a decoded token's structural and temporal claims.
// Checks run in a fixed order and short-circuit on the first failure, so the
// returned sentinel is stable for a given claim set:
//
//  1. "exp" must be in the future (ErrTokenExpired)
//  2. "nbf"/"iat", when present, must not be later than now (ErrTokenNotYetValid)
//  3. "aud" must equal or contain the client id (ErrInvalidAudience)
//  4. multi-audience tokens require a matching "azp"
//     (ErrNoAuthorizedParty, ErrInvalidAuthorizedParty)
//  5. "nonce" must match the expected nonce when one was established
//     (ErrInvalidNonce)
//
// An expected issuer, when set, is verified after the fixed checks
// (ErrInvalidIssuer).
func ValidateClaims(claims map[string]interface{}, e Expected) error {
	const op = "oidc.ValidateClaims"
	if claims == nil {
		return fmt.Errorf("%s: claims are nil: %w", op, ErrNilParameter)
	}
	if e.ClientID == "" {
		return fmt.Errorf("%s: expected client id is empty: %w", op, ErrInvalidParameter)
	}
	leeway := e.Leeway
	if leeway == 0 {
		leeway = DefaultClaimLeeway
	}
	clock := e.Clock
	if clock == nil {
		clock = SystemClock
	}
	now := clock.Now()

	exp, ok := claimTime(claims, "exp")
	if !ok {
		return fmt.Errorf("%s: exp claim is missing: %w", op, ErrTokenExpired)
	}
	if now.After(exp.Add(leeway)) {
		return fmt.Errorf("%s: expired at %s: %w", op, exp.Format(time.RFC3339), ErrTokenExpired)
	}

	for _, name := range []string{"nbf", "iat"} {
		if ts, ok := claimTime(claims, name); ok && ts.After(now.Add(leeway)) {
			return fmt.Errorf("%s: %s %s is in the future: %w", op, name, ts.Format(time.RFC3339), ErrTokenNotYetValid)
		}
	}

	audiences := claimAudiences(claims)
	if !strutils.StrListContains(audiences, e.ClientID) {
		return fmt.Errorf("%s: aud %v does not include %s: %w", op, audiences, e.ClientID, ErrInvalidAudience)
	}

	if len(audiences) > 1 {
		azp, ok := claims["azp"].(string)
		if !ok || azp == "" {
			return fmt.Errorf("%s: multi-audience token without azp: %w", op, ErrNoAuthorizedParty)
		}
		if azp != e.ClientID {
			return fmt.Errorf("%s: azp %s is not %s: %w", op, azp, e.ClientID, ErrInvalidAuthorizedParty)
		}
	}

	if e.Nonce != "" {
		nonce, _ := claims["nonce"].(string)
		if nonce != e.Nonce {
			return fmt.Errorf("%s: %w", op, ErrInvalidNonce)
		}
	}

	if e.Issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != e.Issuer {
			return fmt.Errorf("%s: iss %s is not %s: %w", op, iss, e.Issuer, ErrInvalidIssuer)
		}
	}
	return nil
}

// claimTime reads a numeric-date claim.  JSON decoding yields float64 or
// json.Number depending on the decoder settings; both are handled.
func claimTime(claims map[string]interface{}, name string) (time.Time, bool) {
	v, ok := claims[name]
	if !ok {
		return time.Time{}, false
	}
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case int64:
		return time.Unix(n, 0), true
	case json.Number:
		sec, err := n.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	default:
		return time.Time{}, false
	}
}

// claimAudiences normalizes "aud", which may be a bare string or an array.
func claimAudiences(claims map[string]interface{}) []string {
	switch aud := claims["aud"].(type) {
	case string:
		if aud == "" {
			return nil
		}
		return []string{aud}
	case []string:
		return aud
	case []interface{}:
		out := make([]string, 0, len(aud))
		for _, v := range aud {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
