// Package session tracks the link between local sessions and the identity
// provider sessions they came from, so a token invalidation on either side
// can tear down the other: the IdP session via a best-effort backchannel
// logout, the local record unconditionally.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/openrp/openrp/oidc"
)

// Session is one login's bookkeeping record.
type Session struct {
	// ID is the record's own identifier.
	ID string

	// SID is the provider's session id from the ID token's sid claim.  It
	// is unique: replaying the same login callback twice must not produce
	// two records.
	SID string

	// Sub and Iss identify the remote identity the session belongs to.
	Sub string
	Iss string

	// AuthTokenID links the record to the local authentication token, so a
	// local token invalidation can find the session it kills.
	AuthTokenID string

	// LocalSessionID is the local web session id, also unique.
	LocalSessionID string

	// IDToken is the encrypted ID token retained for the logout's
	// id_token_hint.  Empty when the provider issued none.
	IDToken string

	// UserID is the provisioned local user, once known.
	UserID string

	// ProviderID names the provider configuration the login used.
	ProviderID string

	// IdPSessionClosed marks sessions whose provider side is already gone;
	// no backchannel logout is attempted for them.
	IdPSessionClosed bool

	CreatedAt time.Time
}

// Store persists session records.  Lookups return oidc.ErrNotFound when no
// record matches and oidc.ErrMultipleFound when a supposedly unique lookup
// matches more than one.
type Store interface {
	// Create persists the record.  Creation is idempotent on SID: storing
	// the same SID again returns the existing record untouched.
	Create(ctx context.Context, s *Session) (*Session, error)

	BySID(ctx context.Context, sid string) (*Session, error)
	ByAuthTokenID(ctx context.Context, authTokenID string) (*Session, error)
	ByLocalSessionID(ctx context.Context, localSessionID string) (*Session, error)

	// SetUserID records the provisioned local user on the session.
	SetUserID(ctx context.Context, id, userID string) error

	// MarkIdPSessionClosed flags the provider side of the session as gone.
	MarkIdPSessionClosed(ctx context.Context, id string) error

	Delete(ctx context.Context, id string) error

	// DeleteCreatedBefore removes all records created strictly before the
	// cutoff and reports how many were removed.
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func isNotFound(err error) bool {
	return errors.Is(err, oidc.ErrNotFound)
}
