package session

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/openrp/openrp/oidc"
	"github.com/openrp/openrp/sdk/codec"
)

// Registry is the session store's front door: it encrypts the retained ID
// token before anything is persisted and expires stale records.
type Registry struct {
	store  Store
	codec  codec.Codec
	clock  oidc.Clock
	logger hclog.Logger
}

// NewRegistry composes a session registry over the given store.
// Supported options: WithClock, WithLogger.
func NewRegistry(store Store, sc codec.Codec, opt ...oidc.Option) (*Registry, error) {
	const op = "session.NewRegistry"
	if store == nil {
		return nil, fmt.Errorf("%s: store is nil: %w", op, oidc.ErrNilParameter)
	}
	if sc == nil {
		return nil, fmt.Errorf("%s: secret codec is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getRegistryOpts(opt...)
	return &Registry{
		store:  store,
		codec:  sc,
		clock:  opts.withClock,
		logger: opts.withLogger,
	}, nil
}

// Store exposes the underlying session store for read paths.
func (r *Registry) Store() Store { return r.store }

// CreateSession persists a login's session record.  The raw ID token is
// encrypted at rest; it is only ever needed again as the logout's
// id_token_hint.  Creation is idempotent on the provider session id.
func (r *Registry) CreateSession(ctx context.Context, sess *Session, rawIDToken string) (*Session, error) {
	const op = "Registry.CreateSession"
	if sess == nil {
		return nil, fmt.Errorf("%s: session is nil: %w", op, oidc.ErrNilParameter)
	}
	cp := *sess
	if rawIDToken != "" {
		encrypted, err := r.codec.Encrypt(rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to encrypt id token: %w", op, err)
		}
		cp.IDToken = encrypted
	}
	created, err := r.store.Create(ctx, &cp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}

// IDToken decrypts the session's retained ID token.  Empty in, empty out.
func (r *Registry) IDToken(sess *Session) (string, error) {
	const op = "Registry.IDToken"
	if sess == nil || sess.IDToken == "" {
		return "", nil
	}
	raw, err := r.codec.Decrypt(sess.IDToken)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return raw, nil
}

// CleanupSessions removes records older than both the regular and the
// remember-me session lifetime.  A record is only removed once no web
// session of either kind can still reference it.
func (r *Registry) CleanupSessions(ctx context.Context, sessionLifetime, rememberMeLifetime time.Duration) (int64, error) {
	const op = "Registry.CleanupSessions"
	maxLifetime := sessionLifetime
	if rememberMeLifetime > maxLifetime {
		maxLifetime = rememberMeLifetime
	}
	cutoff := r.clock.Now().Add(-maxLifetime)
	removed, err := r.store.DeleteCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if removed > 0 {
		r.logger.Info("expired stale sessions", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
