package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openrp/openrp/oidc"
)

// Schema is the sessions table DDL, applied by the deployment's migration
// tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	sid                TEXT NOT NULL UNIQUE,
	sub                TEXT NOT NULL DEFAULT '',
	iss                TEXT NOT NULL DEFAULT '',
	authtoken_id       TEXT NOT NULL DEFAULT '',
	local_session_id   TEXT NOT NULL UNIQUE,
	id_token           TEXT NOT NULL DEFAULT '',
	user_id            TEXT NOT NULL DEFAULT '',
	provider_id        TEXT NOT NULL DEFAULT '',
	idp_session_closed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_authtoken_idx ON sessions (authtoken_id);
CREATE INDEX IF NOT EXISTS sessions_created_at_idx ON sessions (created_at);
`

const sessionColumns = `id, sid, sub, iss, authtoken_id, local_session_id, id_token, user_id, provider_id, idp_session_closed, created_at`

// DB is the narrow slice of pgx the store needs.  It is satisfied by
// *pgxpool.Pool and by pgxmock in unit tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ensure that *pgxpool.Pool implements the DB interface
var _ DB = (*pgxpool.Pool)(nil)

// PG is a Store backed by postgres.
type PG struct {
	db    DB
	clock oidc.Clock
}

// ensure that PG implements the Store interface
var _ Store = (*PG)(nil)

// NewPG creates a postgres-backed session store.
// Supported options: WithClock.
func NewPG(db DB, opt ...oidc.Option) (*PG, error) {
	const op = "session.NewPG"
	if db == nil {
		return nil, fmt.Errorf("%s: db is nil: %w", op, oidc.ErrNilParameter)
	}
	opts := getStoreOpts(opt...)
	return &PG{
		db:    db,
		clock: opts.withClock,
	}, nil
}

// Create implements Store.  ON CONFLICT DO NOTHING plus a re-select makes
// the create idempotent on sid without a race window.
func (s *PG) Create(ctx context.Context, sess *Session) (*Session, error) {
	const op = "session.(PG).Create"
	if sess == nil {
		return nil, fmt.Errorf("%s: session is nil: %w", op, oidc.ErrNilParameter)
	}
	if sess.SID == "" {
		return nil, fmt.Errorf("%s: sid is empty: %w", op, oidc.ErrInvalidParameter)
	}
	id := sess.ID
	if id == "" {
		var err error
		id, err = oidc.NewId(oidc.WithPrefix("sess"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sid) DO NOTHING`,
		id, sess.SID, sess.Sub, sess.Iss, sess.AuthTokenID, sess.LocalSessionID,
		sess.IDToken, sess.UserID, sess.ProviderID, sess.IdPSessionClosed, createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	created, err := s.BySID(ctx, sess.SID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}

// BySID implements Store.
func (s *PG) BySID(ctx context.Context, sid string) (*Session, error) {
	const op = "session.(PG).BySID"
	return s.one(ctx, op, `SELECT `+sessionColumns+` FROM sessions WHERE sid = $1`, sid)
}

// ByLocalSessionID implements Store.
func (s *PG) ByLocalSessionID(ctx context.Context, localSessionID string) (*Session, error) {
	const op = "session.(PG).ByLocalSessionID"
	return s.one(ctx, op, `SELECT `+sessionColumns+` FROM sessions WHERE local_session_id = $1`, localSessionID)
}

// ByAuthTokenID implements Store.  The column is not constrained unique, so
// finding more than one row is reported rather than silently picking one.
func (s *PG) ByAuthTokenID(ctx context.Context, authTokenID string) (*Session, error) {
	const op = "session.(PG).ByAuthTokenID"
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE authtoken_id = $1`, authTokenID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var found []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		found = append(found, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%s: auth token %s: %w", op, authTokenID, oidc.ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%s: auth token %s matches %d sessions: %w", op, authTokenID, len(found), oidc.ErrMultipleFound)
	}
}

// SetUserID implements Store.
func (s *PG) SetUserID(ctx context.Context, id, userID string) error {
	const op = "session.(PG).SetUserID"
	tag, err := s.db.Exec(ctx, `UPDATE sessions SET user_id = $2 WHERE id = $1`, id, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: session %s: %w", op, id, oidc.ErrNotFound)
	}
	return nil
}

// MarkIdPSessionClosed implements Store.
func (s *PG) MarkIdPSessionClosed(ctx context.Context, id string) error {
	const op = "session.(PG).MarkIdPSessionClosed"
	tag, err := s.db.Exec(ctx, `UPDATE sessions SET idp_session_closed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: session %s: %w", op, id, oidc.ErrNotFound)
	}
	return nil
}

// Delete implements Store.  Deleting an unknown session is not an error.
func (s *PG) Delete(ctx context.Context, id string) error {
	const op = "session.(PG).Delete"
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteCreatedBefore implements Store.  The comparison is strict: a record
// created exactly at the cutoff survives.
func (s *PG) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "session.(PG).DeleteCreatedBefore"
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PG) one(ctx context.Context, op, query string, arg any) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, oidc.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sess, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.SID, &sess.Sub, &sess.Iss, &sess.AuthTokenID,
		&sess.LocalSessionID, &sess.IDToken, &sess.UserID, &sess.ProviderID,
		&sess.IdPSessionClosed, &sess.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
