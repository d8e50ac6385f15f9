package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/openrp/openrp/oidc"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionRowColumns = []string{
	"id", "sid", "sub", "iss", "authtoken_id", "local_session_id",
	"id_token", "user_id", "provider_id", "idp_session_closed", "created_at",
}

func sessionRow(sess *Session) *pgxmock.Rows {
	return pgxmock.NewRows(sessionRowColumns).AddRow(
		sess.ID, sess.SID, sess.Sub, sess.Iss, sess.AuthTokenID, sess.LocalSessionID,
		sess.IDToken, sess.UserID, sess.ProviderID, sess.IdPSessionClosed, sess.CreatedAt,
	)
}

func TestPG(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newStore := func(t *testing.T) (*PG, pgxmock.PgxPoolIface) {
		t.Helper()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		t.Cleanup(mock.Close)
		store, err := NewPG(mock)
		require.NoError(t, err)
		return store, mock
	}

	t.Run("create-inserts-then-reselects", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store, mock := newStore(t)
		want := testSession("sid-1")
		want.ID = "sess_abc"
		want.CreatedAt = time.Now()

		mock.ExpectExec("INSERT INTO sessions").
			WithArgs(pgxmock.AnyArg(), want.SID, want.Sub, want.Iss, want.AuthTokenID,
				want.LocalSessionID, want.IDToken, want.UserID, want.ProviderID,
				want.IdPSessionClosed, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectQuery("SELECT (.+) FROM sessions WHERE sid").
			WithArgs(want.SID).
			WillReturnRows(sessionRow(want))

		got, err := store.Create(ctx, testSession("sid-1"))
		require.NoError(err)
		assert.Equal(want.ID, got.ID)
		assert.Equal(want.SID, got.SID)
		require.NoError(mock.ExpectationsWereMet())
	})
	t.Run("create-replay-returns-existing-row", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store, mock := newStore(t)
		existing := testSession("sid-1")
		existing.ID = "sess_original"
		existing.CreatedAt = time.Now().Add(-time.Hour)

		mock.ExpectExec("INSERT INTO sessions").
			WithArgs(pgxmock.AnyArg(), existing.SID, pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectQuery("SELECT (.+) FROM sessions WHERE sid").
			WithArgs(existing.SID).
			WillReturnRows(sessionRow(existing))

		got, err := store.Create(ctx, testSession("sid-1"))
		require.NoError(err)
		assert.Equal("sess_original", got.ID)
		require.NoError(mock.ExpectationsWereMet())
	})
	t.Run("by-sid-not-found", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store, mock := newStore(t)
		mock.ExpectQuery("SELECT (.+) FROM sessions WHERE sid").
			WithArgs("nope").
			WillReturnError(pgx.ErrNoRows)

		_, err := store.BySID(ctx, "nope")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrNotFound))
		require.NoError(mock.ExpectationsWereMet())
	})
	t.Run("by-auth-token-single", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store, mock := newStore(t)
		want := testSession("sid-1")
		want.ID = "sess_abc"
		want.CreatedAt = time.Now()

		mock.ExpectQuery("SELECT (.+) FROM sessions WHERE authtoken_id").
			WithArgs(want.AuthTokenID).
			WillReturnRows(sessionRow(want))

		got, err := store.ByAuthTokenID(ctx, want.AuthTokenID)
		require.NoError(err)
		assert.Equal(want.ID, got.ID)
		require.NoError(mock.ExpectationsWereMet())
	})
	t.Run("by-auth-token-none", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store, mock := newStore(t)
		mock.ExpectQuery("SELECT (.+) FROM sessions WHERE authtoken_id").
			WithArgs("nope").
			WillReturnRows(pgxmock.NewRows(sessionRowColumns))

		_, err := store.ByAuthTokenID(ctx, "nope")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrNotFound))
		require.NoError(mock.ExpectationsWereMet())
	})
	t.Run("by-auth-token-multiple", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store, mock := newStore(t)
		a := testSession("sid-1")
		a.ID = "sess_a"
		a.CreatedAt = time.Now()
		b := testSession("sid-2")
		b.ID = "sess_b"
		b.AuthTokenID = a.AuthTokenID
		b.CreatedAt = time.Now()

		rows := pgxmock.NewRows(sessionRowColumns).
			AddRow(a.ID, a.SID, a.Sub, a.Iss, a.AuthTokenID, a.LocalSessionID,
				a.IDToken, a.UserID, a.ProviderID, a.IdPSessionClosed, a.CreatedAt).
			AddRow(b.ID, b.SID, b.Sub, b.Iss, b.AuthTokenID, b.LocalSessionID,
				b.IDToken, b.UserID, b.ProviderID, b.IdPSessionClosed, b.CreatedAt)
		mock.ExpectQuery("SELECT (.+) FROM sessions WHERE authtoken_id").
			WithArgs(a.AuthTokenID).
			WillReturnRows(rows)

		_, err := store.ByAuthTokenID(ctx, a.AuthTokenID)
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrMultipleFound))
		require.NoError(mock.ExpectationsWereMet())
	})
	t.Run("set-user-id-unknown-session", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store, mock := newStore(t)
		mock.ExpectExec("UPDATE sessions SET user_id").
			WithArgs("nope", "alice").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := store.SetUserID(ctx, "nope", "alice")
		require.Error(err)
		assert.True(errors.Is(err, oidc.ErrNotFound))
		require.NoError(mock.ExpectationsWereMet())
	})
	t.Run("delete-created-before-reports-count", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		store, mock := newStore(t)
		cutoff := time.Now().Add(-24 * time.Hour)
		mock.ExpectExec("DELETE FROM sessions WHERE created_at").
			WithArgs(cutoff).
			WillReturnResult(pgxmock.NewResult("DELETE", 3))

		removed, err := store.DeleteCreatedBefore(ctx, cutoff)
		require.NoError(err)
		assert.EqualValues(3, removed)
		require.NoError(mock.ExpectationsWereMet())
	})
}
