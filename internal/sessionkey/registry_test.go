package sessionkey

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/scope"
)

func newMock(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func validKey() SessionKey {
	return SessionKey{
		ID:                "sk_1",
		UserID:            "user_1",
		SessionID:         "0x" + repeat("a", 64),
		SessionKeyAddress: "0x" + repeat("b", 40),
		Scopes: []scope.Scope{
			{ID: "s1", Kind: scope.Execute, Targets: []scope.Target{{Address: "0x" + repeat("c", 40)}}},
		},
		ValidAfter:  time.Now(),
		ValidUntil:  time.Now().Add(time.Hour),
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s[0])
	}
	return string(out)
}

func TestCreateRejectsBadSessionID(t *testing.T) {
	r, _ := newMock(t)
	k := validKey()
	k.SessionID = "not-hex"
	err := r.Create(context.Background(), k)
	require.True(t, gwerrors.Is(err, gwerrors.Validation))
}

func TestCreateRejectsBadAddress(t *testing.T) {
	r, _ := newMock(t)
	k := validKey()
	k.SessionKeyAddress = "0xshort"
	err := r.Create(context.Background(), k)
	require.True(t, gwerrors.Is(err, gwerrors.Validation))
}

func TestCreateRejectsEmptyScopes(t *testing.T) {
	r, _ := newMock(t)
	k := validKey()
	k.Scopes = nil
	err := r.Create(context.Background(), k)
	require.True(t, gwerrors.Is(err, gwerrors.Validation))
}

func TestCreateRejectsInvertedValidity(t *testing.T) {
	r, _ := newMock(t)
	k := validKey()
	k.ValidAfter, k.ValidUntil = k.ValidUntil, k.ValidAfter
	err := r.Create(context.Background(), k)
	require.True(t, gwerrors.Is(err, gwerrors.Validation))
}

func TestCreateSucceeds(t *testing.T) {
	r, mock := newMock(t)
	k := validKey()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_keys")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := r.Create(context.Background(), k)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicateSessionIDReturnsConflict(t *testing.T) {
	r, mock := newMock(t)
	k := validKey()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_keys")).
		WillReturnError(&pqLikeError{"duplicate key value violates unique constraint \"session_keys_session_id_key\""})

	err := r.Create(context.Background(), k)
	require.True(t, gwerrors.Is(err, gwerrors.Conflict))
}

func TestCreateLegacySynthesizesDefaultScope(t *testing.T) {
	r, mock := newMock(t)
	k := validKey()
	k.Scopes = nil

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_keys")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	legacy := []LegacyApprovedContract{{Address: "0x" + repeat("d", 40), Name: "USDC"}}
	legacy[0].Domain.Name = "USD Coin"
	legacy[0].Domain.Version = "2"

	err := r.CreateLegacy(context.Background(), k, legacy)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsNotFound(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, session_id")).
		WithArgs("user_1", "0xdead").
		WillReturnError(sql.ErrNoRows)

	_, err := r.Get(context.Background(), "user_1", "0xdead")
	require.True(t, gwerrors.Is(err, gwerrors.NotFound))
}

func TestGetReturnsPublicView(t *testing.T) {
	r, mock := newMock(t)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "session_id", "session_key_address", "scopes", "on_chain_params",
		"valid_after", "valid_until", "is_active", "revoked_at", "oauth_client_id",
	}).AddRow("sk_1", "user_1", "0xsess", "0xaddr", []byte("[]"), []byte("{}"),
		time.Now(), time.Now().Add(time.Hour), true, nil, "")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, session_id")).
		WithArgs("user_1", "0xsess").
		WillReturnRows(rows)

	p, err := r.Get(context.Background(), "user_1", "0xsess")
	require.NoError(t, err)
	require.Equal(t, "sk_1", p.ID)
	require.True(t, p.IsActive)
}

func TestRevokeNotFoundWhenNoRowMatchesAndNoExistingRecord(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE session_keys")).
		WithArgs("user_1", "0xsess").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, session_id")).
		WithArgs("user_1", "0xsess").
		WillReturnError(sql.ErrNoRows)

	err := r.Revoke(context.Background(), "user_1", "0xsess")
	require.True(t, gwerrors.Is(err, gwerrors.NotFound))
}

func TestRevokeAlreadyRevokedIsDistinguishable(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE session_keys")).
		WithArgs("user_1", "0xsess").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "session_id", "session_key_address", "scopes", "on_chain_params",
		"valid_after", "valid_until", "is_active", "revoked_at", "oauth_client_id",
	}).AddRow("sk_1", "user_1", "0xsess", "0xaddr", []byte("[]"), []byte("{}"),
		time.Now(), time.Now().Add(time.Hour), false, time.Now(), "")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, session_id")).
		WithArgs("user_1", "0xsess").
		WillReturnRows(rows)

	err := r.Revoke(context.Background(), "user_1", "0xsess")
	require.ErrorIs(t, err, ErrAlreadyRevoked)
}

// pqLikeError mimics the textual shape of a lib/pq unique_violation error
// without importing lib/pq's internal type in tests.
type pqLikeError struct{ msg string }

func (e *pqLikeError) Error() string { return e.msg }
