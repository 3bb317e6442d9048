package sessionkey

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	// Registered for its side effect on database/sql.
	_ "github.com/lib/pq"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/scope"
)

// Registry persists SessionKeys in Postgres.
type Registry struct {
	db *sql.DB
}

// Open opens a Postgres connection pool for the session-key registry (and
// the rest of the relational schema).
func Open(databaseURL string) (*Registry, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &Registry{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB (used by tests against a real
// Postgres instance, or by callers sharing a pool across registries).
func NewWithDB(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Schema is the DDL for the session_keys table. Migrations in a real
// deployment would be managed by a dedicated tool; it is inlined here so
// the registry is self-describing.
const Schema = `
CREATE TABLE IF NOT EXISTS session_keys (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	session_id            TEXT NOT NULL UNIQUE,
	session_key_address   TEXT NOT NULL,
	encrypted_private_key JSONB NOT NULL,
	scopes                JSONB NOT NULL,
	on_chain_params       JSONB NOT NULL,
	valid_after           TIMESTAMPTZ NOT NULL,
	valid_until           TIMESTAMPTZ NOT NULL,
	is_active             BOOLEAN NOT NULL DEFAULT TRUE,
	revoked_at            TIMESTAMPTZ,
	oauth_client_id       TEXT
);
CREATE INDEX IF NOT EXISTS idx_session_keys_user ON session_keys (user_id);
`

// Migrate applies the registry's DDL. Idempotent; a real deployment would
// run a migration tool instead, but the gateway self-bootstraps on start.
func (r *Registry) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return gwerrors.NewInternal("migrating session_keys schema", err)
	}
	return nil
}

// Create persists a new SessionKey. sessionId must be
// globally unique; a duplicate insert fails with Conflict. scopes must be
// non-empty (legacy callers without a scopes field go through
// CreateLegacy, which synthesizes one).
func (r *Registry) Create(ctx context.Context, k SessionKey) error {
	if !sessionIDPattern.MatchString(k.SessionID) {
		return gwerrors.NewValidation("sessionId must match /^0x[0-9a-f]{64}$/", nil)
	}
	if !addressPattern.MatchString(k.SessionKeyAddress) {
		return gwerrors.NewValidation("sessionKeyAddress must match /^0x[0-9a-f]{40}$/", nil)
	}
	if len(k.Scopes) == 0 {
		return gwerrors.NewValidation("scopes must be non-empty", nil)
	}
	for _, s := range k.Scopes {
		for _, c := range s.ApprovedContracts {
			if !addressPattern.MatchString(c.Address) {
				return gwerrors.NewValidation("approved contract address must match /^0x[0-9a-f]{40}$/", nil)
			}
		}
	}
	if !k.ValidAfter.Before(k.ValidUntil) {
		return gwerrors.NewValidation("validAfter must be before validUntil", nil)
	}

	encJSON, err := json.Marshal(k.EncryptedPrivateKey)
	if err != nil {
		return gwerrors.NewInternal("marshaling encrypted key", err)
	}
	scopesJSON, err := json.Marshal(k.Scopes)
	if err != nil {
		return gwerrors.NewInternal("marshaling scopes", err)
	}
	paramsJSON, err := json.Marshal(k.OnChainParams)
	if err != nil {
		return gwerrors.NewInternal("marshaling on-chain params", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO session_keys
			(id, user_id, session_id, session_key_address, encrypted_private_key,
			 scopes, on_chain_params, valid_after, valid_until, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,TRUE)
	`, k.ID, k.UserID, k.SessionID, k.SessionKeyAddress, encJSON, scopesJSON, paramsJSON, k.ValidAfter, k.ValidUntil)
	if err != nil {
		if isUniqueViolation(err) {
			return gwerrors.NewConflict(fmt.Sprintf("session %s already exists", k.SessionID), err)
		}
		return gwerrors.NewInternal("inserting session key", err)
	}
	return nil
}

// CreateLegacy persists k, synthesizing the default x402:payments
// EIP712Scope from legacyApproved when k.Scopes is empty (the dual-shape
// POST /sessions body's legacy form).
func (r *Registry) CreateLegacy(ctx context.Context, k SessionKey, legacyApproved []LegacyApprovedContract) error {
	if len(k.Scopes) == 0 {
		k.Scopes = []scope.Scope{synthesizeDefaultScope(legacyApproved)}
	}
	return r.Create(ctx, k)
}

// ListActive returns sessions with isActive=true and validUntil>now,
// newest-first, for userID. The encrypted key is never included.
func (r *Registry) ListActive(ctx context.Context, userID string) ([]Public, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, session_key_address, scopes, on_chain_params,
		       valid_after, valid_until, is_active, revoked_at, COALESCE(oauth_client_id, '')
		FROM session_keys
		WHERE user_id = $1 AND is_active = TRUE AND valid_until > now()
		ORDER BY valid_after DESC
	`, userID)
	if err != nil {
		return nil, gwerrors.NewInternal("querying active sessions", err)
	}
	defer rows.Close()

	var out []Public
	for rows.Next() {
		p, err := scanPublic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns a single session for userID, without the encrypted key.
func (r *Registry) Get(ctx context.Context, userID, sessionID string) (*Public, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, session_key_address, scopes, on_chain_params,
		       valid_after, valid_until, is_active, revoked_at, COALESCE(oauth_client_id, '')
		FROM session_keys
		WHERE user_id = $1 AND session_id = $2
	`, userID, sessionID)
	p, err := scanPublic(row)
	if err == sql.ErrNoRows {
		return nil, gwerrors.NewNotFound("session not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetWithSecret returns the full record including the encrypted key, used
// only by the signing service. It does not check userID ownership;
// callers must verify ownership themselves before signing.
func (r *Registry) GetWithSecret(ctx context.Context, sessionID string) (*SessionKey, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, session_key_address, encrypted_private_key,
		       scopes, on_chain_params, valid_after, valid_until, is_active, revoked_at,
		       COALESCE(oauth_client_id, '')
		FROM session_keys WHERE session_id = $1
	`, sessionID)

	var k SessionKey
	var encJSON, scopesJSON, paramsJSON []byte
	var revokedAt sql.NullTime
	err := row.Scan(&k.ID, &k.UserID, &k.SessionID, &k.SessionKeyAddress, &encJSON,
		&scopesJSON, &paramsJSON, &k.ValidAfter, &k.ValidUntil, &k.IsActive, &revokedAt, &k.OAuthClientID)
	if err == sql.ErrNoRows {
		return nil, gwerrors.NewNotFound("session not found", nil)
	}
	if err != nil {
		return nil, gwerrors.NewInternal("scanning session key", err)
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.Time
	}
	if err := json.Unmarshal(encJSON, &k.EncryptedPrivateKey); err != nil {
		return nil, gwerrors.NewInternal("unmarshaling encrypted key", err)
	}
	if err := json.Unmarshal(scopesJSON, &k.Scopes); err != nil {
		return nil, gwerrors.NewInternal("unmarshaling scopes", err)
	}
	if err := json.Unmarshal(paramsJSON, &k.OnChainParams); err != nil {
		return nil, gwerrors.NewInternal("unmarshaling on-chain params", err)
	}
	return &k, nil
}

// Revoke sets isActive=false, revokedAt=now for (userID, sessionID).
// Idempotent: an already-revoked session returns AlreadyRevoked rather
// than silently succeeding again.
func (r *Registry) Revoke(ctx context.Context, userID, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE session_keys
		SET is_active = FALSE, revoked_at = now()
		WHERE user_id = $1 AND session_id = $2 AND is_active = TRUE
	`, userID, sessionID)
	if err != nil {
		return gwerrors.NewInternal("revoking session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return gwerrors.NewInternal("reading rows affected", err)
	}
	if n == 0 {
		existing, getErr := r.Get(ctx, userID, sessionID)
		if getErr != nil {
			return getErr
		}
		if !existing.IsActive {
			return ErrAlreadyRevoked
		}
		return gwerrors.NewNotFound("session not found", nil)
	}
	return nil
}

// BindOAuthClient records the OAuth client a session was bound to during
// the authorize flow.
func (r *Registry) BindOAuthClient(ctx context.Context, sessionID, clientID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE session_keys SET oauth_client_id = $1 WHERE session_id = $2`, clientID, sessionID)
	if err != nil {
		return gwerrors.NewInternal("binding oauth client", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPublic(row scannable) (Public, error) {
	var p Public
	var scopesJSON, paramsJSON []byte
	var revokedAt sql.NullTime
	err := row.Scan(&p.ID, &p.UserID, &p.SessionID, &p.SessionKeyAddress, &scopesJSON, &paramsJSON,
		&p.ValidAfter, &p.ValidUntil, &p.IsActive, &revokedAt, &p.OAuthClientID)
	if err != nil {
		return p, err
	}
	if revokedAt.Valid {
		p.RevokedAt = &revokedAt.Time
	}
	if err := json.Unmarshal(scopesJSON, &p.Scopes); err != nil {
		return p, gwerrors.NewInternal("unmarshaling scopes", err)
	}
	if err := json.Unmarshal(paramsJSON, &p.OnChainParams); err != nil {
		return p, gwerrors.NewInternal("unmarshaling on-chain params", err)
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	// lib/pq reports unique_violation as SQLSTATE 23505; the substring check
	// avoids importing lib/pq's error type just for this one case.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

// ErrAlreadyRevoked is returned by Revoke when the session was already
// inactive.
var ErrAlreadyRevoked = gwerrors.New(gwerrors.Conflict, "session already revoked", nil)
