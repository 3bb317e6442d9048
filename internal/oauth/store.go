package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/ory/fosite"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
)

// Store persists OAuth clients in Postgres and backs fosite's ClientManager
// (GetClient, ClientAssertionJWTValid, SetClientAssertionJWT). The
// authorize-code, access-token, refresh-token, and PKCE session storage
// fosite.OAuth2Provider also requires lives alongside it, against the same
// *sql.DB, in fosite_storage.go.
type Store struct {
	db *sql.DB
}

// Schema is the DDL for the OAuth server's tables.
const Schema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
	id             TEXT PRIMARY KEY,
	secret_hash    TEXT NOT NULL,
	redirect_uris  JSONB NOT NULL,
	allowed_scopes JSONB NOT NULL,
	client_name    TEXT,
	client_uri     TEXT,
	logo_uri       TEXT,
	public         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS oauth_fosite_sessions (
	kind       TEXT NOT NULL,
	signature  TEXT NOT NULL,
	request_id TEXT NOT NULL,
	client_id  TEXT NOT NULL,
	payload    JSONB NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (kind, signature)
);
CREATE INDEX IF NOT EXISTS oauth_fosite_sessions_request_idx ON oauth_fosite_sessions (kind, request_id);
`

// Open opens a Postgres connection pool for the OAuth store.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Migrate applies the OAuth server's DDL. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return gwerrors.NewInternal("migrating oauth schema", err)
	}
	return nil
}

// GetClient satisfies fosite's ClientManager (and so fosite.Storage): it is
// what fosite.OAuth2Provider calls internally during NewAuthorizeRequest and
// NewAccessRequest to resolve and authenticate the caller's client_id.
func (s *Store) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	c, err := s.lookupClient(ctx, id)
	if err != nil {
		if gwerrors.Is(err, gwerrors.NotFound) {
			return nil, fosite.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// ClientAssertionJWTValid and SetClientAssertionJWT back fosite's
// private_key_jwt client authentication method. This server only registers
// clients for client_secret_post, so there is no JTI replay
// state to track; these are the minimal stubs ClientManager requires to be
// satisfied at all.
func (s *Store) ClientAssertionJWTValid(ctx context.Context, jti string) error { return nil }
func (s *Store) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	return nil
}

// lookupClient is GetClient's concrete-type counterpart for callers in this
// package (authorize.go, fosite_storage.go, FindByRedirectSet) that need Client's own fields and
// methods rather than the fosite.Client interface.
func (s *Store) lookupClient(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, secret_hash, redirect_uris, allowed_scopes, client_name, client_uri, logo_uri, public, created_at
		FROM oauth_clients WHERE id = $1
	`, id)

	var (
		gotID, secretHash, clientName, clientURI, logoURI string
		redirectJSON, scopesJSON                           []byte
		public                                              bool
		createdAt                                           time.Time
	)
	err := row.Scan(&gotID, &secretHash, &redirectJSON, &scopesJSON, &clientName, &clientURI, &logoURI, &public, &createdAt)
	if err == sql.ErrNoRows {
		return nil, gwerrors.NewNotFound("client not found", nil)
	}
	if err != nil {
		return nil, gwerrors.NewInternal("scanning client", err)
	}

	var redirectURIs, scopes []string
	if err := json.Unmarshal(redirectJSON, &redirectURIs); err != nil {
		return nil, gwerrors.NewInternal("unmarshaling redirect uris", err)
	}
	if err := json.Unmarshal(scopesJSON, &scopes); err != nil {
		return nil, gwerrors.NewInternal("unmarshaling scopes", err)
	}

	c := NewClient(gotID, redirectURIs, secretHash, scopes)
	c.ClientName, c.ClientURI, c.LogoURI, c.CreatedAt = clientName, clientURI, logoURI, createdAt
	c.DefaultClient.Public = public
	return c, nil
}

// FindByRedirectSet looks up an existing client whose normalized
// redirect-URI set matches normalized (registration dedup rule).
func (s *Store) FindByRedirectSet(ctx context.Context, normalized []string) (*Client, error) {
	want, err := json.Marshal(normalized)
	if err != nil {
		return nil, gwerrors.NewInternal("marshaling redirect set", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM oauth_clients`)
	if err != nil {
		return nil, gwerrors.NewInternal("querying clients", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, gwerrors.NewInternal("scanning client id", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		c, err := s.lookupClient(ctx, id)
		if err != nil {
			continue
		}
		got, err := json.Marshal(NormalizeRedirectURIs(c.GetRedirectURIs()))
		if err != nil {
			continue
		}
		if string(got) == string(want) {
			return c, nil
		}
	}
	return nil, nil
}

// CreateClient inserts a new client.
func (s *Store) CreateClient(ctx context.Context, c *Client) error {
	redirectJSON, err := json.Marshal(c.GetRedirectURIs())
	if err != nil {
		return gwerrors.NewInternal("marshaling redirect uris", err)
	}
	scopesJSON, err := json.Marshal([]string(c.DefaultClient.Scopes))
	if err != nil {
		return gwerrors.NewInternal("marshaling scopes", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (id, secret_hash, redirect_uris, allowed_scopes, client_name, client_uri, logo_uri, public)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, c.GetID(), string(c.GetHashedSecret()), redirectJSON, scopesJSON, c.ClientName, c.ClientURI, c.LogoURI, c.DefaultClient.Public)
	if err != nil {
		return gwerrors.NewInternal("inserting client", err)
	}
	return nil
}

// EnsureClient upserts the platform's own pre-configured client
// (MCP_CLIENT_ID / MCP_CLIENT_SECRET), so the deployment's first-party
// integration can drive the authorize flow without dynamic registration.
// The secret hash is rewritten on every startup so a rotated
// MCP_CLIENT_SECRET takes effect immediately.
func (s *Store) EnsureClient(ctx context.Context, id, secretHash, name string) error {
	scopesJSON, err := json.Marshal(SupportedScopes)
	if err != nil {
		return gwerrors.NewInternal("marshaling platform client scopes", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (id, secret_hash, redirect_uris, allowed_scopes, client_name, client_uri, logo_uri, public)
		VALUES ($1,$2,'[]',$3,$4,'','',FALSE)
		ON CONFLICT (id) DO UPDATE SET secret_hash = EXCLUDED.secret_hash
	`, id, secretHash, scopesJSON, name)
	if err != nil {
		return gwerrors.NewInternal("ensuring platform client", err)
	}
	return nil
}

// RotateSecret updates an existing client's secret hash (re-registration
// dedup path).
func (s *Store) RotateSecret(ctx context.Context, clientID, secretHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE oauth_clients SET secret_hash = $1 WHERE id = $2`, secretHash, clientID)
	if err != nil {
		return gwerrors.NewInternal("rotating client secret", err)
	}
	return nil
}
