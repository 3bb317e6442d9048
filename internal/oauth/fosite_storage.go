package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/handler/pkce"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
)

// storedFositeSession is the JSON snapshot of a fosite.Requester persisted
// under one (kind, signature) row in oauth_fosite_sessions: kind is
// "authorize_code", "access_token", "refresh_token", or "pkce", matching
// which of fosite's storage sub-interfaces the row backs. Session holds the
// *fosite.DefaultSession this server attaches at POST /authorize time,
// carrying the wallet address, session-key id, and mcp slug the code/token
// was issued for through to /token and bearer
// validation.
type storedFositeSession struct {
	ID                string              `json:"id"`
	ClientID          string              `json:"clientId"`
	RequestedScope    []string            `json:"requestedScope"`
	GrantedScope      []string            `json:"grantedScope"`
	RequestedAudience []string            `json:"requestedAudience"`
	GrantedAudience   []string            `json:"grantedAudience"`
	Form              map[string][]string `json:"form"`
	RequestedAt       time.Time           `json:"requestedAt"`
	Session           json.RawMessage     `json:"session"`
}

func (s *Store) putFositeSession(ctx context.Context, kind, signature string, r fosite.Requester) error {
	sessionJSON, err := json.Marshal(r.GetSession())
	if err != nil {
		return gwerrors.NewInternal("marshaling fosite session", err)
	}
	stored := storedFositeSession{
		ID:                r.GetID(),
		ClientID:          r.GetClient().GetID(),
		RequestedScope:    []string(r.GetRequestedScopes()),
		GrantedScope:      []string(r.GetGrantedScopes()),
		RequestedAudience: []string(r.GetRequestedAudience()),
		GrantedAudience:   []string(r.GetGrantedAudience()),
		Form:              map[string][]string(r.GetRequestForm()),
		RequestedAt:       r.GetRequestedAt(),
		Session:           sessionJSON,
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return gwerrors.NewInternal("marshaling fosite request", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_fosite_sessions (kind, signature, request_id, client_id, payload, active)
		VALUES ($1,$2,$3,$4,$5,TRUE)
		ON CONFLICT (kind, signature) DO UPDATE SET payload = EXCLUDED.payload, active = TRUE
	`, kind, signature, stored.ID, stored.ClientID, payload)
	if err != nil {
		return gwerrors.NewInternal("inserting fosite session", err)
	}
	return nil
}

func (s *Store) getFositeSession(ctx context.Context, kind, signature string, session fosite.Session) (fosite.Requester, error) {
	row := s.db.QueryRowContext(ctx, `SELECT client_id, payload, active FROM oauth_fosite_sessions WHERE kind = $1 AND signature = $2`, kind, signature)

	var clientID string
	var payload []byte
	var active bool
	if err := row.Scan(&clientID, &payload, &active); err != nil {
		if err == sql.ErrNoRows {
			return nil, fosite.ErrNotFound
		}
		return nil, gwerrors.NewInternal("scanning fosite session", err)
	}

	var stored storedFositeSession
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, gwerrors.NewInternal("unmarshaling fosite request", err)
	}
	if session != nil && len(stored.Session) > 0 {
		if err := json.Unmarshal(stored.Session, session); err != nil {
			return nil, gwerrors.NewInternal("unmarshaling fosite session data", err)
		}
	}

	client, err := s.lookupClient(ctx, stored.ClientID)
	if err != nil {
		return nil, err
	}

	req := &fosite.Request{
		ID:                stored.ID,
		RequestedAt:       stored.RequestedAt,
		Client:            client,
		RequestedScope:    fosite.Arguments(stored.RequestedScope),
		GrantedScope:      fosite.Arguments(stored.GrantedScope),
		RequestedAudience: fosite.Arguments(stored.RequestedAudience),
		GrantedAudience:   fosite.Arguments(stored.GrantedAudience),
		Form:              url.Values(stored.Form),
		Session:           session,
	}

	if !active {
		return req, fosite.ErrInvalidatedAuthorizeCode
	}
	return req, nil
}

func (s *Store) deactivateFositeSession(ctx context.Context, kind, signature string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE oauth_fosite_sessions SET active = FALSE WHERE kind = $1 AND signature = $2`, kind, signature)
	if err != nil {
		return gwerrors.NewInternal("deactivating fosite session", err)
	}
	return nil
}

func (s *Store) deleteFositeSession(ctx context.Context, kind, signature string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_fosite_sessions WHERE kind = $1 AND signature = $2`, kind, signature)
	if err != nil {
		return gwerrors.NewInternal("deleting fosite session", err)
	}
	return nil
}

// --- oauth2.CoreStorage: the authorize-code grant's code, access-token and
// refresh-token persistence, replacing the hand-rolled uuid.NewString()
// auth code and SHA-256 access-token hash this package used before. ---

func (s *Store) CreateAuthorizeCodeSession(ctx context.Context, code string, request fosite.Requester) error {
	return s.putFositeSession(ctx, "authorize_code", code, request)
}

func (s *Store) GetAuthorizeCodeSession(ctx context.Context, code string, session fosite.Session) (fosite.Requester, error) {
	return s.getFositeSession(ctx, "authorize_code", code, session)
}

func (s *Store) InvalidateAuthorizeCodeSession(ctx context.Context, code string) error {
	return s.deactivateFositeSession(ctx, "authorize_code", code)
}

func (s *Store) CreateAccessTokenSession(ctx context.Context, signature string, request fosite.Requester) error {
	return s.putFositeSession(ctx, "access_token", signature, request)
}

func (s *Store) GetAccessTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	return s.getFositeSession(ctx, "access_token", signature, session)
}

func (s *Store) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	return s.deleteFositeSession(ctx, "access_token", signature)
}

// CreateRefreshTokenSession, GetRefreshTokenSession, DeleteRefreshTokenSession,
// and RotateRefreshToken exist to satisfy oauth2.CoreStorage, which the
// authorize-code grant handler's storage field requires in full even though
// this server only advertises the authorization_code grant -- they are
// exercised only if that changes.
func (s *Store) CreateRefreshTokenSession(ctx context.Context, signature string, _ string, request fosite.Requester) error {
	return s.putFositeSession(ctx, "refresh_token", signature, request)
}

func (s *Store) GetRefreshTokenSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	return s.getFositeSession(ctx, "refresh_token", signature, session)
}

func (s *Store) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	return s.deleteFositeSession(ctx, "refresh_token", signature)
}

func (s *Store) RotateRefreshToken(ctx context.Context, requestID string, refreshTokenSignature string) error {
	return s.deleteFositeSession(ctx, "refresh_token", refreshTokenSignature)
}

// --- pkce.PKCERequestStorage: the S256 code_challenge fosite verifies
// code_verifier against at /token, replacing this package's hand-rolled
// codeChallengeMatches. ---

func (s *Store) GetPKCERequestSession(ctx context.Context, signature string, session fosite.Session) (fosite.Requester, error) {
	return s.getFositeSession(ctx, "pkce", signature, session)
}

func (s *Store) CreatePKCERequestSession(ctx context.Context, signature string, requester fosite.Requester) error {
	return s.putFositeSession(ctx, "pkce", signature, requester)
}

func (s *Store) DeletePKCERequestSession(ctx context.Context, signature string) error {
	return s.deleteFositeSession(ctx, "pkce", signature)
}

var (
	_ fosite.Storage          = (*Store)(nil)
	_ oauth2.CoreStorage      = (*Store)(nil)
	_ pkce.PKCERequestStorage = (*Store)(nil)
)
