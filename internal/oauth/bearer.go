package oauth

import (
	"context"
	"fmt"

	"github.com/ory/fosite"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/sessionkey"
)

// Principal is what a validated bearer token resolves to.
type Principal struct {
	UserID    string
	SessionID string
	Scopes    []string
	McpSlug   string
}

// ValidateAccessToken runs raw through fosite's IntrospectToken, which
// verifies the token's HMAC signature and recovers its persisted session
// (replacing this package's former SHA-256-hash-and-lookup), then
// re-checks the linked SessionKey is still active -- an
// access token outlives a session's revocation, so the on-chain state is
// re-read on every call rather than trusted from the token alone. Returns
// Unauthorized if any check fails.
func (s *Server) ValidateAccessToken(ctx context.Context, sessions *sessionkey.Registry, raw string) (*Principal, error) {
	session := &fosite.DefaultSession{}
	_, ar, err := s.Provider.IntrospectToken(ctx, raw, fosite.AccessToken, session)
	if err != nil {
		return nil, gwerrors.NewUnauthorized("invalid access token", nil)
	}

	walletAddress, _ := session.Extra["wallet_address"].(string)
	sessionID, _ := session.Extra["session_id"].(string)
	mcpSlug, _ := session.Extra["mcp_slug"].(string)

	sk, err := sessions.Get(ctx, walletAddress, sessionID)
	if err != nil || !sk.IsActive {
		return nil, gwerrors.NewUnauthorized("session for this access token is no longer active", nil)
	}

	return &Principal{
		UserID:    walletAddress,
		SessionID: sessionID,
		Scopes:    []string(ar.GetGrantedScopes()),
		McpSlug:   mcpSlug,
	}, nil
}

// RequireSlug enforces the slug-binding rule: a token minted for one MCP
// slug must not be honored against a gateway request for a different slug.
func (p *Principal) RequireSlug(slug string) error {
	if p.McpSlug != "" && p.McpSlug != slug {
		return gwerrors.NewForbidden(fmt.Sprintf("Token is scoped to slug %q, not %q", p.McpSlug, slug), nil)
	}
	return nil
}
