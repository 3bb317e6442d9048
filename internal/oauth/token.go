package oauth

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ory/fosite"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/sessionkey"
)

type tokenResponse struct {
	AccessToken   string `json:"access_token"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int64  `json:"expires_in"`
	Scope         string `json:"scope"`
	SessionID     string `json:"session_id"`
	WalletAddress string `json:"wallet_address"`
}

// Token implements POST /token. fosite.OAuth2Provider runs the
// authorization_code grant end to end: client authentication
// (client_secret_post against the bcrypt hash on record), authorize-code
// lookup and single-use invalidation, redirect_uri equality, and the RFC
// 7636 S256 code_verifier check (NewAccessRequest); access-token minting
// and persistence (NewAccessResponse). This handler's own job is binding
// the issued token's lifetime to the linked on-chain session key's
// validUntil and translating fosite's AccessResponder into the
// {access_token, token_type, expires_in, scope, session_id,
// wallet_address} body this server's clients expect.
func (s *Server) Token(sessions *sessionkey.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		session := &fosite.DefaultSession{}

		// fosite only parses form bodies, so a JSON token request is
		// re-encoded as a form before the grant runs.
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, gwerrors.NewValidation("invalid JSON body", err))
				return
			}
			form := url.Values{}
			for k, v := range body {
				form.Set(k, v)
			}
			r = r.Clone(ctx)
			r.Body = io.NopCloser(strings.NewReader(form.Encode()))
			r.ContentLength = int64(len(form.Encode()))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		ar, err := s.Provider.NewAccessRequest(ctx, r, session)
		if err != nil {
			writeFositeError(w, err)
			return
		}

		walletAddress, _ := session.Extra["wallet_address"].(string)
		sessionID, _ := session.Extra["session_id"].(string)

		sk, err := sessions.Get(ctx, walletAddress, sessionID)
		if err != nil {
			writeError(w, gwerrors.NewUnauthorized("session for this authorization code is no longer valid", nil))
			return
		}
		if !sk.IsActive {
			writeError(w, gwerrors.NewUnauthorized("session for this authorization code is no longer valid", nil))
			return
		}

		// Ties the minted access token's lifetime to the on-chain session
		// key's own validUntil rather than fosite's configured
		// AccessTokenLifespan: fosite's token-issuance handler only
		// computes its own default expiry when none is already set.
		session.SetExpiresAt(fosite.AccessToken, sk.ValidUntil)

		resp, err := s.Provider.NewAccessResponse(ctx, ar)
		if err != nil {
			writeFositeError(w, err)
			return
		}

		noStoreJSON(w, http.StatusOK, tokenResponse{
			AccessToken:   resp.GetAccessToken(),
			TokenType:     "Bearer",
			ExpiresIn:     int64(time.Until(sk.ValidUntil).Seconds()),
			Scope:         strings.Join(ar.GetGrantedScopes(), " "),
			SessionID:     sessionID,
			WalletAddress: walletAddress,
		})
	}
}
