package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cronosagent/gateway/internal/cryptoutil"
	gwerrors "github.com/cronosagent/gateway/internal/errors"
)

type registerRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name"`
	ClientURI    string   `json:"client_uri"`
	LogoURI      string   `json:"logo_uri"`
	Scope        string   `json:"scope"`
}

type registerResponse struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret"`
	ClientSecretExpiresAt int64    `json:"client_secret_expires_at"`
	RedirectURIs          []string `json:"redirect_uris"`
	GrantTypes            []string `json:"grant_types"`
	ResponseTypes         []string `json:"response_types"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`
	ClientName            string   `json:"client_name,omitempty"`
	ClientURI             string   `json:"client_uri,omitempty"`
	LogoURI               string   `json:"logo_uri,omitempty"`
}

// NormalizeRedirectURIs lowercases and sorts a redirect-URI set for the
// dynamic-client-registration dedup comparison.
func NormalizeRedirectURIs(uris []string) []string {
	out := make([]string, len(uris))
	for i, u := range uris {
		out[i] = strings.ToLower(u)
	}
	sort.Strings(out)
	return out
}

// Register implements POST /register (RFC 7591).
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.NewValidation("invalid JSON body", err))
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeError(w, gwerrors.NewValidation("redirect_uris must contain at least one URI", nil))
		return
	}
	for _, u := range req.RedirectURIs {
		if _, err := url.ParseRequestURI(u); err != nil {
			writeError(w, gwerrors.NewValidation("redirect_uris must each be a valid URL", err))
			return
		}
	}

	secret, err := cryptoutil.GenerateClientSecret()
	if err != nil {
		writeError(w, gwerrors.NewInternal("generating client secret", err))
		return
	}
	hash, err := cryptoutil.HashSecret(secret)
	if err != nil {
		writeError(w, gwerrors.NewInternal("hashing client secret", err))
		return
	}

	normalized := NormalizeRedirectURIs(req.RedirectURIs)
	existing, err := s.Store.FindByRedirectSet(r.Context(), normalized)
	if err != nil {
		writeError(w, err)
		return
	}

	if existing != nil {
		if err := s.Store.RotateSecret(r.Context(), existing.GetID(), hash); err != nil {
			writeError(w, err)
			return
		}
		noStoreJSON(w, http.StatusOK, registerResponse{
			ClientID:                existing.GetID(),
			ClientSecret:            secret,
			ClientSecretExpiresAt:   0,
			RedirectURIs:            existing.GetRedirectURIs(),
			GrantTypes:              []string{"authorization_code"},
			ResponseTypes:           []string{"code"},
			TokenEndpointAuthMethod: "client_secret_post",
			ClientName:              existing.ClientName,
			ClientURI:               existing.ClientURI,
			LogoURI:                 existing.LogoURI,
		})
		return
	}

	scopes := SupportedScopes
	if req.Scope != "" {
		scopes = strings.Fields(req.Scope)
	}

	id, err := newClientID()
	if err != nil {
		writeError(w, gwerrors.NewInternal("generating client id", err))
		return
	}
	c := NewClient(id, req.RedirectURIs, hash, scopes)
	c.ClientName, c.ClientURI, c.LogoURI = req.ClientName, req.ClientURI, req.LogoURI

	if err := s.Store.CreateClient(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}

	noStoreJSON(w, http.StatusCreated, registerResponse{
		ClientID:                id,
		ClientSecret:            secret,
		ClientSecretExpiresAt:   0,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_post",
		ClientName:              req.ClientName,
		ClientURI:               req.ClientURI,
		LogoURI:                 req.LogoURI,
	})
}

func newClientID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "mcp_" + hex.EncodeToString(b), nil
}
