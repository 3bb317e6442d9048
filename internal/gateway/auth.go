package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
	"github.com/cronosagent/gateway/internal/oauth"
)

// authenticatedUserHeader carries the wallet-session user id established by
// the external wallet-connection / SIWE layer: that layer terminates in
// front of this gateway and forwards the resolved user id on every request
// it proxies. Wallet login itself never happens here.
const authenticatedUserHeader = "X-Authenticated-User-Id"

// userIDFromRequest reads the opaque authenticated-user capability. It never
// performs the wallet login itself.
func userIDFromRequest(r *http.Request) string {
	return r.Header.Get(authenticatedUserHeader)
}

func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := userIDFromRequest(r)
	if uid == "" {
		gwerrors.WriteJSON(w, gwerrors.NewUnauthorized("missing authenticated user", nil))
		return "", false
	}
	return uid, true
}

// bearerPrincipal validates the Authorization header against oauthServer,
// enforces slug-binding when slug is non-empty, and writes the 401
// challenge (WWW-Authenticate + authorization_url body) on failure.
func (g *Gateway) bearerPrincipal(r *http.Request, w http.ResponseWriter, slug string) (*oauth.Principal, bool) {
	authz := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || raw == "" {
		g.writeUnauthorized(w, slug)
		return nil, false
	}

	principal, err := g.OAuth.ValidateAccessToken(r.Context(), g.Sessions, raw)
	if err != nil {
		g.writeUnauthorized(w, slug)
		return nil, false
	}
	if slug != "" {
		if err := principal.RequireSlug(slug); err != nil {
			gwerrors.WriteJSON(w, err)
			return nil, false
		}
	}
	return principal, true
}

// writeUnauthorized writes the MCP 401 challenge: a
// WWW-Authenticate header pointing at protected-resource metadata and an
// authorization_url field an MCP client can navigate to directly.
func (g *Gateway) writeUnauthorized(w http.ResponseWriter, slug string) {
	resourceMetadata := g.Issuer + "/.well-known/oauth-protected-resource"
	authorizationURL := g.Issuer + "/authorize"
	if slug != "" {
		resourceMetadata = g.Issuer + "/mcp/" + slug + "/.well-known/oauth-protected-resource"
		authorizationURL += "?mcp_slug=" + slug
	}
	w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="`+resourceMetadata+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":             "unauthorized",
		"message":           "a valid bearer token is required",
		"authorization_url": authorizationURL,
	})
}
