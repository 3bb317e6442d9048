package oauth

import (
	"encoding/json"
	"net/http"

	"github.com/ory/fosite"
)

// SupportedScopes is the fixed scope vocabulary advertised by discovery.
var SupportedScopes = []string{"x402:payments", "mcp:tools", "workflow:token-approvals"}

// Server holds the configuration discovery and the other endpoints need:
// the issuer, the MCP public URL (for slug-aware protected-resource
// metadata), the backing Store, and the fosite.OAuth2Provider (built via
// NewProvider) that actually drives the authorize/token grant pipeline.
type Server struct {
	Issuer       string
	McpPublicURL string
	Store        *Store
	Provider     fosite.OAuth2Provider
}

func noStoreJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type authorizationServerMetadata struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	RegistrationEndpoint             string   `json:"registration_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// AuthorizationServerMetadata implements GET
// /.well-known/oauth-authorization-server[/mcp/{slug}] (RFC 8414).
func (s *Server) AuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	slug := chiSlugParam(r)
	authEndpoint := s.Issuer + "/authorize"
	regEndpoint := s.Issuer + "/register"
	if slug != "" {
		authEndpoint += "?mcp_slug=" + urlQueryEscape(slug)
		regEndpoint += "?mcp_slug=" + urlQueryEscape(slug)
	}
	noStoreJSON(w, http.StatusOK, authorizationServerMetadata{
		Issuer:                            s.Issuer,
		AuthorizationEndpoint:             authEndpoint,
		TokenEndpoint:                     s.Issuer + "/token",
		RegistrationEndpoint:              regEndpoint,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		ScopesSupported:                   SupportedScopes,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
	})
}

// OpenIDConfiguration mirrors AuthorizationServerMetadata's content for
// clients that only know the OIDC discovery path.
func (s *Server) OpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	s.AuthorizationServerMetadata(w, r)
}

type protectedResourceMetadata struct {
	Resource              string   `json:"resource"`
	AuthorizationServers  []string `json:"authorization_servers"`
	ScopesSupported       []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// ProtectedResourceMetadata implements GET
// /.well-known/oauth-protected-resource[/mcp/{slug}] (RFC 9728).
func (s *Server) ProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	slug := chiSlugParam(r)
	resource := s.McpPublicURL + "/mcp"
	authServers := []string{s.Issuer}
	if slug != "" {
		resource = s.McpPublicURL + "/mcp/" + slug
		authServers = []string{s.Issuer + "/oauth/" + slug}
	}
	noStoreJSON(w, http.StatusOK, protectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   authServers,
		ScopesSupported:        SupportedScopes,
		BearerMethodsSupported: []string{"header"},
	})
}
