// Package oauth implements the OAuth 2.1 + PKCE authorization server:
// discovery, dynamic client registration, the authorize and token
// endpoints, and bearer token validation.
package oauth

import (
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ory/fosite"
)

const schemeHTTP = "http"

// Client is a registered OAuth client. It embeds fosite.DefaultClient so it
// is the fosite.Client fosite.OAuth2Provider itself validates on every
// authorize and token call: redirect URIs, grant/response types, requested
// scopes, and (via GetHashedSecret against the configured Hasher) the
// client_secret_post credential are all checked by fosite against this
// type, not by hand-rolled comparisons in this package.
type Client struct {
	*fosite.DefaultClient

	ClientName string
	ClientURI  string
	LogoURI    string
	CreatedAt  time.Time
}

// NewClient wraps redirect URIs, a bcrypt secret hash, and allowed scopes
// into the fosite.DefaultClient fosite's provider will drive.
func NewClient(id string, redirectURIs []string, secretHash string, allowedScopes []string) *Client {
	return &Client{
		DefaultClient: &fosite.DefaultClient{
			ID:            id,
			Secret:        []byte(secretHash),
			RedirectURIs:  redirectURIs,
			GrantTypes:    fosite.Arguments{"authorization_code"},
			ResponseTypes: fosite.Arguments{"code"},
			Scopes:        allowedScopes,
			Public:        secretHash == "",
		},
	}
}

// HasScope reports whether scope is in the client's allowed scope set. Used
// by POST /authorize (AuthorizeSubmit) to check each approved scope against
// the client's set.
func (c *Client) HasScope(scope string) bool {
	for _, s := range c.DefaultClient.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// MatchRedirectURI reports whether requestedURI matches one of the client's
// registered redirect URIs, with RFC 8252 §7.3 loopback-port wildcarding
// that fosite's own exact-match redirect_uri validation does not perform.
// Handlers call this before handing a request to fosite so a loopback
// client's ephemeral port is accepted.
func (c *Client) MatchRedirectURI(requestedURI string) bool {
	for _, registered := range c.GetRedirectURIs() {
		if matchesRedirectURI(requestedURI, registered) {
			return true
		}
	}
	return false
}

// FositeRedirectURI returns the exact registered redirect URI that fosite's
// internal NewAuthorizeRequest validation should see for requestedURI:
// requestedURI itself if it is registered verbatim, or whichever registered
// loopback URI it wildcard-matched. The handler still builds the actual
// redirect response from the client's literal requestedURI -- this value
// only stands in for fosite's own exact-match check, which has no wildcard
// concept of its own.
func (c *Client) FositeRedirectURI(requestedURI string) string {
	for _, registered := range c.GetRedirectURIs() {
		if requestedURI == registered {
			return requestedURI
		}
	}
	for _, registered := range c.GetRedirectURIs() {
		if matchesAsLoopback(requestedURI, registered) {
			return registered
		}
	}
	return requestedURI
}

func matchesRedirectURI(requestedURI, registeredURI string) bool {
	if requestedURI == registeredURI {
		return true
	}
	return matchesAsLoopback(requestedURI, registeredURI)
}

// matchesAsLoopback implements RFC 8252 §7.3: loopback redirect URIs use
// http, host is 127.0.0.1/[::1]/localhost, and any port is permitted as
// long as scheme, host, path and query all otherwise match.
func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	if requested.Scheme != schemeHTTP || registered.Scheme != schemeHTTP {
		return false
	}
	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}
	if !strings.EqualFold(requested.Hostname(), registered.Hostname()) {
		return false
	}
	if requested.Path != registered.Path {
		return false
	}
	if requested.RawQuery != registered.RawQuery {
		return false
	}
	return true
}

// IsLoopbackHost reports whether hostname is a loopback address per
// RFC 8252 §7.3 (127.0.0.1, ::1, or localhost).
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

var _ fosite.Client = (*Client)(nil)
