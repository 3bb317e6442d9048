package oauth

import (
	"time"

	"github.com/ory/fosite"
)

// NewProvider builds the fosite.OAuth2Provider that drives /authorize and
// /token's actual grant, PKCE, and token-issuance logic: this
// package hand-writes only what fosite has no equivalent for -- RFC 7591
// dynamic client registration and this server's own JSON response shapes,
// which are built by reading fields off fosite's AuthorizeResponder and
// AccessResponder rather than by calling its own canned response writers.
//
// globalSecret is the deployment's SESSION_SECRET: fosite's default HMAC-SHA
// token strategy signs every authorize code, access token, and refresh
// token with it, so it must be the same >=32-byte value the rest of the
// gateway validates at startup.
func NewProvider(store *Store, globalSecret []byte) fosite.OAuth2Provider {
	cfg := &fosite.Config{
		AccessTokenLifespan:           time.Hour,
		AuthorizeCodeLifespan:         10 * time.Minute,
		RefreshTokenLifespan:          30 * 24 * time.Hour,
		GlobalSecret:                  globalSecret,
		EnforcePKCE:                   true,
		EnablePKCEPlainChallengeMethod: false,
		ScopeStrategy:                 fosite.ExactScopeStrategy,
	}
	return fosite.NewOAuth2Provider(store, cfg)
}
