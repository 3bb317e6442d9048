package oauth

import (
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"net/http"
)

func urlQueryEscape(s string) string { return url.QueryEscape(s) }

// chiSlugParam reads the "slug" URL parameter set by the gateway's
// /mcp/{slug}/... route mounting, then an "mcp/{slug}" suffix matched by
// the discovery routes' trailing wildcard, falling back to the mcp_slug
// query parameter used by unslugged discovery requests.
func chiSlugParam(r *http.Request) string {
	if slug := chi.URLParam(r, "slug"); slug != "" {
		return slug
	}
	if rest := chi.URLParam(r, "*"); strings.HasPrefix(rest, "mcp/") {
		return strings.Trim(strings.TrimPrefix(rest, "mcp/"), "/")
	}
	return r.URL.Query().Get("mcp_slug")
}
