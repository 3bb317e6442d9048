package oauth

import (
	"encoding/json"
	"net/http"

	"github.com/ory/fosite"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
)

// writeError writes err as the package's standard JSON error body. The
// kind-to-status mapping itself lives in internal/errors so every package
// shares the same translation table.
func writeError(w http.ResponseWriter, err error) {
	gwerrors.WriteJSON(w, err)
}

// writeFositeError translates an error returned by fosite.OAuth2Provider
// (NewAuthorizeRequest, NewAuthorizeResponse, NewAccessRequest,
// NewAccessResponse) into an RFC 6749 error body, instead of calling
// fosite's own WriteAuthorizeError/WriteAccessError, which would write its
// OIDC-flavored body shape rather than this server's.
func writeFositeError(w http.ResponseWriter, err error) {
	rfcErr := fosite.ErrorToRFC6749Error(err)
	status := rfcErr.StatusCode()
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             rfcErr.ErrorField,
		"error_description": rfcErr.GetDescription(),
	})
}
