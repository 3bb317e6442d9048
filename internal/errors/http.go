package errors

import (
	"encoding/json"
	"net/http"
)

// StatusCode is the single place that maps an error Kind to an HTTP status.
// Every handler package calls WriteJSON (or StatusCode directly) instead of
// re-deriving its own mapping, so this table is the one and only
// kind-to-status translation in the codebase.
func StatusCode(kind Kind) int {
	switch kind {
	case Validation, UnresolvedArg, Encoding:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden, ContractNotApproved:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case PaymentRequired:
		return http.StatusPaymentRequired
	case Timeout:
		return http.StatusGatewayTimeout
	case Canceled:
		return 499 // client closed request, nginx convention
	case HTTP:
		return http.StatusBadGateway
	case SessionKeyMismatch, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// body is the wire shape for every error response: a kind-distinct code
// alongside a human-readable message, with optional kind-specific data.
type body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// WriteJSON writes err as a JSON error body with the status StatusCode
// derives from its kind. Non-*Error values are treated as Internal and
// never have their text reflected back verbatim.
func WriteJSON(w http.ResponseWriter, err error) {
	var e *Error
	if !as(err, &e) {
		e = New(Internal, "internal error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(e.Type))
	_ = json.NewEncoder(w).Encode(body{Error: string(e.Type), Message: e.Message, Data: e.Data})
}
