// Package errors defines the typed error kinds propagated through every
// layer of the gateway. Handlers map a kind to an HTTP response in exactly
// one place (StatusCode and WriteJSON in this package's http.go); no other
// layer does kind-to-status translation.
package errors

import "fmt"

// Kind enumerates the error kinds the core surfaces, per the error design.
type Kind string

const (
	Validation         Kind = "validation_error"
	Unauthorized       Kind = "unauthorized"
	Forbidden          Kind = "forbidden"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	ContractNotApproved Kind = "contract_not_approved"
	SessionKeyMismatch Kind = "session_key_mismatch"
	UnresolvedArg      Kind = "unresolved_arg"
	Encoding           Kind = "encoding_error"
	HTTP               Kind = "http_error"
	PaymentRequired    Kind = "payment_required"
	Timeout            Kind = "timeout"
	Canceled           Kind = "canceled"
	Internal           Kind = "internal"
)

// Error is the single error type used across the gateway core.
type Error struct {
	Type    Kind
	Message string
	Cause   error

	// Data carries kind-specific structured payload (e.g. ContractNotApproved's
	// approved-contract list). Handlers type-assert as needed.
	Data any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Type: kind, Message: message, Cause: cause}
}

// WithData attaches structured data to an *Error and returns it.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

func NewValidation(message string, cause error) *Error { return New(Validation, message, cause) }
func NewUnauthorized(message string, cause error) *Error { return New(Unauthorized, message, cause) }
func NewForbidden(message string, cause error) *Error  { return New(Forbidden, message, cause) }
func NewNotFound(message string, cause error) *Error   { return New(NotFound, message, cause) }
func NewConflict(message string, cause error) *Error   { return New(Conflict, message, cause) }
func NewInternal(message string, cause error) *Error   { return New(Internal, message, cause) }
func NewTimeout(message string, cause error) *Error    { return New(Timeout, message, cause) }
func NewCanceled(message string, cause error) *Error   { return New(Canceled, message, cause) }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Type == kind
	}
	return false
}

// as is a tiny local errors.As to avoid importing the standard "errors"
// package under a conflicting name in this package named "errors".
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
