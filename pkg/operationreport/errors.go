// Package operationreport carries the fixed, taxonomy-tagged errors the
// core surfaces to clients. No stage may let a raw parser, network or crypto
// error reach a caller; internal detail is logged, not serialized.
package operationreport

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ExternalError is a client-facing failure with a fixed HTTP status and a
// message safe to serialize verbatim as {"message": "..."}.
type ExternalError struct {
	StatusCode int
	Message    string
	// Internal holds the underlying cause for logging. Never rendered to
	// the client.
	Internal error
}

func (e *ExternalError) Error() string {
	return e.Message
}

func (e *ExternalError) Unwrap() error {
	return e.Internal
}

func newErr(status int, msg string) *ExternalError {
	return &ExternalError{StatusCode: status, Message: msg}
}

func wrapErr(status int, msg string, cause error) *ExternalError {
	if cause == nil {
		return newErr(status, msg)
	}
	return &ExternalError{StatusCode: status, Message: msg, Internal: xerrors.Errorf("%s: %w", msg, cause)}
}

// Routing (404)
func ErrMethodNotSupported() *ExternalError { return newErr(404, "method not supported") }
func ErrNoOperationDefined() *ExternalError { return newErr(404, "no operation defined") }
func ErrOperationNotFound(name string) *ExternalError {
	return newErr(404, fmt.Sprintf("operation %s not found", name))
}
// ErrCannotExtractRequest is the §4.4.1 "body decode error" case: the
// client-facing message prefers the decoder's own message over the fixed
// fallback, since a malformed-body error is safe (and useful) to surface
// verbatim, unlike the crypto/network internals the other constructors here
// deliberately mask.
func ErrCannotExtractRequest(cause error) *ExternalError {
	msg := "cannot extract request"
	if cause != nil {
		msg = cause.Error()
	}
	return wrapErr(404, msg, cause)
}

// Admission (403)
func ErrSignatureNotDefined() *ExternalError  { return newErr(403, "signature not defined") }
func ErrBodyNotValid() *ExternalError         { return newErr(403, "not valid body") }
func ErrMissingQueryInBody() *ExternalError   { return newErr(403, "Missing query in body") }
func ErrCannotParseQuery() *ExternalError     { return newErr(403, "cannot parse query") }
func ErrInvalidSignature() *ExternalError     { return newErr(403, "Invalid x-proxy-op-hash header") }

// Validation (400)
func ErrValidationFailed(msg string) *ExternalError { return newErr(400, msg) }
func ErrValidatorPanicked() *ExternalError          { return newErr(400, "input validation") }

// Proxy transport (500)
func ErrProxyInternal(cause error) *ExternalError {
	return wrapErr(500, "internal error", cause)
}

// Downstream shape (406)
func ErrCannotParseResponse(cause error) *ExternalError {
	return wrapErr(406, "cannot parse response", cause)
}
