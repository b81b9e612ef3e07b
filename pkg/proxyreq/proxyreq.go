// Package proxyreq holds the normalized unit of work that flows through the
// pipeline (§3 of the design): ParsedRequest and its sibling failure
// variant, ParseError.
package proxyreq

import (
	"net/http"

	"github.com/wundergraph/edge-policy-proxy/pkg/operationreport"
)

// ParsedRequest is the normalized unit of work produced by stage (1) and
// read-only for the remainder of the request's lifetime. At least one of
// Query or OperationDef is non-empty.
type ParsedRequest struct {
	Query         string
	OperationName string
	Variables     map[string]interface{}

	// Headers is the original request's headers. http.Header already gives
	// us case-insensitive keys with ordered multi-value entries, which is
	// exactly the §3 contract — no third-party multimap is needed here.
	Headers http.Header

	// OperationDef is the resolved operation definition when admission ran
	// in store mode. Opaque here (an interface{}) to avoid a dependency
	// cycle between proxyreq and opstore; callers that need the concrete
	// type assert it back to *opstore.Definition.
	OperationDef interface{}

	// IsPassthrough records whether signature admission admitted this
	// request via a preshared passthrough token rather than a verified
	// signature.
	IsPassthrough bool

	// IsBypass marks a request signature admission decided not to police at
	// all: a non-POST method, which §6 says signature mode forwards to the
	// origin untouched rather than rejecting the way store mode does. The
	// pipeline forwards the original request verbatim and skips shaping and
	// report collection for these.
	IsBypass bool
}

// ParseError is a tagged failure sibling of ParsedRequest. StatusCode is
// always in 400-499.
type ParseError struct {
	StatusCode int
	Message    string
}

func (e *ParseError) Error() string {
	return e.Message
}

// FromExternal lifts an operationreport.ExternalError into the ParseError
// sibling-variant shape stage (1) hands back, keeping message text defined
// once in operationreport rather than duplicated per call site.
func FromExternal(e *operationreport.ExternalError) *ParseError {
	return &ParseError{StatusCode: e.StatusCode, Message: e.Message}
}
