package admission

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jensneuse/abstractlogger"

	"github.com/wundergraph/edge-policy-proxy/pkg/operationreport"
	"github.com/wundergraph/edge-policy-proxy/pkg/opstore"
	"github.com/wundergraph/edge-policy-proxy/pkg/proxyreq"
)

// StoreAdmitter resolves an incoming request's operation identity against a
// preregistered opstore.Store and runs its validator, per §4.4.1. On
// success the query forwarded to the origin always comes from the store,
// never from the request body — the client cannot execute arbitrary
// queries in this mode.
type StoreAdmitter struct {
	Store  *opstore.Store
	Logger abstractlogger.Logger
}

func (a *StoreAdmitter) logger() abstractlogger.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return abstractlogger.NoopLogger
}

// Admit implements the method-sensitive extraction and resolution of
// §4.4.1.
func (a *StoreAdmitter) Admit(r *http.Request) (*proxyreq.ParsedRequest, *proxyreq.ParseError) {
	var name string
	var variables map[string]interface{}
	var ok bool

	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, proxyreq.FromExternal(operationreport.ErrCannotExtractRequest(err))
		}
		// A malformed body is a decode error (§4.4.1 "body decode error"),
		// distinct from a well-formed body simply lacking a recognized name
		// key (handled below as "no operation defined").
		var probe map[string]interface{}
		if err := json.Unmarshal(body, &probe); err != nil {
			return nil, proxyreq.FromExternal(operationreport.ErrCannotExtractRequest(err))
		}
		name, ok = extractNameFromJSON(body)
		if !ok {
			return nil, proxyreq.FromExternal(operationreport.ErrNoOperationDefined())
		}
		variables, _ = extractVariablesFromJSON(body)
	case http.MethodGet:
		q := r.URL.Query()
		name, ok = extractNameFromQuery(q)
		if !ok {
			return nil, proxyreq.FromExternal(operationreport.ErrNoOperationDefined())
		}
		variables, _ = extractVariablesFromQuery(q)
	default:
		return nil, proxyreq.FromExternal(operationreport.ErrMethodNotSupported())
	}

	def, found := a.Store.Get(name)
	if !found {
		return nil, proxyreq.FromExternal(operationreport.ErrOperationNotFound(name))
	}

	parsed := &proxyreq.ParsedRequest{
		Query:         def.QueryText,
		OperationName: def.Name,
		Variables:     variables,
		Headers:       r.Header,
		OperationDef:  def,
	}

	if fn, ok := a.Store.Validator(name); ok {
		if verr := a.runValidator(fn, def, parsed, r); verr != nil {
			return nil, verr
		}
	}

	return parsed, nil
}

func (a *StoreAdmitter) runValidator(fn opstore.Validator, def *opstore.Definition, parsed *proxyreq.ParsedRequest, r *http.Request) (verr *proxyreq.ParseError) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger().Error("validator panicked", abstractlogger.String("recovered", fmt.Sprintf("%v", rec)))
			verr = proxyreq.FromExternal(operationreport.ErrValidatorPanicked())
		}
	}()

	if err := fn(def, parsed, r); err != nil {
		return proxyreq.FromExternal(operationreport.ErrValidationFailed(err.Error()))
	}
	return nil
}
