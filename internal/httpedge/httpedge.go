// Package httpedge adapts pkg/pipeline.Pipeline to net/http.Handler. It is
// the hosting-runtime boundary §1 explicitly places outside the core: it
// owns no policy decisions, only request/response plumbing.
package httpedge

import (
	"net/http"

	"github.com/jensneuse/abstractlogger"

	"github.com/wundergraph/edge-policy-proxy/pkg/pipeline"
)

// Handler wires one Pipeline to an http.Handler.
type Handler struct {
	Pipeline *pipeline.Pipeline
	Logger   abstractlogger.Logger
}

func (h *Handler) logger() abstractlogger.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return abstractlogger.NoopLogger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Pipeline.Handle(r.Context(), r)

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger().Error("writing response failed", abstractlogger.Error(err))
	}
}
