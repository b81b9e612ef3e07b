package httpedge

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/wundergraph/edge-policy-proxy/pkg/originproxy"
	"github.com/wundergraph/edge-policy-proxy/pkg/pipeline"
	"github.com/wundergraph/edge-policy-proxy/pkg/proxyreq"
)

type stubAdmitter struct {
	parsed *proxyreq.ParsedRequest
}

func (s stubAdmitter) Admit(r *http.Request) (*proxyreq.ParsedRequest, *proxyreq.ParseError) {
	return s.parsed, nil
}

func TestServeHTTPWritesShapedResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"data":{"me":"me"}}`))
	}))
	defer origin.Close()

	originURL, _ := url.Parse(origin.URL)
	h := &Handler{
		Pipeline: &pipeline.Pipeline{
			Admitter:  stubAdmitter{parsed: &proxyreq.ParsedRequest{Query: "query me { me }", Headers: http.Header{}}},
			Forwarder: &originproxy.Forwarder{OriginURL: originURL},
		},
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("content-type"); ct == "" {
		t.Fatal("expected content-type header to be forwarded")
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty body")
	}
}
