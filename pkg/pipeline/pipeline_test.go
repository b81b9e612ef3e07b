package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/wundergraph/edge-policy-proxy/pkg/originproxy"
	"github.com/wundergraph/edge-policy-proxy/pkg/proxyreq"
	"github.com/wundergraph/edge-policy-proxy/pkg/report"
	"github.com/wundergraph/edge-policy-proxy/pkg/shape"
)

type stubAdmitter struct {
	parsed *proxyreq.ParsedRequest
	err    *proxyreq.ParseError
}

func (s stubAdmitter) Admit(r *http.Request) (*proxyreq.ParsedRequest, *proxyreq.ParseError) {
	return s.parsed, s.err
}

type capturingReporter struct {
	mu      sync.Mutex
	reports []*report.Report
}

func (c *capturingReporter) Emit(r *report.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
}

func (c *capturingReporter) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

func TestHandleSuccessPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"data":{"me":"me"},"errors":[]}`))
	}))
	defer srv.Close()

	originURL, _ := url.Parse(srv.URL)
	p := &Pipeline{
		Admitter:  stubAdmitter{parsed: &proxyreq.ParsedRequest{Query: "query me { me }", Headers: http.Header{}}},
		Forwarder: &originproxy.Forwarder{OriginURL: originURL},
	}

	resp := p.Handle(context.Background(), httptest.NewRequest(http.MethodPost, "/", nil))
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleBypassForwardsRawAndSkipsReporting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected origin to see GET, got %s", r.Method)
		}
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("raw upstream body"))
	}))
	defer srv.Close()

	originURL, _ := url.Parse(srv.URL)
	reporter := &capturingReporter{}
	hooks := countingHooks{counts: map[string]int{}}
	p := &Pipeline{
		Admitter:  stubAdmitter{parsed: &proxyreq.ParsedRequest{Headers: http.Header{}, IsBypass: true}},
		Forwarder: &originproxy.Forwarder{OriginURL: originURL},
		Reporter:  reporter,
		Hooks:     hooks,
	}

	resp := p.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected raw upstream status to pass through, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "raw upstream body" {
		t.Fatalf("expected raw upstream body to pass through untouched, got %q", resp.Body)
	}

	time.Sleep(10 * time.Millisecond)
	if reporter.len() != 0 {
		t.Fatal("expected no report collected for a bypassed request")
	}
	for k, v := range hooks.counts {
		if v != 0 {
			t.Fatalf("expected hook %s not to run for a bypassed request, ran %d times", k, v)
		}
	}
}

func TestHandleAdmissionFailureEmitsReport(t *testing.T) {
	reporter := &capturingReporter{}
	p := &Pipeline{
		Admitter: stubAdmitter{err: &proxyreq.ParseError{StatusCode: 403, Message: "nope"}},
		Reporter: reporter,
	}

	resp := p.Handle(context.Background(), httptest.NewRequest(http.MethodPost, "/", nil))
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	waitForReports(t, reporter, 1)
	reporter.mu.Lock()
	ok := reporter.reports[0].OK
	reporter.mu.Unlock()
	if ok {
		t.Fatal("expected ok=false for admission failure report")
	}
}

func TestHooksRunExactlyOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"data":{"me":"me"}}`))
	}))
	defer srv.Close()

	originURL, _ := url.Parse(srv.URL)
	counts := map[string]int{}
	hooks := countingHooks{counts: counts}

	p := &Pipeline{
		Admitter:  stubAdmitter{parsed: &proxyreq.ParsedRequest{Query: "query me { me }", Headers: http.Header{}}},
		Forwarder: &originproxy.Forwarder{OriginURL: originURL},
		Hooks:     hooks,
	}

	p.Handle(context.Background(), httptest.NewRequest(http.MethodPost, "/", nil))

	for _, k := range []string{"parsed", "proxied", "response"} {
		if counts[k] != 1 {
			t.Fatalf("expected hook %s to run exactly once, ran %d times", k, counts[k])
		}
	}
}

type countingHooks struct {
	counts map[string]int
}

func (h countingHooks) OnRequestParsed(context.Context, *proxyreq.ParsedRequest, *report.Context) {
	h.counts["parsed"]++
}
func (h countingHooks) OnProxied(context.Context, *http.Response, *report.Context) {
	h.counts["proxied"]++
}
func (h countingHooks) OnResponseParsed(context.Context, *shape.ClientResponse, *report.Context) {
	h.counts["response"]++
}

func waitForReports(t *testing.T, r *capturingReporter, n int) {
	t.Helper()
	for i := 0; i < 100 && r.len() < n; i++ {
		// reports are emitted asynchronously; give the goroutine a chance.
		<-time.After(time.Millisecond)
	}
	if r.len() < n {
		t.Fatalf("expected at least %d reports, got %d", n, r.len())
	}
}
