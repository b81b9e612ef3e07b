// Package originproxy implements stage (2) of the pipeline: forwarding an
// admitted request to the upstream GraphQL origin with hop headers rewritten
// per §4.5.
package originproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/jensneuse/abstractlogger"

	"github.com/wundergraph/edge-policy-proxy/pkg/operationreport"
	"github.com/wundergraph/edge-policy-proxy/pkg/proxyreq"
)

// Forwarder issues the single outbound POST to the configured origin.
type Forwarder struct {
	OriginURL *url.URL
	Client    *http.Client
	Logger    abstractlogger.Logger
}

func (f *Forwarder) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Forwarder) logger() abstractlogger.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return abstractlogger.NoopLogger
}

type originBody struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operationName"`
}

// Forward issues a POST to the upstream with the hop-header and
// forwarded-for discipline of §4.5. Any I/O failure becomes a
// {500, "internal error"} client-facing error; the caller is responsible
// for preserving the underlying cause in the report.
func (f *Forwarder) Forward(ctx context.Context, parsed *proxyreq.ParsedRequest) (*http.Response, *operationreport.ExternalError) {
	payload, err := json.Marshal(originBody{
		Query:         parsed.Query,
		Variables:     parsed.Variables,
		OperationName: parsed.OperationName,
	})
	if err != nil {
		return nil, operationreport.ErrProxyInternal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.OriginURL.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, operationreport.ErrProxyInternal(err)
	}

	rewriteHopHeaders(req, parsed.Headers, f.OriginURL)

	resp, err := f.client().Do(req)
	if err != nil {
		f.logger().Error("origin fetch failed", abstractlogger.Error(err))
		return nil, operationreport.ErrProxyInternal(err)
	}

	return resp, nil
}

// ForwardRaw forwards a request verbatim to the origin, preserving its
// method, body and query string untouched. Used for the §6 signature-mode
// bypass path, where no policy — admission, shaping or reporting — applies
// to the request.
func (f *Forwarder) ForwardRaw(ctx context.Context, original *http.Request) (*http.Response, *operationreport.ExternalError) {
	target := *f.OriginURL
	target.RawQuery = original.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, original.Method, target.String(), original.Body)
	if err != nil {
		return nil, operationreport.ErrProxyInternal(err)
	}

	rewriteHopHeaders(req, original.Header, f.OriginURL)

	resp, err := f.client().Do(req)
	if err != nil {
		f.logger().Error("origin fetch failed", abstractlogger.Error(err))
		return nil, operationreport.ErrProxyInternal(err)
	}

	return resp, nil
}

// rewriteHopHeaders applies the §4.5 header policy: clone the caller's
// headers, point origin/content-type at the upstream, drop framing headers
// the proxy re-emits itself, and apply forwarded-for discipline without
// ever overwriting a client-supplied X-Forwarded-For.
func rewriteHopHeaders(req *http.Request, original http.Header, origin *url.URL) {
	for k, vs := range original {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("origin", origin.Scheme+"://"+origin.Host)
	req.Header.Set("content-type", "application/json")
	req.Header.Del("content-length")
	req.Header.Del("content-encoding")
	req.Header.Del("host")
	req.Header.Del("transfer-encoding")

	if req.Header.Get("X-Forwarded-Proto") == "" {
		req.Header.Set("X-Forwarded-Proto", "https")
	}
	if host := original.Get("Host"); host != "" {
		req.Header.Set("X-Forwarded-Host", host)
	}

	if req.Header.Get("X-Forwarded-For") == "" {
		clientIP := original.Get("cf-connecting-ip")
		if clientIP == "" {
			clientIP = original.Get("x-real-ip")
		}
		if clientIP != "" {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
	}
}
