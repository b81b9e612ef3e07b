// Package pipeline composes admission, proxying, shaping and report
// collection into the five-stage flow of §2, dispatching the four hook
// points of §4.7 exactly once each, in order, without letting a hook's
// panic escape onto the primary response path.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jensneuse/abstractlogger"

	"github.com/wundergraph/edge-policy-proxy/pkg/originproxy"
	"github.com/wundergraph/edge-policy-proxy/pkg/proxyreq"
	"github.com/wundergraph/edge-policy-proxy/pkg/report"
	"github.com/wundergraph/edge-policy-proxy/pkg/shape"
)

// Admitter is satisfied by admission.StoreAdmitter and
// admission.SignatureAdmitter; the pipeline is admission-mode agnostic.
type Admitter interface {
	Admit(r *http.Request) (*proxyreq.ParsedRequest, *proxyreq.ParseError)
}

// Reporter consumes a finished Report. Implementations own delivery
// (logging, metrics, shipping off-box); the core does not persist reports
// itself (§1 Non-goals).
type Reporter interface {
	Emit(r *report.Report)
}

// Hooks observes, but never vetoes, the pipeline's decisions. Each method
// runs at most once per request, in program order; a panicking hook is
// contained by the orchestrator.
type Hooks interface {
	OnRequestParsed(ctx context.Context, parsed *proxyreq.ParsedRequest, rc *report.Context)
	OnProxied(ctx context.Context, resp *http.Response, rc *report.Context)
	OnResponseParsed(ctx context.Context, resp *shape.ClientResponse, rc *report.Context)
}

// NoopHooks is the zero-cost default.
type NoopHooks struct{}

func (NoopHooks) OnRequestParsed(context.Context, *proxyreq.ParsedRequest, *report.Context) {}
func (NoopHooks) OnProxied(context.Context, *http.Response, *report.Context)                {}
func (NoopHooks) OnResponseParsed(context.Context, *shape.ClientResponse, *report.Context)   {}

// Pipeline wires one admission strategy, one origin forwarder, shaping
// rules, hooks and a reporter into the stage order of §2.
type Pipeline struct {
	Admitter  Admitter
	Forwarder *originproxy.Forwarder

	ShapeRules shape.Rules
	// SkipShapingForPassthrough reproduces the older signature-handler
	// behaviour of applying masking/extensions-stripping only to
	// non-passthrough requests (§4.6, §9 Open Questions). Default false:
	// shaping applies regardless of passthrough status.
	SkipShapingForPassthrough bool

	Hooks    Hooks
	Reporter Reporter
	Logger   abstractlogger.Logger
}

func (p *Pipeline) hooks() Hooks {
	if p.Hooks != nil {
		return p.Hooks
	}
	return NoopHooks{}
}

func (p *Pipeline) logger() abstractlogger.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return abstractlogger.NoopLogger
}

// Handle runs one request through all five stages and returns the response
// to write back to the client. The Report is collected and handed to
// Reporter.Emit on a separate goroutine, after the response has already
// been determined, matching the "emitted asynchronously" contract of §3.
func (p *Pipeline) Handle(ctx context.Context, r *http.Request) *shape.ClientResponse {
	rc := report.NewContext()

	parsed, perr := p.Admitter.Admit(r)
	if perr != nil {
		rc.ParseErr = perr
		p.emit(rc)
		return errorResponse(perr.StatusCode, perr.Message)
	}

	if parsed.IsBypass {
		return p.handleBypass(ctx, r)
	}

	now := time.Now()
	rc.ParsedAt = &now
	rc.OperationName = parsed.OperationName
	rc.Query = parsed.Query
	rc.Variables = parsed.Variables

	p.safeHook(func() { p.hooks().OnRequestParsed(ctx, parsed, rc) })

	resp, ferr := p.Forwarder.Forward(ctx, parsed)
	if ferr != nil {
		p.emit(rc)
		return errorResponse(ferr.StatusCode, ferr.Message)
	}

	proxiedAt := time.Now()
	rc.ProxiedAt = &proxiedAt
	status := resp.StatusCode
	rc.OriginStatus = &status

	p.safeHook(func() { p.hooks().OnProxied(ctx, resp, rc) })

	rawBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		p.emit(rc)
		return errorResponse(500, "internal error")
	}
	rc.ResponseBody = rawBody
	rc.ResponseSizeHeader = resp.Header.Get("content-size")

	select {
	case <-ctx.Done():
		rc.Cancelled = true
		p.emit(rc)
		return errorResponse(500, "internal error")
	default:
	}

	rules := p.ShapeRules
	if parsed.IsPassthrough && p.SkipShapingForPassthrough {
		rules = shape.Rules{}
	}

	resp.Body = io.NopCloser(bytes.NewReader(rawBody))
	shaped, serr := shape.Shape(resp, rules)
	if serr != nil {
		p.emit(rc)
		return errorResponse(serr.StatusCode, serr.Message)
	}

	responseParsedAt := time.Now()
	rc.ResponseParsedAt = &responseParsedAt

	p.safeHook(func() { p.hooks().OnResponseParsed(ctx, shaped, rc) })

	p.emit(rc)

	return shaped
}

// handleBypass forwards a request the admitter decided not to police at all
// (§6: non-POST methods under signature mode) straight to the origin and
// returns the response verbatim. No hook fires, no shaping rule applies and
// no report is collected — there is no ParsedRequest content to report on.
func (p *Pipeline) handleBypass(ctx context.Context, r *http.Request) *shape.ClientResponse {
	resp, ferr := p.Forwarder.ForwardRaw(ctx, r)
	if ferr != nil {
		return errorResponse(ferr.StatusCode, ferr.Message)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(500, "internal error")
	}

	return &shape.ClientResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       rawBody,
	}
}

func (p *Pipeline) emit(rc *report.Context) {
	if p.Reporter == nil {
		return
	}
	go func() {
		if r := report.Collect(rc); r != nil {
			p.Reporter.Emit(r)
		}
	}()
}

// safeHook contains a hook's panic so it never fails the primary response
// path, per §4.7; the exception still reaches the diagnostic sink.
func (p *Pipeline) safeHook(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger().Error("hook panicked", abstractlogger.Error(panicToErr(rec)))
		}
	}()
	fn()
}

func panicToErr(rec interface{}) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return &panicError{rec}
}

type panicError struct{ v interface{} }

func (p *panicError) Error() string { return "panic: " + jsonStringify(p.v) }

func jsonStringify(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "<unprintable>"
	}
	return string(b)
}

func errorResponse(status int, message string) *shape.ClientResponse {
	body, _ := json.Marshal(map[string]string{"message": message})
	h := http.Header{}
	h.Set("content-type", "application/json")
	return &shape.ClientResponse{StatusCode: status, Header: h, Body: body}
}
