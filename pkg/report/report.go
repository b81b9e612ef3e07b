// Package report implements stage (5) of the pipeline: a structured,
// per-request observability record emitted asynchronously after the
// response is returned to the client, per §4.8.
package report

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Durations holds the four phase timings §3 requires, in milliseconds.
type Durations struct {
	Parsing    int64 `json:"parsing"`
	Proxying   int64 `json:"proxying"`
	Processing int64 `json:"processing"`
	Total      int64 `json:"total"`
}

// ReportedError is the shape used for both upstream GraphQL errors and the
// synthesized fallback derived from an origin status of 400 or above.
type ReportedError struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// Report is the structured outcome of one request, per §3.
type Report struct {
	RequestID      string           `json:"request_id"`
	OK             bool             `json:"ok"`
	OriginStatus   *int             `json:"origin_status,omitempty"`
	OperationName  string           `json:"operation_name,omitempty"`
	Query          string           `json:"query,omitempty"`
	InputSize      int              `json:"input_size"`
	ResponseSize   int              `json:"response_size"`
	ResponseMap    map[string]int   `json:"response_map,omitempty"`
	ResponseShape  uint64           `json:"response_shape_fingerprint,omitempty"`
	Errors         []ReportedError  `json:"errors,omitempty"`
	Durations      Durations        `json:"durations"`
}

// Context is the mutable per-request workspace threaded across stages
// without coupling them to the collector, per §3's ReportContext.
type Context struct {
	StartedAt time.Time

	ParsedAt  *time.Time
	ProxiedAt *time.Time
	ResponseParsedAt *time.Time

	OperationName string
	Query         string
	Variables     map[string]interface{}

	OriginStatus *int
	ResponseSizeHeader string
	ResponseBody []byte

	ParseErr error
	Cancelled bool
}

// NewContext starts a ReportContext at pipeline entry. started_at is
// captured here and is wall-clock monotonic within this one request only
// (§5).
func NewContext() *Context {
	return &Context{StartedAt: time.Now()}
}

func ms(from, to time.Time) int64 {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// Collect computes the final Report from a completed Context. If no hook
// ever fired (ctx.ParsedAt is nil and no ParseErr was recorded), Collect
// returns nil, matching the "pipeline short-circuited before admission"
// case of §4.8.
func Collect(ctx *Context) *Report {
	if ctx.ParsedAt == nil && ctx.ParseErr == nil {
		return nil
	}

	completedAt := time.Now()

	r := &Report{
		RequestID:     uuid.New().String(),
		OperationName: ctx.OperationName,
		Query:         ctx.Query,
		InputSize:     variablesSize(ctx.Variables),
		OriginStatus:  ctx.OriginStatus,
	}

	if ctx.ParseErr != nil {
		r.OK = false
		r.Errors = []ReportedError{{Message: "cannot parse: " + ctx.ParseErr.Error()}}
		r.Durations = Durations{Total: ms(ctx.StartedAt, completedAt)}
		return r
	}

	var parsedAt, proxiedAt, responseParsedAt time.Time
	if ctx.ParsedAt != nil {
		parsedAt = *ctx.ParsedAt
	}
	if ctx.ProxiedAt != nil {
		proxiedAt = *ctx.ProxiedAt
	}
	if ctx.ResponseParsedAt != nil {
		responseParsedAt = *ctx.ResponseParsedAt
	}

	r.Durations = Durations{
		Parsing:    ms(ctx.StartedAt, parsedAt),
		Proxying:   ms(parsedAt, proxiedAt),
		Processing: ms(proxiedAt, responseParsedAt),
		Total:      ms(ctx.StartedAt, completedAt),
	}

	r.ResponseSize = responseSize(ctx.ResponseSizeHeader, ctx.ResponseBody)

	data, hasData := gqlData(ctx.ResponseBody)
	errs, hasErrors := gqlErrors(ctx.ResponseBody)

	statusOK := ctx.OriginStatus != nil && *ctx.OriginStatus >= 200 && *ctx.OriginStatus < 400
	r.OK = !ctx.Cancelled && statusOK && hasData && (!hasErrors || len(errs) == 0)

	switch {
	case hasErrors && len(errs) > 0:
		r.Errors = errs
	case ctx.OriginStatus != nil && *ctx.OriginStatus >= 400:
		r.Errors = []ReportedError{{Message: synthesizedMessage(ctx.ResponseBody), Status: *ctx.OriginStatus}}
	case ctx.Cancelled:
		r.Errors = []ReportedError{{Message: "request cancelled"}}
	}

	if hasData {
		r.ResponseMap = walkResponseMap(data)
		r.ResponseShape = fingerprint(r.ResponseMap)
	}

	return r
}

func variablesSize(vars map[string]interface{}) int {
	if vars == nil {
		return 0
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return 0
	}
	return len(b)
}

func responseSize(sizeHeader string, body []byte) int {
	if sizeHeader != "" {
		if n, err := strconv.Atoi(sizeHeader); err == nil && n >= 0 {
			return n
		}
	}
	return len(body)
}

func gqlData(body []byte) ([]byte, bool) {
	v, dataType, _, err := jsonparser.Get(body, "data")
	if err != nil || dataType == jsonparser.NotExist || dataType == jsonparser.Null {
		return nil, false
	}
	return v, true
}

func gqlErrors(body []byte) ([]ReportedError, bool) {
	v, dataType, _, err := jsonparser.Get(body, "errors")
	if err != nil || dataType != jsonparser.Array {
		return nil, false
	}
	var out []ReportedError
	_, _ = jsonparser.ArrayEach(v, func(value []byte, dataType jsonparser.ValueType, offset int, err error) {
		msg, _ := jsonparser.GetString(value, "message")
		out = append(out, ReportedError{Message: msg})
	})
	return out, true
}

func synthesizedMessage(body []byte) string {
	msg, err := jsonparser.GetString(body, "message")
	if err != nil || msg == "" {
		return "origin returned an error"
	}
	return msg
}

// walkResponseMap performs the depth-first walk of §4.8: array paths get a
// count equal to their length and elements are then walked under that same
// path, aggregating rather than distinguishing by index.
func walkResponseMap(data []byte) map[string]int {
	out := map[string]int{}
	walkValue("$", data, out)
	return out
}

func walkValue(path string, data []byte, out map[string]int) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return
	}
	walkAny(path, v, out)
}

func walkAny(path string, v interface{}, out map[string]int) {
	switch val := v.(type) {
	case nil:
		return
	case map[string]interface{}:
		out[path]++
		for k, child := range val {
			if child == nil {
				continue
			}
			walkAny(path+"."+k, child, out)
		}
	case []interface{}:
		out[path] += len(val)
		for _, elem := range val {
			switch e := elem.(type) {
			case map[string]interface{}:
				for k, child := range e {
					if child == nil {
						continue
					}
					walkAny(path+"."+k, child, out)
				}
			case []interface{}:
				walkAny(path, e, out)
			}
		}
	default:
		out[path]++
	}
}

func fingerprint(m map[string]int) uint64 {
	// Deterministic regardless of Go's randomized map iteration: hash the
	// sorted path=count pairs, not the map itself.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	for _, k := range keys {
		h.WriteString(k)
		h.Write([]byte{0})
		h.WriteString(strconv.Itoa(m[k]))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
