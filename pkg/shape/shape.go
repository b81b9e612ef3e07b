// Package shape implements stage (4) of the pipeline: masking suggestion
// text, stripping extensions, and rewriting response framing headers, per
// §4.6.
package shape

import (
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wundergraph/edge-policy-proxy/pkg/operationreport"
)

var suggestionPattern = regexp.MustCompile(`Did you mean ".+"`)

// Rules configures shaping behaviour, sourced from response_rules (§6).
type Rules struct {
	RemoveExtensions bool
	// ErrorMask, when non-nil, enables suggestion masking and names the
	// replacement text (default "[Suggestion hidden]" at the composition
	// root).
	ErrorMask *string
}

// ClientResponse is the response actually written back to the client.
type ClientResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func shapable(resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	ct, _, _ := strings.Cut(resp.Header.Get("content-type"), ";")
	ct = strings.TrimSpace(ct)
	return ct == "application/json" || ct == "application/graphql-response+json"
}

// Shape applies the §4.6 transformations when resp is eligible, and passes
// through unchanged otherwise.
func Shape(resp *http.Response, rules Rules) (*ClientResponse, *operationreport.ExternalError) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, operationreport.ErrCannotParseResponse(err)
	}
	resp.Body.Close()

	if !shapable(resp) {
		return &ClientResponse{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
	}

	if !gjson.ValidBytes(body) {
		return nil, operationreport.ErrCannotParseResponse(nil)
	}

	out := body

	if rules.ErrorMask != nil {
		errs := gjson.GetBytes(out, "errors")
		if errs.IsArray() && len(errs.Array()) > 0 {
			out = maskSuggestions(out, *rules.ErrorMask)
		}
	}

	if rules.RemoveExtensions {
		if gjson.GetBytes(out, "extensions").Exists() {
			if v, err := sjson.DeleteBytes(out, "extensions"); err == nil {
				out = v
			}
		}
	}

	header := rewriteResponseHeaders(resp.Header)

	return &ClientResponse{StatusCode: resp.StatusCode, Header: header, Body: out}, nil
}

func maskSuggestions(body []byte, mask string) []byte {
	errs := gjson.GetBytes(body, "errors")
	out := body
	errs.ForEach(func(key, value gjson.Result) bool {
		msg := value.Get("message").String()
		if !suggestionPattern.MatchString(msg) {
			return true
		}
		masked := suggestionPattern.ReplaceAllString(msg, mask)
		path := "errors." + key.String() + ".message"
		if v, err := sjson.SetBytes(out, path, masked); err == nil {
			out = v
		}
		return true
	})
	return out
}

// rewriteResponseHeaders drops the framing headers the proxy re-emits
// itself and sets the canonical JSON content-type, preserving everything
// else.
func rewriteResponseHeaders(original http.Header) http.Header {
	h := original.Clone()
	h.Del("content-encoding")
	h.Del("content-length")
	h.Del("transfer-encoding")
	h.Set("content-type", "application/json; charset=utf-8")
	return h
}
