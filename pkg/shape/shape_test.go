package shape

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func newResponse(status int, contentType, body string) *http.Response {
	h := http.Header{}
	h.Set("content-type", contentType)
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestShapePassesThroughNonJSON(t *testing.T) {
	resp := newResponse(200, "text/plain", "works")

	out, err := Shape(resp, Rules{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out.Body) != "works" {
		t.Fatalf("expected passthrough body, got %q", out.Body)
	}
}

func TestShapeMasksSuggestions(t *testing.T) {
	mask := "[Suggestion hidden]"
	resp := newResponse(200, "application/json", `{"data":null,"errors":[{"message":"Did you mean \"Type ABC\""}]}`)

	out, err := Shape(resp, Rules{ErrorMask: &mask})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out.Body), `"message":"[Suggestion hidden]"`) {
		t.Fatalf("expected masked message, got %s", out.Body)
	}
}

func TestShapeRemovesExtensions(t *testing.T) {
	resp := newResponse(200, "application/json", `{"data":{"me":"me"},"extensions":{"trace":1}}`)

	out, err := Shape(resp, Rules{RemoveExtensions: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(out.Body), "extensions") {
		t.Fatalf("expected extensions to be removed, got %s", out.Body)
	}
}

func TestShapeIdempotent(t *testing.T) {
	mask := "[Suggestion hidden]"
	rules := Rules{ErrorMask: &mask, RemoveExtensions: true}

	resp1 := newResponse(200, "application/json", `{"data":null,"errors":[{"message":"Did you mean \"X\""}],"extensions":{}}`)
	once, err := Shape(resp1, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp2 := newResponse(200, "application/json", string(once.Body))
	twice, err := Shape(resp2, rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(once.Body) != string(twice.Body) {
		t.Fatalf("expected idempotent shaping, got %q != %q", once.Body, twice.Body)
	}
}

func TestShapeUnparseableBody(t *testing.T) {
	resp := newResponse(200, "application/json", `not json`)

	_, err := Shape(resp, Rules{})
	if err == nil || err.StatusCode != 406 {
		t.Fatalf("expected 406, got %+v", err)
	}
}
