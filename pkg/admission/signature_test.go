package admission

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wundergraph/edge-policy-proxy/pkg/canonical"
	"github.com/wundergraph/edge-policy-proxy/pkg/security"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestPassthroughBypass(t *testing.T) {
	a := &SignatureAdmitter{PassThroughHash: sha256Hex("pass")}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"query":"query me { me }"}`))
	req.Header.Set(headerPassSecret, "pass")

	parsed, err := a.Admit(req)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !parsed.IsPassthrough {
		t.Fatal("expected IsPassthrough true")
	}
}

func TestWrongPassthrough(t *testing.T) {
	a := &SignatureAdmitter{PassThroughHash: sha256Hex("pass")}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"query":"query me { me }"}`))
	req.Header.Set(headerPassSecret, "KABOOM")
	req.Header.Set(headerOpHash, "irrelevant")

	// Without a sign secret a wrong passthrough token is still admitted;
	// the non-matching op-hash header is rejected only when a secret is
	// configured. Configure one to exercise the mismatch path.
	a.SignSecret = &Secret{Value: "signature"}

	_, err := a.Admit(req)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if err.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", err.StatusCode)
	}
	if err.Message != "Invalid x-proxy-op-hash header" {
		t.Fatalf("unexpected message: %s", err.Message)
	}
}

func TestSignedHappyPath(t *testing.T) {
	cache := canonical.NewCache(16)
	a := &SignatureAdmitter{SignSecret: &Secret{Value: "signature"}, Cache: cache}

	doc, failure := canonical.Parse("query me {me}", 0, cache)
	if failure != nil {
		t.Fatalf("unexpected parse failure: %v", failure)
	}
	canonicalForm := canonical.Canonical(doc, cache)
	sig := security.HMACHex([]byte("signature"), canonicalForm, security.SHA256)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"query":"query me {me}"}`))
	req.Header.Set(headerOpHash, sig)

	parsed, err := a.Admit(req)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if parsed.Query != "query me {me}" {
		t.Fatalf("unexpected query: %s", parsed.Query)
	}
}

func TestTokenOverflow(t *testing.T) {
	a := &SignatureAdmitter{MaxTokens: 5}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"query":"query me {me b a c d}"}`))

	_, err := a.Admit(req)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if err.StatusCode != 403 || err.Message != "cannot parse query" {
		t.Fatalf("unexpected error: %+v", err)
	}
}

func TestNonPostBypassesSignaturePolicy(t *testing.T) {
	a := &SignatureAdmitter{SignSecret: &Secret{Value: "signature"}}

	req := httptest.NewRequest(http.MethodGet, "/", nil)

	parsed, err := a.Admit(req)
	if err != nil {
		t.Fatalf("expected no policy applied, got error %+v", err)
	}
	if !parsed.IsBypass {
		t.Fatal("expected IsBypass true for a non-POST method")
	}
}

func TestMissingSignatureHeader(t *testing.T) {
	a := &SignatureAdmitter{SignSecret: &Secret{Value: "signature"}}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"query":"query me {me}"}`))

	_, err := a.Admit(req)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if err.Message != "signature not defined" {
		t.Fatalf("unexpected message: %s", err.Message)
	}
}
