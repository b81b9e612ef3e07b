package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/jensneuse/abstractlogger"

	"github.com/wundergraph/edge-policy-proxy/pkg/canonical"
	"github.com/wundergraph/edge-policy-proxy/pkg/operationreport"
	"github.com/wundergraph/edge-policy-proxy/pkg/proxyreq"
	"github.com/wundergraph/edge-policy-proxy/pkg/security"
)

const (
	headerOpHash      = "x-proxy-op-hash"
	headerPassSecret  = "x-proxy-pass-secret"
)

// Secret configures the HMAC key and algorithm signature admission verifies
// op-hash headers against.
type Secret struct {
	Value     string
	Algorithm security.Algorithm
}

// SignatureAdmitter verifies either a preshared passthrough token or an
// HMAC signature over the canonical query document, per §4.4.2.
type SignatureAdmitter struct {
	// PassThroughHash is the SHA-256 hex of the expected passthrough token.
	PassThroughHash string
	// SignSecret is optional; when nil, signature verification (steps 2
	// and 5 of §4.4.2) is skipped entirely.
	SignSecret *Secret
	MaxTokens  int
	Cache      *canonical.Cache
	Logger     abstractlogger.Logger
}

func (a *SignatureAdmitter) logger() abstractlogger.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return abstractlogger.NoopLogger
}

type signatureBody struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

// Admit runs the six steps of §4.4.2 in order. Whenever a sign secret is
// configured, the missing-header rejection (cheap to check) is deferred
// until after a dummy HMAC computation, so it is not a bare early return
// (§5's timing discipline).
func (a *SignatureAdmitter) Admit(r *http.Request) (*proxyreq.ParsedRequest, *proxyreq.ParseError) {
	// §6: non-POST methods are passed through in signature mode with no
	// policy applied at all, unlike store mode's 404. No passthrough check,
	// no dummy HMAC, no body read — the pipeline forwards the request
	// untouched and skips shaping and reporting for it.
	if r.Method != http.MethodPost {
		return &proxyreq.ParsedRequest{Headers: r.Header, IsBypass: true}, nil
	}

	isPassthrough := a.checkPassthrough(r)

	algo := security.SHA256
	if a.SignSecret != nil && a.SignSecret.Algorithm != "" {
		algo = a.SignSecret.Algorithm
	}

	opHash := r.Header.Get(headerOpHash)
	missingOpHash := opHash == ""

	if a.SignSecret != nil {
		// Spend one HMAC computation here whether or not the op-hash header
		// is missing, so the missing-header rejection still pays for it.
		security.DummyHMAC(algo)
		if !isPassthrough && missingOpHash {
			return nil, proxyreq.FromExternal(operationreport.ErrSignatureNotDefined())
		}
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, proxyreq.FromExternal(operationreport.ErrBodyNotValid())
	}

	var body signatureBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, proxyreq.FromExternal(operationreport.ErrBodyNotValid())
	}
	if body.Query == "" {
		return nil, proxyreq.FromExternal(operationreport.ErrMissingQueryInBody())
	}

	doc, failure := canonical.Parse(body.Query, a.MaxTokens, a.Cache)
	if failure != nil {
		return nil, proxyreq.FromExternal(operationreport.ErrCannotParseQuery())
	}
	canonicalDoc := canonical.Canonical(doc, a.Cache)

	if a.SignSecret != nil && !isPassthrough {
		expected := security.HMACHex([]byte(a.SignSecret.Value), canonicalDoc, algo)
		if !security.Equal(expected, opHash) {
			return nil, proxyreq.FromExternal(operationreport.ErrInvalidSignature())
		}
	}

	return &proxyreq.ParsedRequest{
		Query:         body.Query,
		OperationName: body.OperationName,
		Variables:     body.Variables,
		Headers:       r.Header,
		IsPassthrough: isPassthrough,
	}, nil
}

// checkPassthrough computes step 1 of §4.4.2. It runs for every POST, even
// when PassThroughHash is unconfigured; a missing passthrough header returns
// false without hashing anything.
func (a *SignatureAdmitter) checkPassthrough(r *http.Request) bool {
	token := r.Header.Get(headerPassSecret)
	if token == "" {
		return false
	}

	sum := sha256.Sum256([]byte(token))
	hexSum := hex.EncodeToString(sum[:])
	return security.Equal(hexSum, a.PassThroughHash)
}
