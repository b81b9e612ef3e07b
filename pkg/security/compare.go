// Package security implements the timing-safe comparison and HMAC helpers
// admission relies on to verify signed operations without leaking length or
// prefix information through wall-clock timing.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
)

// Algorithm selects the hash underlying HMACHex. Chosen by configuration,
// never by request input.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256" // default
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"
)

func newHash(algo Algorithm) func() hash.Hash {
	switch algo {
	case SHA1:
		return sha1.New
	case SHA384:
		return sha512.New384
	case SHA512:
		return sha512.New
	case SHA256, "":
		return sha256.New
	default:
		return sha256.New
	}
}

// HMACHex returns the lowercase hex HMAC of message under keyMaterial using
// algo (SHA256 when algo is empty).
func HMACHex(keyMaterial, message []byte, algo Algorithm) string {
	mac := hmac.New(newHash(algo), keyMaterial)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal reports whether left and right are byte-identical without letting
// wall-clock runtime vary with how many leading bytes match. It generates a
// fresh random secret per call, HMACs both inputs under it, and compares the
// resulting equal-length digests with subtle.ConstantTimeCompare — this
// additionally defeats attacks against any fast-path short-circuit an
// underlying string compare might apply to the raw inputs themselves.
func Equal(left, right string) bool {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		// crypto/rand.Read failing means the platform CSPRNG is broken;
		// fail closed rather than fall back to a non-constant compare.
		return false
	}

	l := hmacBytes(secret, []byte(left))
	r := hmacBytes(secret, []byte(right))

	return subtle.ConstantTimeCompare(l, r) == 1
}

func hmacBytes(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// DummyHMAC performs an HMAC computation of comparable cost to a real
// signature verification, with no side effects, so a rejection branch that
// short-circuits on a missing header can still spend the time a genuine
// verification would (§5 timing discipline).
func DummyHMAC(algo Algorithm) {
	_ = HMACHex([]byte("dummy-key"), []byte("dummy-message"), algo)
}
