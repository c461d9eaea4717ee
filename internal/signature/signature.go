// Package signature computes and verifies HMAC-SHA256 payload signatures.
//
// The signature is computed over the exact serialized bytes sent as the
// request body, so receivers can verify against the bytes they read off the
// wire without re-serializing.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Prefix identifies the digest algorithm in the signature header value.
const Prefix = "sha256="

// Sign returns the hex-encoded HMAC-SHA256 of payload keyed by secret,
// prefixed with the algorithm identifier.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches the HMAC-SHA256 of payload keyed by
// secret. Comparison is constant-time.
func Verify(payload []byte, secret, sig string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}
