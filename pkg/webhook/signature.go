package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// verifySignature checks a "sha256=<hex>" HMAC of body.
func verifySignature(body []byte, signature string, secret string) bool {
	expected := computeHMACSHA256(body, secret)
	// Timing-safe comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// computeHMACSHA256 computes HMAC-SHA256 signature
func computeHMACSHA256(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
