package adapter

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"net/http"
	"strings"
)

// Signature header names checked on inbound webhooks, in priority order.
var signatureHeaders = []string{
	"X-Hub-Signature-256",
	"X-Hub-Signature",
	"X-Tiktok-Signature",
}

// SignatureFromHeader returns the first known signature header present.
func SignatureFromHeader(h http.Header) string {
	for _, name := range signatureHeaders {
		if val := strings.TrimSpace(h.Get(name)); val != "" {
			return val
		}
	}
	return ""
}

// VerifySignature checks an HMAC hex signature over the raw payload bytes.
// The signature header may carry a "sha256=" or "sha1=" prefix. Missing
// signature or secret fails closed. Comparison is constant time; a length
// mismatch short-circuits to false before any byte comparison.
func VerifySignature(payload []byte, signatureHeader, secret, algorithm string) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if len(payload) == 0 || signatureHeader == "" || secret == "" {
		return false
	}

	switch {
	case strings.HasPrefix(signatureHeader, "sha256="):
		signatureHeader = strings.TrimPrefix(signatureHeader, "sha256=")
		algorithm = "sha256"
	case strings.HasPrefix(signatureHeader, "sha1="):
		signatureHeader = strings.TrimPrefix(signatureHeader, "sha1=")
		algorithm = "sha1"
	}

	var newHash func() hash.Hash
	switch strings.ToLower(algorithm) {
	case "sha1":
		newHash = sha1.New
	case "", "sha256":
		newHash = sha256.New
	default:
		return false
	}

	provided, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}

	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if len(provided) != len(expected) {
		return false
	}
	return hmac.Equal(provided, expected)
}

// VerifyMetaSignature verifies a Meta (WhatsApp Cloud, Instagram, Facebook)
// webhook signature, fixed to HMAC-SHA256.
func VerifyMetaSignature(payload []byte, signatureHeader, secret string) bool {
	return VerifySignature(payload, signatureHeader, secret, "sha256")
}

// VerifyTikTokSignature verifies a TikTok webhook signature, fixed to
// HMAC-SHA256.
func VerifyTikTokSignature(payload []byte, signatureHeader, secret string) bool {
	return VerifySignature(payload, signatureHeader, secret, "sha256")
}
