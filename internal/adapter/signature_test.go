package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
)

func sign256(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"object":"whatsapp_business_account"}`)
	secret := "app-secret"

	if !VerifyMetaSignature(payload, sign256(payload, secret), secret) {
		t.Fatal("expected valid signature to verify")
	}
}

func TestVerifySignatureRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"object":"whatsapp_business_account"}`)
	secret := "app-secret"
	header := sign256(payload, secret)

	tampered := append([]byte{}, payload...)
	tampered[0] ^= 0x01
	if VerifyMetaSignature(tampered, header, secret) {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestVerifySignatureFailClosed(t *testing.T) {
	payload := []byte("body")
	if VerifyMetaSignature(payload, "", "secret") {
		t.Fatal("empty signature must fail")
	}
	if VerifyMetaSignature(payload, sign256(payload, "secret"), "") {
		t.Fatal("empty secret must fail")
	}
	if VerifyMetaSignature(nil, sign256(nil, "secret"), "secret") {
		t.Fatal("empty payload must fail")
	}
}

func TestVerifySignatureLengthMismatch(t *testing.T) {
	payload := []byte("body")
	if VerifyMetaSignature(payload, "sha256=abcd", "secret") {
		t.Fatal("truncated digest must fail")
	}
	if VerifyMetaSignature(payload, "sha256=zzzz-not-hex", "secret") {
		t.Fatal("non-hex digest must fail")
	}
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	payload := []byte("body")
	if VerifyMetaSignature(payload, sign256(payload, "right"), "wrong") {
		t.Fatal("wrong secret must fail")
	}
}

func TestSignatureFromHeaderPriority(t *testing.T) {
	h := http.Header{}
	h.Set("X-Hub-Signature", "sha1=old")
	h.Set("X-Hub-Signature-256", "sha256=new")
	h.Set("X-Tiktok-Signature", "tiktok")

	if got := SignatureFromHeader(h); got != "sha256=new" {
		t.Fatalf("expected sha256 header to win, got %q", got)
	}

	h.Del("X-Hub-Signature-256")
	if got := SignatureFromHeader(h); got != "sha1=old" {
		t.Fatalf("expected sha1 header next, got %q", got)
	}

	h.Del("X-Hub-Signature")
	if got := SignatureFromHeader(h); got != "tiktok" {
		t.Fatalf("expected platform header last, got %q", got)
	}

	h.Del("X-Tiktok-Signature")
	if got := SignatureFromHeader(h); got != "" {
		t.Fatalf("expected empty string when no header set, got %q", got)
	}
}
