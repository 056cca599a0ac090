// Package channel adapts messaging platforms: webhook signature verification,
// payload normalization, per-channel limits, and outbound sends.
package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the platform HMAC of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

// SecretKind tells which secret validated a delivery.
type SecretKind string

const (
	SecretNone      SecretKind = "none"
	SecretPrimary   SecretKind = "primary"
	SecretSecondary SecretKind = "secondary"
	SecretBypass    SecretKind = "bypass"
)

// Secrets are the candidate app secrets for one channel.
type Secrets struct {
	Primary string
	// Secondary is a sibling app secret that operators often paste by
	// mistake. A match is accepted but should be logged as misconfiguration.
	Secondary string
	Bypass    bool
}

// Configured reports whether any verification path is available.
func (s Secrets) Configured() bool {
	return s.Bypass || s.Primary != "" || s.Secondary != ""
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	OK   bool
	Kind SecretKind
}

// Verify recomputes HMAC-SHA256 over rawBody and compares it with the header
// in constant time. The header may carry a "sha256=" prefix.
func Verify(rawBody []byte, signatureHeader string, secrets Secrets) VerifyResult {
	if secrets.Bypass {
		return VerifyResult{OK: true, Kind: SecretBypass}
	}

	sig, err := hex.DecodeString(normalizeSignature(signatureHeader))
	if err != nil || len(sig) != sha256.Size {
		return VerifyResult{Kind: SecretNone}
	}

	if secrets.Primary != "" && hmac.Equal(sig, Sign(rawBody, secrets.Primary)) {
		return VerifyResult{OK: true, Kind: SecretPrimary}
	}
	if secrets.Secondary != "" && hmac.Equal(sig, Sign(rawBody, secrets.Secondary)) {
		return VerifyResult{OK: true, Kind: SecretSecondary}
	}
	return VerifyResult{Kind: SecretNone}
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeaderValue renders the header value platforms send.
func SignatureHeaderValue(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(Sign(body, secret))
}

func normalizeSignature(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "sha256=") {
		v = v[7:]
	}
	return strings.ToLower(strings.TrimSpace(v))
}
