// Package verify implements webhook signature verification.
//
// Verification always runs over the raw, unparsed body bytes. Re-serializing
// JSON before signing is a classic source of verification bugs (key order and
// whitespace change the bytes), so callers must capture the body before any
// decoding and hand it here untouched.
//
// All failures collapse to ErrVerificationFailed: error detail would leak
// which part of the check failed to an attacker probing the endpoint.
package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/mkeating/fourgate/internal/registry"
)

// ErrVerificationFailed is the single externally visible verification error.
var ErrVerificationFailed = errors.New("webhook verification failed")

// Verify checks the authenticity of a webhook request against a source's
// registered secret. Pure predicate: no side effects, never panics past the
// intake boundary.
func Verify(src *registry.Source, body []byte, headers http.Header) error {
	if src.Secret == "" {
		return ErrVerificationFailed
	}

	header := headers.Get(src.SignatureHeader)
	if header == "" {
		return ErrVerificationFailed
	}

	switch src.Scheme {
	case registry.SchemeHMACSHA256:
		return verifyHMACSignature(body, header, src.Secret)
	case registry.SchemeToken:
		if subtle.ConstantTimeCompare([]byte(header), []byte(src.Secret)) != 1 {
			return ErrVerificationFailed
		}
		return nil
	default:
		return ErrVerificationFailed
	}
}

// verifyHMACSignature verifies an HMAC-SHA256 signature against the raw body.
//
// Supported header formats:
//   - "sha256=<hex>" (GitHub X-Hub-Signature-256 style)
//   - "<hex>" (plain hex)
func verifyHMACSignature(body []byte, signature, secret string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedMAC := mac.Sum(nil)

	actualMAC, err := parseSignature(signature)
	if err != nil {
		return ErrVerificationFailed
	}

	// Constant-time comparison to prevent timing attacks.
	if subtle.ConstantTimeCompare(expectedMAC, actualMAC) != 1 {
		return ErrVerificationFailed
	}
	return nil
}

// parseSignature decodes the signature header into raw MAC bytes.
func parseSignature(signature string) ([]byte, error) {
	if strings.HasPrefix(signature, "sha256=") {
		return hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	}
	return hex.DecodeString(signature)
}

// ComputeSignature computes the hex HMAC-SHA256 of body. Used by tests and by
// tooling that replays captured deliveries.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatGitHubSignature formats a hex signature in GitHub's
// X-Hub-Signature-256 format.
func FormatGitHubSignature(hexSig string) string {
	return "sha256=" + hexSig
}
