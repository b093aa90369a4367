package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// optionally prefixed with "sha256=".
const SignatureHeader = "X-Tally-Signature"

// ErrInvalidSignature is returned when a delivery fails verification.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// Verifier checks delivery signatures against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for secret. An empty secret yields nil,
// which callers treat as verification disabled.
func NewVerifier(secret string) *Verifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Sign returns the header value for payload.
func (v *Verifier) Sign(payload []byte) string {
	return "sha256=" + hex.EncodeToString(v.sum(payload))
}

// Verify reports ErrInvalidSignature unless header matches payload.
func (v *Verifier) Verify(payload []byte, header string) error {
	sig := strings.TrimSpace(header)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return ErrInvalidSignature
	}
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(v.sum(payload), decoded) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *Verifier) sum(payload []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
