package envelope

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintSeparator keeps field boundaries unambiguous so ("a","bc") and
// ("ab","c") never collide.
const fingerprintSeparator = "\x1f"

// Fingerprint returns a deterministic digest of the envelope's
// identity-bearing fields. Identical (code, category, message, operation,
// resource) tuples produce the same fingerprint across processes.
func (e *Envelope) Fingerprint() string {
	return FingerprintOf(e.Code, string(e.Category), e.Message, e.Operation, e.Resource)
}

// FingerprintOf computes the digest directly from the tuple fields.
func FingerprintOf(code, category, message, operation, resource string) string {
	h := sha256.New()
	for _, field := range []string{code, category, message, operation, resource} {
		h.Write([]byte(field))
		h.Write([]byte(fingerprintSeparator))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
