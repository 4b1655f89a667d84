// Package security provides the identity and integrity primitives of the
// execution engine: HMAC signing, idempotency keys, content hashing,
// symmetric encryption and input hygiene.
//
// Failure policy: signature checks report boolean outcomes and never panic;
// decryption of malformed ciphertext returns a decode error.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/finpilot-labs/finpilot/pkg/canonical"
)

// Sign computes the hex HMAC-SHA256 of payload under secret. Deterministic:
// equal inputs always yield equal signatures.
func Sign(payload []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under secret using a
// constant-time comparison. Malformed input yields false, never an error.
func Verify(payload []byte, signature string, secret []byte) bool {
	expected := Sign(payload, secret)
	// hmac.Equal is constant time; comparing the hex encodings keeps the
	// comparison length-independent of attacker-controlled input.
	return hmac.Equal([]byte(signature), []byte(expected))
}

// SignCanonical signs the RFC 8785 canonical serialization of v, so that two
// observers holding the same secret and a semantically identical payload
// always compute the same signature.
func SignCanonical(v any, secret []byte) (string, error) {
	b, err := canonical.Marshal(v)
	if err != nil {
		return "", err
	}
	return Sign(b, secret), nil
}

// VerifyCanonical verifies a signature produced by SignCanonical.
func VerifyCanonical(v any, signature string, secret []byte) bool {
	b, err := canonical.Marshal(v)
	if err != nil {
		return false
	}
	return Verify(b, signature, secret)
}

// ContentHash returns the canonical SHA-256 digest of a key-value structure.
// Semantically identical records hash identically regardless of construction
// order.
func ContentHash(record map[string]any) (string, error) {
	return canonical.Hash(record)
}
