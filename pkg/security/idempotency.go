package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewIdempotencyKey returns an opaque key identifying one execution attempt:
// a prefix, the wall-clock time in milliseconds, and 128 bits of
// cryptographically secure randomness. Collisions are negligible.
func NewIdempotencyKey(prefix string) (string, error) {
	if prefix == "" {
		prefix = "idem"
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idempotency key entropy unavailable: %w", err)
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf)), nil
}
