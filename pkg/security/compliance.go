package security

import (
	"encoding/hex"
	"fmt"
	"time"
)

// SCACheck captures the authentication factors presented by a user.
// PSD2 strong customer authentication requires at least two of: knowledge
// (password), possession (device token), inherence (biometric).
type SCACheck struct {
	HasPassword    bool
	HasDeviceToken bool
	HasBiometric   bool
}

// SCAResult is the outcome of an SCA validation.
type SCAResult struct {
	Valid   bool `json:"valid"`
	Factors int  `json:"factors"`
}

// ValidateSCA counts the presented factors and requires at least two.
func ValidateSCA(check SCACheck) SCAResult {
	factors := 0
	for _, present := range []bool{check.HasPassword, check.HasDeviceToken, check.HasBiometric} {
		if present {
			factors++
		}
	}
	return SCAResult{Valid: factors >= 2, Factors: factors}
}

// MinimizeData projects data onto an allow-list of fields, dropping
// everything else. Used for GDPR data minimization before records leave the
// engine.
func MinimizeData(data map[string]any, allowedFields []string) map[string]any {
	out := make(map[string]any, len(allowedFields))
	for _, field := range allowedFields {
		if v, ok := data[field]; ok {
			out[field] = v
		}
	}
	return out
}

// NewLinkToken derives a short signed handshake token binding a user to a
// point in time. Used when initiating a session with the banking provider.
func NewLinkToken(userID, sessionID string, secret []byte) string {
	payload := fmt.Sprintf("%s:%s:%d", userID, sessionID, time.Now().UnixMilli())
	sig := Sign([]byte(payload), secret)
	raw, _ := hex.DecodeString(sig)
	return "link_" + hex.EncodeToString(raw[:8])
}
