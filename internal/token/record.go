package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// State is the lifecycle state of a token record.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRevoked  State = "revoked"
	StateDenied   State = "denied"
)

// Record is the durable token entry for one identity. Hostname is the unique
// key; Token is empty until the record is approved and is kept verbatim
// across revoke/renew cycles.
type Record struct {
	Hostname    string
	Token       string
	State       State
	RequestedIP string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewToken returns a fresh 256-bit random token rendered as hex.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Fingerprint returns a short fixed-length digest of a token, safe to log.
// Raw token values never appear in log output.
func Fingerprint(token string) string {
	if token == "" {
		return "NONE"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:8]
}
