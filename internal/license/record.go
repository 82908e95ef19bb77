package license

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// State represents the lifecycle state of a license key
type State string

const (
	// StateUnissued means no record exists for the key
	StateUnissued State = "unissued"
	// StateInactive means the record is pre-issued and awaiting activation
	StateInactive State = "inactive"
	// StateActive means the record has been issued or explicitly activated
	StateActive State = "active"
)

// KeyBytes is the entropy of a license key. 16 bytes keeps the textual
// form at 32 hex characters, which is the stable external key format.
const KeyBytes = 16

var keyPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Record is the unit of entitlement: a key plus ownership and state
// metadata. Key and Email are immutable once created; only Active and
// ActivatedAt may change afterwards, and only through activation.
type Record struct {
	Key         string     `json:"key"`
	Email       string     `json:"email,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	OrderRef    string     `json:"order_ref,omitempty"`
}

// State returns the lifecycle state of the record
func (r *Record) State() State {
	if r == nil {
		return StateUnissued
	}
	if r.Active {
		return StateActive
	}
	return StateInactive
}

// NewKey generates a new license key from a cryptographically strong
// random source: 128 bits of entropy, lowercase hex.
func NewKey() (string, error) {
	buf := make([]byte, KeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate license key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidKey reports whether key matches the external key format
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// MaskKey masks a license key for safe logging
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "..."
}
