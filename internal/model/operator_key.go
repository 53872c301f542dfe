package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OperatorKey authenticates a human or bot operator against the HTTP API.
// Multiple keys can exist per operator, enabling rotation and per-integration
// credentials. The raw key is only ever shown at creation time.
type OperatorKey struct {
	ID         uuid.UUID  `json:"id"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"` // Never serialized.
	OperatorID string     `json:"operatorId"`
	Role       Role       `json:"role"`
	Label      string     `json:"label"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// OperatorKeyWithRawKey is returned only on creation and rotation, the only
// times the raw key is available. After this, only the prefix is visible.
type OperatorKeyWithRawKey struct {
	OperatorKey
	RawKey string `json:"rawKey"`
}

// CreateOperatorKeyRequest is the request body for POST /api/keys.
type CreateOperatorKeyRequest struct {
	OperatorID string  `json:"operatorId"`
	Role       string  `json:"role"`
	Label      string  `json:"label"`
	ExpiresAt  *string `json:"expiresAt,omitempty"` // RFC3339
}

// RotateOperatorKeyResponse is the response for POST /api/keys/{id}/rotate.
type RotateOperatorKeyResponse struct {
	NewKey       OperatorKeyWithRawKey `json:"newKey"`
	RevokedKeyID uuid.UUID             `json:"revokedKeyId"`
}

const (
	// keyPrefixLen is the number of random bytes used for the key prefix (8 hex chars).
	keyPrefixLen = 4
	// keySecretLen is the number of random bytes for the secret portion (32 hex chars).
	keySecretLen = 16
	// keyFormatPrefix is the static prefix for all operator keys.
	keyFormatPrefix = "mk_"
)

// GenerateRawKey produces a new raw operator key in the format:
// mk_<8-char-prefix>_<32-char-secret>. Returns the full raw key and the
// prefix separately.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}

	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}

	prefix = hex.EncodeToString(prefixBytes)
	secret := hex.EncodeToString(secretBytes)
	rawKey = keyFormatPrefix + prefix + "_" + secret

	return rawKey, prefix, nil
}

// ParseRawKey extracts the prefix and full key from a raw key string.
// Returns an error if the format is invalid.
func ParseRawKey(rawKey string) (prefix, fullKey string, err error) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return "", "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}

	rest := rawKey[len(keyFormatPrefix):]
	underIdx := strings.IndexByte(rest, '_')
	if underIdx < 1 || underIdx == len(rest)-1 {
		return "", "", fmt.Errorf("model: invalid key format: expected mk_<prefix>_<secret>")
	}

	prefix = rest[:underIdx]
	return prefix, rawKey, nil
}

// ValidateKeyLabel checks that a key label is reasonable.
func ValidateKeyLabel(label string) error {
	if len(label) > 255 {
		return fmt.Errorf("label must be at most 255 characters")
	}
	return nil
}
