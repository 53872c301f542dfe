package model

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// APIToken is a connector credential bound to one server. The raw token is
// stored for operator retrieval and equality checks; TokenHash is the
// SHA-256 hex secondary lookup index.
type APIToken struct {
	ID               uuid.UUID         `json:"id"`
	ServerID         string            `json:"serverId"`
	Token            string            `json:"-"` // 64-hex secret, never serialized after creation
	TokenHash        string            `json:"tokenHash"`
	IPWhitelist      []string          `json:"ipWhitelist,omitempty"`
	EncryptionConfig *EncryptionConfig `json:"encryptionConfig,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	ExpiresAt        *time.Time        `json:"expiresAt,omitempty"`
	LastUsed         *time.Time        `json:"lastUsed,omitempty"`
}

// RotatedToken is the response for POST /api/servers/{id}/token/rotate.
// Token is the raw connector token and is readable exactly once, here.
type RotatedToken struct {
	APIToken
	Token string `json:"token"`
}

// EncryptionConfig is the optional frame-encryption material negotiated with
// a connector. The hub stores and reports it; enforcement is connector-side.
type EncryptionConfig struct {
	Algorithm string `json:"algorithm"`
	Material  string `json:"material"`
}

// TokenOptions carries the optional parameters for token generation.
type TokenOptions struct {
	ExpiresIn        time.Duration
	IPWhitelist      []string
	EncryptionConfig *EncryptionConfig
}

// ValidateIPWhitelist checks that every entry parses as a plain IPv4/IPv6
// address or a CIDR block.
func ValidateIPWhitelist(entries []string) error {
	for _, e := range entries {
		if net.ParseIP(e) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(e); err == nil {
			continue
		}
		return fmt.Errorf("ip whitelist entry %q is neither an IP nor a CIDR block", e)
	}
	return nil
}

// ValidateEncryptionConfig checks the stored encryption parameters.
func ValidateEncryptionConfig(c *EncryptionConfig) error {
	if c == nil {
		return nil
	}
	switch c.Algorithm {
	case "aes-256-gcm", "chacha20-poly1305":
	default:
		return fmt.Errorf("unsupported encryption algorithm %q", c.Algorithm)
	}
	if c.Material == "" {
		return fmt.Errorf("encryption material is required when an algorithm is set")
	}
	return nil
}
