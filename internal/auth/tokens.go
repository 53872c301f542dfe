package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mochi-link/mochi/internal/model"
)

// Connector token validation failures. The hub maps all of them to the same
// close code on the wire; the distinction is for audit entries only.
var (
	ErrTokenMismatch = errors.New("auth: token mismatch")
	ErrTokenExpired  = errors.New("auth: token expired")
	ErrIPNotAllowed  = errors.New("auth: source address not in token ip whitelist")
)

// serverTokenBytes is the entropy of a connector token; hex-encoded to 64
// characters.
const serverTokenBytes = 32

// GenerateServerToken produces a new random connector token.
func GenerateServerToken() (string, error) {
	buf := make([]byte, serverTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate server token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashServerToken returns the SHA-256 hex digest used as the lookup index.
// Connector tokens are 256-bit random values, so a fast hash is safe here;
// operator keys, which humans may weaken, go through argon2id instead.
func HashServerToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateServerToken checks a presented token against the stored row:
// constant-time equality, expiry, and the optional IP whitelist.
func ValidateServerToken(stored model.APIToken, presented, remoteIP string, now time.Time) error {
	if subtle.ConstantTimeCompare([]byte(stored.Token), []byte(presented)) != 1 {
		return ErrTokenMismatch
	}
	return CheckTokenUsable(stored, remoteIP, now)
}

// CheckTokenUsable applies the expiry and IP whitelist rules without the
// equality check. Challenge-response auth proves token possession through the
// HMAC signature, so it validates with this instead of ValidateServerToken.
func CheckTokenUsable(stored model.APIToken, remoteIP string, now time.Time) error {
	if stored.ExpiresAt != nil && now.After(*stored.ExpiresAt) {
		return ErrTokenExpired
	}
	if len(stored.IPWhitelist) > 0 {
		if !ipAllowed(remoteIP, stored.IPWhitelist) {
			return ErrIPNotAllowed
		}
	}
	return nil
}

// ipAllowed reports whether remoteIP matches any whitelist entry. Entries
// are plain addresses or CIDR blocks; unparseable entries never match.
func ipAllowed(remoteIP string, whitelist []string) bool {
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return false
	}
	for _, entry := range whitelist {
		if allowed := net.ParseIP(entry); allowed != nil {
			if allowed.Equal(ip) {
				return true
			}
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ChallengeSignature computes the response a connector must return for a
// challenge nonce: HMAC-SHA256 keyed by the connector token, hex encoded.
func ChallengeSignature(nonce, token string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallengeSignature checks a challenge response in constant time.
func VerifyChallengeSignature(nonce, token, signature string) bool {
	expected := ChallengeSignature(nonce, token)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// NewChallengeNonce produces the random nonce sent in an auth challenge.
func NewChallengeNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate challenge nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
