package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/model"
)

func TestGenerateServerToken(t *testing.T) {
	tok, err := auth.GenerateServerToken()
	require.NoError(t, err)
	assert.Len(t, tok, 64)

	other, err := auth.GenerateServerToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestHashServerToken_Deterministic(t *testing.T) {
	h1 := auth.HashServerToken("abc")
	h2 := auth.HashServerToken("abc")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, auth.HashServerToken("abd"))
}

func TestValidateServerToken(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	base := model.APIToken{
		ServerID: "lobby",
		Token:    "secret-token",
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, auth.ValidateServerToken(base, "secret-token", "10.0.0.5", now))
	})

	t.Run("mismatch", func(t *testing.T) {
		err := auth.ValidateServerToken(base, "wrong", "10.0.0.5", now)
		assert.ErrorIs(t, err, auth.ErrTokenMismatch)
	})

	t.Run("expired", func(t *testing.T) {
		tok := base
		tok.ExpiresAt = &past
		err := auth.ValidateServerToken(tok, "secret-token", "10.0.0.5", now)
		assert.ErrorIs(t, err, auth.ErrTokenExpired)
	})

	t.Run("not yet expired", func(t *testing.T) {
		tok := base
		tok.ExpiresAt = &future
		require.NoError(t, auth.ValidateServerToken(tok, "secret-token", "10.0.0.5", now))
	})

	t.Run("ip whitelist exact match", func(t *testing.T) {
		tok := base
		tok.IPWhitelist = []string{"10.0.0.5"}
		require.NoError(t, auth.ValidateServerToken(tok, "secret-token", "10.0.0.5", now))
	})

	t.Run("ip whitelist cidr match", func(t *testing.T) {
		tok := base
		tok.IPWhitelist = []string{"10.0.0.0/24"}
		require.NoError(t, auth.ValidateServerToken(tok, "secret-token", "10.0.0.200", now))
	})

	t.Run("ip whitelist rejects outsider", func(t *testing.T) {
		tok := base
		tok.IPWhitelist = []string{"10.0.0.0/24", "192.168.1.9"}
		err := auth.ValidateServerToken(tok, "secret-token", "172.16.0.1", now)
		assert.ErrorIs(t, err, auth.ErrIPNotAllowed)
	})

	t.Run("ip whitelist ipv6", func(t *testing.T) {
		tok := base
		tok.IPWhitelist = []string{"fd00::/8"}
		require.NoError(t, auth.ValidateServerToken(tok, "secret-token", "fd12::1", now))
	})

	t.Run("mismatch checked before whitelist", func(t *testing.T) {
		tok := base
		tok.IPWhitelist = []string{"10.0.0.5"}
		err := auth.ValidateServerToken(tok, "wrong", "172.16.0.1", now)
		assert.ErrorIs(t, err, auth.ErrTokenMismatch)
	})
}

func TestChallengeSignature(t *testing.T) {
	nonce, err := auth.NewChallengeNonce()
	require.NoError(t, err)
	assert.Len(t, nonce, 32)

	sig := auth.ChallengeSignature(nonce, "connector-token")
	assert.True(t, auth.VerifyChallengeSignature(nonce, "connector-token", sig))
	assert.False(t, auth.VerifyChallengeSignature(nonce, "other-token", sig))
	assert.False(t, auth.VerifyChallengeSignature("other-nonce", "connector-token", sig))
	assert.False(t, auth.VerifyChallengeSignature(nonce, "connector-token", sig+"00"))
}
