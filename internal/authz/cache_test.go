package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-link/mochi/internal/model"
)

func TestGrantCache_GetSet(t *testing.T) {
	c := NewGrantCache(time.Second)
	defer c.Close()

	key := grantKey("alice", "survival")

	// Miss on empty cache.
	_, _, ok := c.Get(key)
	assert.False(t, ok)

	// Set and hit.
	grant := model.ServerACL{UserID: "alice", ServerID: "survival", Role: model.RoleAdmin}
	c.Set(key, grant, true)

	got, found, ok := c.Get(key)
	require.True(t, ok)
	assert.True(t, found)
	assert.Equal(t, grant, got)
}

func TestGrantCache_CachedMissDistinguishedFromColdMiss(t *testing.T) {
	c := NewGrantCache(time.Second)
	defer c.Close()

	key := grantKey("mallory", "survival")

	// A recorded "no grant" result should be a cache hit with found=false,
	// distinguishable from a key the cache never saw.
	c.Set(key, model.ServerACL{}, false)

	_, found, ok := c.Get(key)
	assert.True(t, ok, "cached miss should be a cache hit")
	assert.False(t, found)
}

func TestGrantCache_Expiry(t *testing.T) {
	c := NewGrantCache(50 * time.Millisecond)
	defer c.Close()

	key := grantKey("alice", "survival")
	c.Set(key, model.ServerACL{UserID: "alice"}, true)

	// Should be present immediately.
	_, _, ok := c.Get(key)
	require.True(t, ok)

	// Wait for expiry.
	time.Sleep(60 * time.Millisecond)

	_, _, ok = c.Get(key)
	assert.False(t, ok, "entry should have expired")
}

func TestGrantCache_EvictExpired(t *testing.T) {
	c := NewGrantCache(10 * time.Millisecond)
	defer c.Close()

	c.Set(grantKey("alice", "survival"), model.ServerACL{}, true)
	c.Set(grantKey("bob", "survival"), model.ServerACL{}, true)

	time.Sleep(20 * time.Millisecond)

	c.evictExpired()

	c.mu.RLock()
	assert.Empty(t, c.entries, "evictExpired should have removed all expired entries")
	c.mu.RUnlock()
}

func TestGrantCache_Invalidate(t *testing.T) {
	c := NewGrantCache(time.Second)
	defer c.Close()

	key := grantKey("alice", "survival")
	c.Set(key, model.ServerACL{UserID: "alice"}, true)
	c.Invalidate(key)

	_, _, ok := c.Get(key)
	assert.False(t, ok, "invalidated entry should be gone")
}

func TestGrantCache_InvalidateServer(t *testing.T) {
	c := NewGrantCache(time.Second)
	defer c.Close()

	c.Set(grantKey("alice", "survival"), model.ServerACL{}, true)
	c.Set(grantKey("bob", "survival"), model.ServerACL{}, true)
	c.Set(grantKey("alice", "creative"), model.ServerACL{}, true)

	c.InvalidateServer("survival")

	_, _, ok := c.Get(grantKey("alice", "survival"))
	assert.False(t, ok)
	_, _, ok = c.Get(grantKey("bob", "survival"))
	assert.False(t, ok)
	_, _, ok = c.Get(grantKey("alice", "creative"))
	assert.True(t, ok, "other servers should be untouched")
}
