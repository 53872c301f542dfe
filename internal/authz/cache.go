package authz

import (
	"strings"
	"sync"
	"time"

	"github.com/mochi-link/mochi/internal/model"
)

// GrantCache is a short-TTL in-memory cache for ACL lookups. It eliminates a
// DB query per permission check by caching each caller's grant per server.
// Misses are cached as well (found=false) so denied callers cannot generate
// unbounded ACL queries.
//
// Key: "server_id:user_id" via grantKey. Server ids cannot contain ':', so
// the first separator is unambiguous.
type GrantCache struct {
	mu      sync.RWMutex
	entries map[string]cachedGrant
	ttl     time.Duration
	done    chan struct{}
}

type cachedGrant struct {
	grant     model.ServerACL
	found     bool
	expiresAt time.Time
}

// grantKey builds the cache key for one (user, server) pair.
func grantKey(userID, serverID string) string {
	return serverID + ":" + userID
}

// NewGrantCache creates a new cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewGrantCache(ttl time.Duration) *GrantCache {
	c := &GrantCache{
		entries: make(map[string]cachedGrant),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached grant, whether a grant exists for the key, and
// whether the cache held a valid entry at all. found=false with ok=true is a
// cached miss: the DB was consulted recently and holds no grant.
func (c *GrantCache) Get(key string) (grant model.ServerACL, found, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return model.ServerACL{}, false, false
	}
	return entry.grant, entry.found, true
}

// Set stores a lookup result with the configured TTL. found=false records
// that no grant exists.
func (c *GrantCache) Set(key string, grant model.ServerACL, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedGrant{
		grant:     grant,
		found:     found,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate removes one cached entry immediately.
func (c *GrantCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateServer removes every cached entry for one server.
func (c *GrantCache) InvalidateServer(serverID string) {
	prefix := serverID + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Close stops the background eviction goroutine.
func (c *GrantCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *GrantCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *GrantCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
