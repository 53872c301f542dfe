package mcp

import (
	"sync"
	"time"
)

// statusTracker records recent get_server_status calls so handleExecuteCommand
// can detect when a caller fires commands at a server it never looked at and
// nudge them to check first.
//
// The tracker is keyed on (userID, serverID) with a configurable time window.
// If a status check was recorded within the window, WasChecked returns true.
// This is an in-memory, per-process structure; it does not survive restarts,
// which is acceptable because the nudge is advisory, not a hard gate.
type statusTracker struct {
	mu     sync.Mutex
	checks map[statusKey]time.Time
	window time.Duration // how long a check is considered "recent"
}

type statusKey struct {
	userID   string
	serverID string
}

func newStatusTracker(window time.Duration) *statusTracker {
	return &statusTracker{
		checks: make(map[statusKey]time.Time),
		window: window,
	}
}

// Record notes that the given operator checked this server's status.
func (t *statusTracker) Record(userID, serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[statusKey{userID, serverID}] = time.Now()

	// Lazy cleanup: if the map has grown large, purge stale entries to prevent
	// unbounded growth from many distinct (operator, server) pairs over time.
	if len(t.checks) > 1000 {
		t.purgeStale()
	}
}

// WasChecked reports whether the given operator checked this server's status
// within the configured time window.
func (t *statusTracker) WasChecked(userID, serverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.checks[statusKey{userID, serverID}]
	if !ok {
		return false
	}
	if time.Since(ts) > t.window {
		delete(t.checks, statusKey{userID, serverID})
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *statusTracker) purgeStale() {
	now := time.Now()
	for k, ts := range t.checks {
		if now.Sub(ts) > t.window {
			delete(t.checks, k)
		}
	}
}
