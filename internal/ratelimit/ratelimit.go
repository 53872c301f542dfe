// Package ratelimit provides sliding-window rate limiting.
//
// The hub ships an in-memory sliding window (SlidingWindow) used for both
// chat-route throttling and the HTTP API. The Limiter interface is the
// contract for substituting a shared store when multiple hub instances
// must coordinate.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque — callers construct it (e.g. "group:g1:server:lobby").
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// Rule describes one sliding window: at most Limit events per Window.
// A zero or negative Limit or Window disables the rule (everything passes).
type Rule struct {
	// Prefix names the bucket class (e.g. "api", "auth") for callers that
	// want to namespace rules sharing one limiter.
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of one limiter decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the standard X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}
