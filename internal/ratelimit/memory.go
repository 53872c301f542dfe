package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is the timestamp log for one rate-limit key. Denied events are not
// recorded, so the log never holds more than the rule's limit.
type window struct {
	stamps     []time.Time
	lastAccess time.Time
}

// SlidingWindow implements Limiter with an in-memory timestamp log per key.
//
// The window slides: an event counts against the limit until exactly Window
// has elapsed since it was recorded, so N events within the window pass, the
// (N+1)th is denied, and capacity returns as old events age out. A background
// goroutine evicts idle keys every minute to bound memory.
type SlidingWindow struct {
	rule Rule // default rule for the plain Limiter interface

	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	done     chan struct{}

	now func() time.Time // stubbed in tests
}

// NewSlidingWindow creates a sliding-window limiter with rule as the default
// for Allow. AllowRule callers supply their own rule per call.
//
// A background goroutine evicts keys not accessed in the last 10 minutes.
// Call Close to stop it.
func NewSlidingWindow(rule Rule) *SlidingWindow {
	s := &SlidingWindow{
		rule:    rule,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go s.cleanup()
	return s
}

// Allow applies the default rule to key.
func (s *SlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	return s.AllowRule(ctx, key, s.rule).Allowed, nil
}

// AllowRule records one event against key under rule and reports whether it
// fits the window. Chat routes call this with the per-binding rule.
func (s *SlidingWindow) AllowRule(_ context.Context, key string, rule Rule) Result {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	w.lastAccess = now

	// Drop stamps a full window old; a stamp exactly Window old has expired.
	cutoff := now.Add(-rule.Window)
	live := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	w.stamps = live

	if len(w.stamps) >= rule.Limit {
		return Result{
			Allowed: false,
			Limit:   rule.Limit,
			ResetAt: w.stamps[0].Add(rule.Window),
		}
	}

	w.stamps = append(w.stamps, now)
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - len(w.stamps),
		ResetAt:   w.stamps[0].Add(rule.Window),
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *SlidingWindow) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts windows that haven't been accessed recently.
func (s *SlidingWindow) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *SlidingWindow) evictStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-staleThreshold)
	for key, w := range s.windows {
		if w.lastAccess.Before(cutoff) {
			delete(s.windows, key)
		}
	}
}
