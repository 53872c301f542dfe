// Package events is the in-process broker that fans connector events out to
// operator surfaces: the SSE endpoint, the message router, the bot surface,
// and embedded hook adapters.
//
// Subscriptions are ephemeral and connection-scoped. Durable routing rules
// live in the group-binding table; the router re-derives them per event.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one occurrence on a managed server, as reported by its connector
// or synthesized by the hub itself (connect/disconnect transitions).
type Event struct {
	ServerID  string         `json:"serverId"`
	Type      string         `json:"type"` // dotted name, e.g. "player.join"
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub-synthesized event types. Connector-reported types (chat.message,
// player.join, monitoring.report, ...) arrive verbatim from the wire.
const (
	TypeServerConnected    = "server.connected"
	TypeServerDisconnected = "server.disconnected"
)

// Subscription narrows which events a subscriber receives. Zero-value fields
// match everything.
type Subscription struct {
	ServerIDs   []string          // empty = all servers
	Types       []string          // empty = all event types
	DataFilters map[string]string // exact match against Data fields
}

// Matches reports whether e passes the subscription's filters.
func (s Subscription) Matches(e Event) bool {
	if len(s.ServerIDs) > 0 && !contains(s.ServerIDs, e.ServerID) {
		return false
	}
	if len(s.Types) > 0 && !contains(s.Types, e.Type) {
		return false
	}
	for field, want := range s.DataFilters {
		v, ok := e.Data[field]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// subscriberBuffer is each subscriber's channel capacity. Delivery never
// blocks Publish; a full buffer drops the event for that subscriber.
const subscriberBuffer = 64

type subscriber struct {
	sub Subscription
	ch  chan Event
}

// Broker fans published events out to all matching subscribers.
type Broker struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	dropped atomic.Int64
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger: logger.With("component", "events"),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Publish delivers e to every matching subscriber without blocking. Slow
// subscribers with a full buffer lose the event; the drop counter is
// operator-visible through statistics.
func (b *Broker) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if !s.sub.Matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a filtered subscriber and returns its event channel
// plus a cancel function. Cancel removes the subscriber and closes the
// channel; it is safe to call more than once.
func (b *Broker) Subscribe(sub Subscription) (<-chan Event, func()) {
	s := &subscriber{
		sub: sub,
		ch:  make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
