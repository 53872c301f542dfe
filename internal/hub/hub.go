// Package hub owns the WebSocket side of the federation: it admits connector
// sockets, keeps the serverId → connection registry, runs the protocol
// heartbeat, correlates request/response frames, and fans connector events
// into the in-process broker. Everything above it (services, router, HTTP)
// talks to connected servers through SendRequest and never touches a socket.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
	"github.com/mochi-link/mochi/internal/telemetry"
)

// Sentinel errors surfaced by SendRequest. Services map these onto pending
// queueing (ErrNotConnected) or API error codes.
var (
	ErrNotConnected     = errors.New("hub: server is not connected")
	ErrConnectionClosed = errors.New("hub: connection closed")
	ErrRequestTimeout   = errors.New("hub: request timed out")
	ErrQueueFull        = errors.New("hub: send queue full")
	ErrShuttingDown     = errors.New("hub: shutting down")
)

// RemoteError is a failure reported by the connector for a correlated
// request. Code and Message come straight off the error frame.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("hub: remote error %s: %s", e.Code, e.Message)
}

// TokenSource looks up connector credentials during admission. *storage.DB
// satisfies it; tests swap in an in-memory map.
type TokenSource interface {
	GetTokenByHash(ctx context.Context, hash string) (model.APIToken, error)
	GetTokenForServer(ctx context.Context, serverID string) (model.APIToken, error)
	TouchTokenUsed(ctx context.Context, id uuid.UUID) error
}

// Binder receives connection lifecycle transitions. The server manager
// implements it: flip status online and drain pending ops on bind, flip
// offline on unbind, publish the connected/disconnected events.
type Binder interface {
	BindConnection(ctx context.Context, serverID string, hs protocol.HandshakeData)
	UnbindConnection(ctx context.Context, serverID, reason string)
}

// Options tunes the hub. Zero values fall back to the protocol contract
// constants; tests shrink the timings.
type Options struct {
	Version           string
	Capabilities      []string
	ChallengeAuth     bool
	MaxConnections    int // 0 = unlimited
	MaxFrameBytes     int64
	SendQueueSize     int
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RequestTimeout    time.Duration
}

// singleFlightOps are coalesced per (serverId, op): concurrent callers share
// one in-flight request. Safe only for ops whose payload is empty or
// idempotent for a given server.
var singleFlightOps = map[string]bool{
	protocol.OpWhitelistList: true,
	protocol.OpWhitelistSync: true,
	protocol.OpPlayerList:    true,
	protocol.OpServerInfo:    true,
	protocol.OpMonitorReport: true,
}

// Hub is the connection registry and dispatcher. One instance serves the
// whole process.
type Hub struct {
	tokens TokenSource
	broker *events.Broker
	logger *slog.Logger
	opts   Options

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*conn
	shutdown bool

	binder   Binder // set once before the listener starts; nil disables lifecycle callbacks
	binderMu sync.RWMutex

	sockets   atomic.Int64 // accepted sockets, including unauthenticated ones
	dropped   atomic.Int64 // events discarded across all connections
	framesIn  atomic.Int64
	framesOut atomic.Int64
	eventsIn  atomic.Int64

	flights singleflight.Group
	wg      sync.WaitGroup
}

// New builds a hub. The binder is attached separately with SetBinder because
// the server manager that implements it needs the hub first.
func New(tokens TokenSource, broker *events.Broker, logger *slog.Logger, opts Options) *Hub {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = protocol.DefaultSendQueueSize
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = protocol.AuthTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = protocol.HeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = protocol.HeartbeatTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = protocol.DefaultRequestTimeout
	}
	h := &Hub{
		tokens: tokens,
		broker: broker,
		logger: logger.With("component", "hub"),
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Connectors are plugins, not browsers; Origin carries no signal.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
	h.registerMetrics()
	return h
}

func (h *Hub) registerMetrics() {
	meter := telemetry.Meter("mochi/hub")

	_, _ = meter.Int64ObservableGauge("mochi.hub.connections",
		metric.WithDescription("Accepted connector sockets, including unauthenticated ones"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.Connections()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mochi.hub.online_servers",
		metric.WithDescription("Servers past handshake and currently bound"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(h.OnlineServers())))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mochi.hub.dropped_events",
		metric.WithDescription("Event frames discarded because a send queue was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(h.DroppedEvents())
			return nil
		}),
	)
}

// SetBinder installs the lifecycle receiver. Must be called before the
// listener starts accepting connections.
func (h *Hub) SetBinder(b Binder) {
	h.binderMu.Lock()
	h.binder = b
	h.binderMu.Unlock()
}

func (h *Hub) currentBinder() Binder {
	h.binderMu.RLock()
	defer h.binderMu.RUnlock()
	return h.binder
}

// install registers an authenticated connection, replacing any previous one
// for the same server. The replaced connection is closed with 1013 and its
// pending requests fail.
func (h *Hub) install(c *conn) error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return ErrShuttingDown
	}
	old := h.conns[c.serverID]
	h.conns[c.serverID] = c
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("connection replaced", "serverId", c.serverID, "oldAddr", old.remoteAddr)
		old.close(protocol.CloseReplaced, "replaced by new connection", ErrConnectionClosed)
	}
	return nil
}

// detach removes c from the registry if it is still the current connection
// for its server. Reports whether it was.
func (h *Hub) detach(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.serverID] == c {
		delete(h.conns, c.serverID)
		return true
	}
	return false
}

func (h *Hub) get(serverID string) *conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[serverID]
}

// IsOnline reports whether a server has a live, handshaken connection.
func (h *Hub) IsOnline(serverID string) bool {
	c := h.get(serverID)
	return c != nil && c.bound.Load()
}

// OnlineServers lists the ids of all handshaken connections.
func (h *Hub) OnlineServers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for id, c := range h.conns {
		if c.bound.Load() {
			out = append(out, id)
		}
	}
	return out
}

// ConnInfo is the runtime view of one connection, for status queries and the
// statistics endpoint.
type ConnInfo struct {
	ServerID      string    `json:"serverId"`
	RemoteAddr    string    `json:"remoteAddr"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	CoreType      string    `json:"coreType,omitempty"`
	CoreName      string    `json:"coreName,omitempty"`
	CoreVersion   string    `json:"coreVersion,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	DroppedEvents int64     `json:"droppedEvents"`
}

// ConnectionInfo returns the runtime view for one server, if connected.
func (h *Hub) ConnectionInfo(serverID string) (ConnInfo, bool) {
	c := h.get(serverID)
	if c == nil {
		return ConnInfo{}, false
	}
	return c.info(), true
}

// Disconnect tells one server's connector to disconnect and closes its
// connection. Returns false if the server was not connected. Used when the
// server record is deleted or its token rotated out from under a live session.
func (h *Hub) Disconnect(serverID, reason string) bool {
	c := h.get(serverID)
	if c == nil {
		return false
	}
	c.sendDisconnect(reason)
	c.close(protocol.CloseNormal, reason, ErrConnectionClosed)
	return true
}

// Connections reports the number of open sockets, authenticated or not.
func (h *Hub) Connections() int {
	return int(h.sockets.Load())
}

// DroppedEvents reports the total number of event frames discarded because a
// connection's send queue was full.
func (h *Hub) DroppedEvents() int64 {
	return h.dropped.Load()
}

// Traffic reports cumulative frame and event counts since start.
func (h *Hub) Traffic() (framesIn, framesOut, eventsIn int64) {
	return h.framesIn.Load(), h.framesOut.Load(), h.eventsIn.Load()
}

// SendRequest sends a correlated request to a connected server and waits for
// its response data. timeout <= 0 uses the hub default. Fails fast with
// ErrNotConnected when the server has no live connection; callers that can
// queue work (whitelist, bans, kicks) enqueue a pending operation instead.
func (h *Hub) SendRequest(ctx context.Context, serverID, op string, data any, timeout time.Duration) (json.RawMessage, error) {
	c := h.get(serverID)
	if c == nil || !c.bound.Load() {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = h.opts.RequestTimeout
	}
	if !singleFlightOps[op] {
		return c.request(ctx, op, data, timeout)
	}
	v, err, _ := h.flights.Do(serverID+"\x00"+op, func() (any, error) {
		return c.request(ctx, op, data, timeout)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// Shutdown stops accepting connections, tells every connector to disconnect,
// fails outstanding requests, and waits for connection goroutines to finish
// or the context to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.logger.Info("hub shutting down", "connections", len(conns))
	for _, c := range conns {
		c.sendDisconnect("hub shutting down")
		c.close(protocol.CloseNormal, "hub shutting down", ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub: shutdown: %w", ctx.Err())
	}
}
