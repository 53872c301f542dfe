package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mochi-link/mochi/internal/protocol"
)

// writeWait bounds a single frame write on the socket.
const writeWait = 10 * time.Second

// conn is one authenticated connector socket. The reader goroutine is the
// only caller of ReadMessage, the writer goroutine the only caller of
// WriteMessage; everyone else goes through enqueue/enqueueEvent.
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	logger *slog.Logger

	serverID   string
	remoteAddr string

	// Control frames (request/response/system/error) never drop; a full
	// queue closes the connection. Event frames overflow into the ring,
	// which discards oldest-first.
	sendq     chan []byte
	eventq    *eventRing
	eventWake chan struct{}

	pongCh chan struct{}

	connectedAt   time.Time
	lastHeartbeat atomic.Int64 // unix millis, 0 until first pong
	handshake     atomic.Pointer[protocol.HandshakeData]
	bound         atomic.Bool

	pending *pendingSet

	closeOnce sync.Once
	done      chan struct{}
	closeCode int
	closeText string
}

func newConn(h *Hub, ws *websocket.Conn, serverID, remoteAddr string) *conn {
	return &conn{
		hub:         h,
		ws:          ws,
		logger:      h.logger.With("serverId", serverID, "remoteAddr", remoteAddr),
		serverID:    serverID,
		remoteAddr:  remoteAddr,
		sendq:       make(chan []byte, h.opts.SendQueueSize),
		eventq:      newEventRing(h.opts.SendQueueSize),
		eventWake:   make(chan struct{}, 1),
		pongCh:      make(chan struct{}, 1),
		connectedAt: time.Now().UTC(),
		pending:     newPendingSet(),
		done:        make(chan struct{}),
	}
}

func (c *conn) info() ConnInfo {
	info := ConnInfo{
		ServerID:      c.serverID,
		RemoteAddr:    c.remoteAddr,
		ConnectedAt:   c.connectedAt,
		DroppedEvents: c.eventq.droppedCount(),
	}
	if ms := c.lastHeartbeat.Load(); ms > 0 {
		info.LastHeartbeat = time.UnixMilli(ms).UTC()
	}
	if hs := c.handshake.Load(); hs != nil {
		info.CoreType = hs.CoreType
		info.CoreName = hs.CoreName
		info.CoreVersion = hs.CoreVersion
		info.Capabilities = hs.Capabilities
	}
	return info
}

// enqueue queues a control frame for the writer. A full queue means the
// connector stopped reading; the connection is torn down rather than let
// correlated traffic silently vanish.
func (c *conn) enqueue(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.sendq <- data:
		return nil
	default:
		c.logger.Warn("send queue overflow, closing connection")
		c.close(protocol.CloseInternal, "send queue overflow", ErrConnectionClosed)
		return ErrQueueFull
	}
}

// enqueueEvent queues an event frame. Events are lossy: when the ring is
// full the oldest queued event is discarded and counted.
func (c *conn) enqueueEvent(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	if c.eventq.push(data) {
		c.hub.dropped.Add(1)
	}
	select {
	case c.eventWake <- struct{}{}:
	default:
	}
	return nil
}

// sendDisconnect queues a system.disconnect ahead of teardown. Best-effort:
// the writer drains the queue before writing the close frame.
func (c *conn) sendDisconnect(reason string) {
	f, err := protocol.NewSystem(protocol.OpDisconnect, protocol.DisconnectData{Reason: reason})
	if err != nil {
		return
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return
	}
	select {
	case c.sendq <- data:
	default:
	}
}

// close tears the connection down exactly once: deregister, fail pending
// requests with failErr, record the close code for the writer, and notify
// the binder if this connection had completed its handshake and was still
// the current one for its server.
func (c *conn) close(code int, text string, failErr error) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		wasCurrent := c.hub.detach(c)
		c.pending.failAll(failErr)
		close(c.done)
		c.hub.sockets.Add(-1)

		if wasCurrent && c.bound.Load() {
			if b := c.hub.currentBinder(); b != nil {
				c.hub.wg.Add(1)
				go func() {
					defer c.hub.wg.Done()
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					b.UnbindConnection(ctx, c.serverID, text)
				}()
			}
		}
		c.logger.Info("connection closed", "code", code, "reason", text)
	})
}

// writePump is the sole writer. Control frames take priority over queued
// events. On shutdown it drains whatever is queued, then sends the close
// frame recorded by close().
func (c *conn) writePump() {
	defer c.hub.wg.Done()
	for {
		select {
		case <-c.done:
			c.flushAndClose()
			return
		case data := <-c.sendq:
			if !c.writeFrame(data) {
				return
			}
		case <-c.eventWake:
			if !c.drainEvents() {
				return
			}
		}
	}
}

// drainEvents writes queued events, yielding to control frames between each.
func (c *conn) drainEvents() bool {
	for {
		select {
		case <-c.done:
			c.flushAndClose()
			return false
		case data := <-c.sendq:
			if !c.writeFrame(data) {
				return false
			}
			continue
		default:
		}
		data, ok := c.eventq.pop()
		if !ok {
			return true
		}
		if !c.writeFrame(data) {
			return false
		}
	}
}

func (c *conn) writeFrame(data []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.close(protocol.CloseInternal, "write failed", ErrConnectionClosed)
		// The writer owns the socket; closing it here unblocks the reader.
		_ = c.ws.Close()
		return false
	}
	c.hub.framesOut.Add(1)
	return true
}

// flushAndClose drains queued control frames, then writes the close frame
// and closes the socket. Queued events are abandoned.
func (c *conn) flushAndClose() {
	for {
		select {
		case data := <-c.sendq:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.ws.Close()
				return
			}
		default:
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
			_ = c.ws.Close()
			return
		}
	}
}

// readPump is the sole reader. It decodes frames and hands them to the hub
// dispatcher until the socket dies or close() is called.
func (c *conn) readPump() {
	defer c.hub.wg.Done()
	defer c.close(protocol.CloseInternal, "read failed", ErrConnectionClosed)
	c.ws.SetReadLimit(c.hub.opts.MaxFrameBytes)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("rejecting malformed frame", "error", err)
			_ = c.enqueue(protocol.NewError("", "bad_frame", err.Error()))
			continue
		}
		c.hub.framesIn.Add(1)
		c.hub.dispatch(c, frame)
	}
}

// heartbeatLoop sends system.ping every interval and expects a pong within
// the timeout. Two consecutive misses close the connection.
func (c *conn) heartbeatLoop() {
	defer c.hub.wg.Done()
	ticker := time.NewTicker(c.hub.opts.HeartbeatInterval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// A pong from a previous round must not satisfy this one.
			select {
			case <-c.pongCh:
			default:
			}
			ping, err := protocol.NewSystem(protocol.OpPing, nil)
			if err != nil {
				continue
			}
			if err := c.enqueue(ping); err != nil {
				return
			}
			timer := time.NewTimer(c.hub.opts.HeartbeatTimeout)
			select {
			case <-c.pongCh:
				timer.Stop()
				misses = 0
			case <-timer.C:
				misses++
				c.logger.Debug("heartbeat miss", "misses", misses)
				if misses >= protocol.HeartbeatMaxMisses {
					c.close(protocol.CloseInternal, "heartbeat timeout", ErrConnectionClosed)
					return
				}
			case <-c.done:
				timer.Stop()
				return
			}
		}
	}
}

// notePong records a heartbeat reply.
func (c *conn) notePong() {
	c.lastHeartbeat.Store(time.Now().UnixMilli())
	select {
	case c.pongCh <- struct{}{}:
	default:
	}
}

// eventRing buffers encoded event frames for one connection, discarding the
// oldest when full.
type eventRing struct {
	mu      sync.Mutex
	buf     [][]byte
	head    int
	n       int
	dropped int64
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([][]byte, capacity)}
}

// push appends data, evicting the oldest entry when the ring is full.
// Reports whether an eviction happened.
func (r *eventRing) push(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := false
	if r.n == len(r.buf) {
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		r.dropped++
		evicted = true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = data
	r.n++
	return evicted
}

func (r *eventRing) pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		return nil, false
	}
	data := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return data, true
}

func (r *eventRing) droppedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
