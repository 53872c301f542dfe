package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/protocol"
)

// dispatch routes one inbound frame from an authenticated connection.
// Responses and errors resolve pending requests, events fan out through the
// broker, and the rest is connector-originated system traffic.
func (h *Hub) dispatch(c *conn, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeResponse:
		c.resolveResponse(f)
	case protocol.TypeError:
		c.resolveError(f)
	case protocol.TypeEvent:
		h.publishEvent(c, f)
	case protocol.TypeRequest, protocol.TypeSystem:
		h.handleSystem(c, f)
	}
}

// publishEvent fans a connector event into the broker. The router, SSE
// clients, bot surface, and monitoring collector all subscribe there, so the
// hub never needs to know who is listening.
func (h *Hub) publishEvent(c *conn, f *protocol.Frame) {
	var data map[string]any
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &data); err != nil {
			c.logger.Warn("event with non-object data", "op", f.Op, "error", err)
			return
		}
	}
	ts := time.Now().UTC()
	if f.Timestamp > 0 {
		ts = time.UnixMilli(f.Timestamp).UTC()
	}
	h.eventsIn.Add(1)
	h.broker.Publish(events.Event{
		ServerID:  c.serverID,
		Type:      f.Op,
		Data:      data,
		Timestamp: ts,
	})
}

// handleSystem services connector-originated system traffic: pongs,
// handshake replies, and voluntary disconnects. Anything else gets an
// unsupported error so a misbehaving connector finds out immediately.
func (h *Hub) handleSystem(c *conn, f *protocol.Frame) {
	switch f.Op {
	case protocol.OpPong:
		c.notePong()
	case protocol.OpHandshake:
		h.completeHandshake(c, f)
	case protocol.OpDisconnect:
		var d protocol.DisconnectData
		_ = f.DecodeData(&d) // reason is optional
		reason := d.Reason
		if reason == "" {
			reason = "connector requested disconnect"
		}
		c.close(protocol.CloseNormal, reason, ErrConnectionClosed)
	default:
		if f.ID != "" {
			_ = c.enqueue(protocol.NewError(f.ID, "unsupported", "unsupported operation "+f.Op))
			return
		}
		c.logger.Debug("unsupported frame", "op", f.Op, "type", string(f.Type))
	}
}

// completeHandshake records the connector's declared identity and, on the
// first handshake, hands the connection to the binder. The bind runs off the
// read loop because draining pending operations sends requests whose
// responses arrive through that same loop.
func (h *Hub) completeHandshake(c *conn, f *protocol.Frame) {
	var hs protocol.HandshakeData
	if err := f.DecodeData(&hs); err != nil {
		c.logger.Warn("malformed handshake", "error", err)
		_ = c.enqueue(protocol.NewError(f.ID, "bad_handshake", err.Error()))
		return
	}
	c.handshake.Store(&hs)
	if !c.bound.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("handshake complete",
		"coreType", hs.CoreType, "coreName", hs.CoreName, "coreVersion", hs.CoreVersion)
	if b := h.currentBinder(); b != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			b.BindConnection(ctx, c.serverID, hs)
		}()
	}
}
