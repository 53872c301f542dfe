package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
)

var errAuthDeadline = errors.New("hub: authentication deadline exceeded")

// HandleWS upgrades a connector socket and runs admission. Mount it at /ws
// on the WebSocket listener.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	down := h.shutdown
	h.mu.RUnlock()
	if down {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if max := h.opts.MaxConnections; max > 0 && int(h.sockets.Load()) >= max {
		h.logger.Warn("connection limit reached, refusing", "remoteAddr", r.RemoteAddr, "limit", max)
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}
	h.sockets.Add(1)
	h.wg.Add(1)
	go h.admit(ws, r)
}

// admit authenticates the socket within the auth deadline, installs the
// connection, starts its pumps, and opens the handshake.
func (h *Hub) admit(ws *websocket.Conn, r *http.Request) {
	defer h.wg.Done()
	remoteIP := remoteIPOf(r)
	serverID, token := wsCredentials(r)

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.AuthTimeout)
	defer cancel()

	var (
		tok model.APIToken
		err error
	)
	switch {
	case serverID != "" && token != "":
		tok, err = h.authDirect(ctx, serverID, token, remoteIP)
	case h.opts.ChallengeAuth:
		serverID, tok, err = h.authChallenge(ctx, ws, remoteIP)
	default:
		h.refuse(ws, protocol.CloseAuthFailed, "missing credentials")
		return
	}
	if err != nil {
		code := protocol.CloseAuthFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errAuthDeadline) {
			code = protocol.CloseAuthTimeout
		}
		h.logger.Warn("connector auth failed",
			"serverId", serverID, "remoteAddr", r.RemoteAddr, "error", err)
		h.refuse(ws, code, "authentication failed")
		return
	}

	if err := h.tokens.TouchTokenUsed(ctx, tok.ID); err != nil {
		h.logger.Warn("touch token used", "serverId", serverID, "error", err)
	}

	c := newConn(h, ws, serverID, r.RemoteAddr)
	if err := h.install(c); err != nil {
		h.refuse(ws, protocol.CloseNormal, "hub shutting down")
		return
	}
	h.logger.Info("connector authenticated", "serverId", serverID, "remoteAddr", r.RemoteAddr)

	h.wg.Add(3)
	go c.writePump()
	go c.readPump()
	go c.heartbeatLoop()

	hs, err := protocol.NewSystem(protocol.OpHandshake, protocol.HandshakeData{
		HubVersion:   h.opts.Version,
		Capabilities: h.opts.Capabilities,
	})
	if err != nil {
		c.close(protocol.CloseInternal, "handshake encode failed", ErrConnectionClosed)
		return
	}
	_ = c.enqueue(hs)
}

// authDirect validates URL or header credentials. The lookup is by token
// hash so a wrong token costs one indexed miss, then the raw comparison runs
// in constant time.
func (h *Hub) authDirect(ctx context.Context, serverID, presented, remoteIP string) (model.APIToken, error) {
	tok, err := h.tokens.GetTokenByHash(ctx, auth.HashServerToken(presented))
	if err != nil {
		return model.APIToken{}, fmt.Errorf("hub: token lookup: %w", err)
	}
	if tok.ServerID != serverID {
		return model.APIToken{}, auth.ErrTokenMismatch
	}
	if err := auth.ValidateServerToken(tok, presented, remoteIP, time.Now()); err != nil {
		return model.APIToken{}, err
	}
	return tok, nil
}

// authChallenge runs the nonce round-trip for connectors that present no
// credentials. The connector proves possession of its token by signing the
// nonce; the hub never sees the token itself.
func (h *Hub) authChallenge(ctx context.Context, ws *websocket.Conn, remoteIP string) (string, model.APIToken, error) {
	nonce, err := auth.NewChallengeNonce()
	if err != nil {
		return "", model.APIToken{}, err
	}
	challenge, err := protocol.NewSystem(protocol.OpAuthChallenge, protocol.ChallengeData{Nonce: nonce})
	if err != nil {
		return "", model.APIToken{}, err
	}
	raw, err := protocol.Encode(challenge)
	if err != nil {
		return "", model.APIToken{}, err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return "", model.APIToken{}, fmt.Errorf("hub: send challenge: %w", err)
	}

	// The pumps don't exist yet, so reading inline here is safe.
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.AuthTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()
	ws.SetReadLimit(h.opts.MaxFrameBytes)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				return "", model.APIToken{}, errAuthDeadline
			}
			return "", model.APIToken{}, fmt.Errorf("hub: read challenge response: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil || frame.Op != protocol.OpAuthResponse {
			continue // not the response yet; the deadline bounds how long we wait
		}
		var resp protocol.AuthResponseData
		if err := frame.DecodeData(&resp); err != nil {
			return "", model.APIToken{}, err
		}
		tok, err := h.tokens.GetTokenForServer(ctx, resp.ServerID)
		if err != nil {
			return "", model.APIToken{}, fmt.Errorf("hub: challenge token lookup: %w", err)
		}
		if !auth.VerifyChallengeSignature(nonce, tok.Token, resp.Signature) {
			return "", model.APIToken{}, auth.ErrTokenMismatch
		}
		if err := auth.CheckTokenUsable(tok, remoteIP, time.Now()); err != nil {
			return "", model.APIToken{}, err
		}
		return resp.ServerID, tok, nil
	}
}

// refuse closes a socket that never became a registered connection.
func (h *Hub) refuse(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
	_ = ws.Close()
	h.sockets.Add(-1)
}

// wsCredentials extracts serverId and token from the query string, falling
// back to the X-Server-ID / X-Auth-Token headers.
func wsCredentials(r *http.Request) (serverID, token string) {
	q := r.URL.Query()
	serverID = q.Get("serverId")
	token = q.Get("token")
	if serverID == "" {
		serverID = r.Header.Get("X-Server-ID")
	}
	if token == "" {
		token = r.Header.Get("X-Auth-Token")
	}
	return serverID, token
}

func remoteIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
