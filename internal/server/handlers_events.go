package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/model"
)

// HandleEvents handles GET /api/events (SSE). Filters: ?serverId and ?type,
// both repeatable. Non-owner callers are scoped to servers they hold grants
// on regardless of the requested filter.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	sub := events.Subscription{
		ServerIDs: r.URL.Query()["serverId"],
		Types:     r.URL.Query()["type"],
	}

	accessible, err := h.authz.AccessibleServers(r.Context(), claims)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if accessible != nil {
		if len(sub.ServerIDs) == 0 {
			if len(accessible) == 0 {
				writeError(w, r, http.StatusForbidden, model.ErrCodePermission, "no accessible servers")
				return
			}
			for id := range accessible {
				sub.ServerIDs = append(sub.ServerIDs, id)
			}
		} else {
			for _, id := range sub.ServerIDs {
				if !accessible[id] {
					writeError(w, r, http.StatusForbidden, model.ErrCodePermission, "not authorized for server "+id)
					return
				}
			}
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE streams are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch, unsubscribe := h.broker.Subscribe(sub)
	defer unsubscribe()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE formats one event as an SSE message:
// "event: <type>\ndata: <json>\n\n".
func writeSSE(w http.ResponseWriter, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + e.Type + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
