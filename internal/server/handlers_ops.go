package server

import (
	"fmt"
	"net/http"

	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
)

// queuedResult is the response payload for mutations that may be deferred
// while the target server is offline.
type queuedResult struct {
	Player string `json:"player,omitempty"`
	Queued bool   `json:"queued"`
}

func queuedStatus(queued bool) int {
	if queued {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// HandleListPlayers handles GET /api/servers/{id}/players. An offline server
// reports an empty list with stale=true.
func (h *Handlers) HandleListPlayers(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	players, stale, err := h.ops.PlayerListOnline(r.Context(), claims, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, struct {
		Players []protocol.PlayerInfo `json:"players"`
		Count   int                   `json:"count"`
		Stale   bool                  `json:"stale"`
	}{Players: players, Count: len(players), Stale: stale})
}

// HandleGetPlayer handles GET /api/servers/{id}/players/{playerId}. The
// lookup runs against the identity cache, so it answers for offline players
// too, as long as they were last seen on this server.
func (h *Handlers) HandleGetPlayer(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	serverID := r.PathValue("id")

	if err := h.authz.Require(r.Context(), claims, serverID, authz.OpServerView); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	entry, err := h.ops.PlayerLookup(r.Context(), claims, r.PathValue("playerId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if entry.LastServerID != serverID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "player not seen on this server")
		return
	}
	writeJSON(w, r, http.StatusOK, entry)
}

// kickRequest is the request body for POST /api/servers/{id}/players/{playerId}/kick.
type kickRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleKickPlayer handles POST /api/servers/{id}/players/{playerId}/kick.
func (h *Handlers) HandleKickPlayer(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req kickRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
			return
		}
	}

	player := r.PathValue("playerId")
	queued, err := h.ops.PlayerKick(r.Context(), claims, auditMeta(r), r.PathValue("id"), player, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, queuedStatus(queued), queuedResult{Player: player, Queued: queued})
}

// HandleListWhitelist handles GET /api/servers/{id}/whitelist.
func (h *Handlers) HandleListWhitelist(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	players, stale, err := h.ops.WhitelistList(r.Context(), claims, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if players == nil {
		players = []string{}
	}
	writeJSON(w, r, http.StatusOK, struct {
		Players []string `json:"players"`
		Count   int      `json:"count"`
		Stale   bool     `json:"stale"`
	}{Players: players, Count: len(players), Stale: stale})
}

// HandleWhitelistAdd handles POST /api/servers/{id}/whitelist.
func (h *Handlers) HandleWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.WhitelistRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	queued, err := h.ops.WhitelistAdd(r.Context(), claims, auditMeta(r), r.PathValue("id"), req.Player)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, queuedStatus(queued), queuedResult{Player: req.Player, Queued: queued})
}

// HandleWhitelistRemove handles DELETE /api/servers/{id}/whitelist/{playerId}.
func (h *Handlers) HandleWhitelistRemove(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	player := r.PathValue("playerId")
	queued, err := h.ops.WhitelistRemove(r.Context(), claims, auditMeta(r), r.PathValue("id"), player)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, queuedStatus(queued), queuedResult{Player: player, Queued: queued})
}

// whitelistSyncRequest is the request body for PUT /api/servers/{id}/whitelist.
type whitelistSyncRequest struct {
	Players []string `json:"players"`
}

// HandleWhitelistSync handles PUT /api/servers/{id}/whitelist. The supplied
// list replaces the server's whitelist wholesale; it requires the server to
// be online.
func (h *Handlers) HandleWhitelistSync(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req whitelistSyncRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	if err := h.ops.WhitelistSync(r.Context(), claims, auditMeta(r), r.PathValue("id"), req.Players); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, struct {
		Players int  `json:"players"`
		Synced  bool `json:"synced"`
	}{Players: len(req.Players), Synced: true})
}

// HandleListBans handles GET /api/servers/{id}/bans. The ban list lives on
// the server, so this requires it to be online.
func (h *Handlers) HandleListBans(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	bans, err := h.ops.BanList(r.Context(), claims, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if bans == nil {
		bans = []model.BanEntry{}
	}
	writeJSON(w, r, http.StatusOK, struct {
		Bans  []model.BanEntry `json:"bans"`
		Count int              `json:"count"`
	}{Bans: bans, Count: len(bans)})
}

// HandleBanAdd handles POST /api/servers/{id}/bans.
func (h *Handlers) HandleBanAdd(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.BanRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	queued, err := h.ops.BanAdd(r.Context(), claims, auditMeta(r), r.PathValue("id"), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, queuedStatus(queued), queuedResult{Player: req.Player, Queued: queued})
}

// banUpdateRequest is the request body for PUT /api/servers/{id}/bans/{banId}.
type banUpdateRequest struct {
	Reason   string `json:"reason,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HandleBanUpdate handles PUT /api/servers/{id}/bans/{banId}. Minecraft ban
// lists are keyed by player, so updating a ban re-issues it with the new
// reason and duration.
func (h *Handlers) HandleBanUpdate(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req banUpdateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	player := r.PathValue("banId")
	queued, err := h.ops.BanAdd(r.Context(), claims, auditMeta(r), r.PathValue("id"), model.BanRequest{
		Player:   player,
		Reason:   req.Reason,
		Duration: req.Duration,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, queuedStatus(queued), queuedResult{Player: player, Queued: queued})
}

// HandleBanRemove handles DELETE /api/servers/{id}/bans/{banId}.
func (h *Handlers) HandleBanRemove(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	player := r.PathValue("banId")
	queued, err := h.ops.BanRemove(r.Context(), claims, auditMeta(r), r.PathValue("id"), player)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, queuedStatus(queued), queuedResult{Player: player, Queued: queued})
}

// HandleExecuteCommand handles POST /api/servers/{id}/commands. A retry with
// the same Idempotency-Key replays the recorded outcome instead of running
// the command twice.
func (h *Handlers) HandleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	serverID := r.PathValue("id")

	var req model.CommandRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.UserID, "POST:/api/servers/"+serverID+"/commands", req)
	if !proceed {
		return
	}

	res, err := h.ops.CommandExecute(r.Context(), claims, auditMeta(r), serverID, req)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, err)
		return
	}

	status := queuedStatus(res.Queued)
	h.completeIdempotentWriteBestEffort(r, idem, status, res)
	writeJSON(w, r, status, res)
}

// HandleBatchCommand handles POST /api/batch/commands.
func (h *Handlers) HandleBatchCommand(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.BatchCommandRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.UserID, "POST:/api/batch/commands", req)
	if !proceed {
		return
	}

	res, err := h.ops.CommandBatch(r.Context(), claims, auditMeta(r), req)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, err)
		return
	}

	h.completeIdempotentWriteBestEffort(r, idem, http.StatusOK, res)
	writeJSON(w, r, http.StatusOK, res)
}

// HandleBroadcast handles POST /api/servers/{id}/broadcast.
func (h *Handlers) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.BroadcastRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	if err := h.ops.Broadcast(r.Context(), claims, auditMeta(r), r.PathValue("id"), req.Message); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "broadcast sent")
}

// HandleListPending handles GET /api/servers/{id}/pending. Without a status
// filter it returns operations still waiting to run.
func (h *Handlers) HandleListPending(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, offset := pageWindow(r)

	statuses := []model.PendingStatus{model.PendingQueued, model.PendingRunning}
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := parsePendingStatus(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
			return
		}
		statuses = []model.PendingStatus{st}
	}

	ops, total, err := h.pending.List(r.Context(), claims, r.PathValue("id"), statuses, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if ops == nil {
		ops = []model.PendingOperation{}
	}
	writeList(w, r, ops, total, limit, offset, len(ops))
}

// HandleCancelPending handles DELETE /api/servers/{id}/pending/{opId}.
func (h *Handlers) HandleCancelPending(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	err := h.pending.Cancel(r.Context(), claims, auditMeta(r), r.PathValue("id"), r.PathValue("opId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "operation cancelled")
}

func parsePendingStatus(s string) (model.PendingStatus, error) {
	switch st := model.PendingStatus(s); st {
	case model.PendingQueued, model.PendingRunning, model.PendingDone, model.PendingFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown pending status %q", s)
	}
}
