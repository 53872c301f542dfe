package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
	"github.com/mochi-link/mochi/internal/router"
	"github.com/mochi-link/mochi/internal/service/ops"
	"github.com/mochi-link/mochi/internal/service/pending"
	"github.com/mochi-link/mochi/internal/service/servers"
	"github.com/mochi-link/mochi/internal/storage"
)

// Handlers bundles the dependencies every endpoint works against.
type Handlers struct {
	db      *storage.DB
	jwtMgr  *auth.JWTManager
	hub     *hub.Hub
	servers *servers.Service
	ops     *ops.Service
	pending *pending.Engine
	router  *router.Router
	authz   *authz.Checker
	broker  *events.Broker
	logger  *slog.Logger

	version             string
	startedAt           time.Time
	maxRequestBodyBytes int64
	openAPISpec         []byte
	openAPIJSONOnce     sync.Once
	openAPIJSON         []byte
}

// HandlersDeps holds everything needed to construct Handlers.
type HandlersDeps struct {
	DB      *storage.DB
	JWTMgr  *auth.JWTManager
	Hub     *hub.Hub
	Servers *servers.Service
	Ops     *ops.Service
	Pending *pending.Engine
	Router  *router.Router
	Authz   *authz.Checker
	Broker  *events.Broker
	Logger  *slog.Logger
	Version string
	MaxBody int64
	OpenAPI []byte
	Started time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxBody <= 0 {
		d.MaxBody = 1 << 20 // 1 MiB
	}
	if d.Started.IsZero() {
		d.Started = time.Now()
	}
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		hub:                 d.Hub,
		servers:             d.Servers,
		ops:                 d.Ops,
		pending:             d.Pending,
		router:              d.Router,
		authz:               d.Authz,
		broker:              d.Broker,
		logger:              d.Logger.With("component", "http"),
		version:             d.Version,
		startedAt:           d.Started,
		maxRequestBodyBytes: d.MaxBody,
		openAPISpec:         d.OpenAPI,
	}
}

// HandleAuthToken handles POST /api/auth/token. Exchanges a raw operator key
// for a short-lived JWT so clients do not present the long-lived key on
// every request.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}
	if req.Key == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "key is required")
		return
	}

	prefix, _, err := model.ParseRawKey(req.Key)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	key, err := h.db.GetOperatorKeyByPrefix(r.Context(), prefix)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	now := time.Now().UTC()
	if key.RevokedAt != nil || (key.ExpiresAt != nil && key.ExpiresAt.Before(now)) {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	match, err := auth.VerifyOperatorKey(req.Key, key.KeyHash)
	if err != nil || !match {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key.OperatorID, key.Role, &key.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	if err := h.db.TouchOperatorKeyUsed(r.Context(), key.ID); err != nil {
		h.logger.Debug("touch operator key failed", "key_id", key.ID, "error", err)
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Role:      key.Role,
	})
}

// HandleHealth handles GET /api/health (no auth).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:         "ok",
		Version:        h.version,
		Postgres:       "ok",
		ProtocolVer:    protocol.Version,
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
		ActiveSessions: h.hub.Connections(),
	}

	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
	} else {
		if byStatus, err := h.db.CountServersByStatus(r.Context()); err == nil {
			for _, n := range byStatus {
				resp.ServersTotal += n
			}
			resp.ServersOnline = byStatus[model.StatusOnline]
		}
		if counts, err := h.db.CountPendingByStatus(r.Context()); err == nil {
			resp.PendingOps = counts[model.PendingQueued] + counts[model.PendingRunning]
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleStatistics handles GET /api/statistics.
func (h *Handlers) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	var resp model.StatisticsResponse
	resp.CollectedAt = time.Now().UTC()

	byStatus, err := h.db.CountServersByStatus(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to collect statistics", err)
		return
	}
	resp.Servers.ByStatus = make(map[string]int, len(byStatus))
	for s, n := range byStatus {
		resp.Servers.ByStatus[string(s)] = n
		resp.Servers.Total += n
	}

	byCore, err := h.db.CountServersByCore(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to collect statistics", err)
		return
	}
	resp.Servers.ByCore = byCore

	if online, err := h.db.OnlinePlayerTotal(r.Context()); err == nil {
		resp.Players.Online = online
	}
	if cached, err := h.db.CountPlayers(r.Context()); err == nil {
		resp.Players.Cached = cached
	}

	framesIn, framesOut, eventsIn := h.hub.Traffic()
	resp.Traffic.FramesIn = framesIn
	resp.Traffic.FramesOut = framesOut
	resp.Traffic.EventsIn = eventsIn
	resp.Traffic.CommandsRun = h.ops.CommandsRun()

	if counts, err := h.db.CountPendingByStatus(r.Context()); err == nil {
		resp.Pending.Queued = counts[model.PendingQueued]
		resp.Pending.Running = counts[model.PendingRunning]
		resp.Pending.Failed = counts[model.PendingFailed]
	}

	writeJSON(w, r, http.StatusOK, resp)
}
