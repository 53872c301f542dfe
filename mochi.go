// Package mochi is the public API for embedding the Mochi-Link hub.
//
// Bridge and plugin consumers import this package to construct and extend
// the hub without forking it:
//
//	app, err := mochi.New(
//	    mochi.WithVersion(version),
//	    mochi.WithLogger(logger),
//	    mochi.WithBotAdapter(myPlatformAdapter{}),
//	    mochi.WithServerEventHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: mochi (root) imports
// internal/*, but internal/* never imports mochi (root). Public types
// (Server, Event, GroupMessage) are standalone structs with no internal
// imports; conversion helpers (toPublicServer, toPublicEvent) live here
// because this is the only file that sees both sides of the boundary.
package mochi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mochi-link/mochi/api"
	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/bot"
	"github.com/mochi-link/mochi/internal/config"
	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/integrity"
	"github.com/mochi-link/mochi/internal/mcp"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/monitor"
	"github.com/mochi-link/mochi/internal/ratelimit"
	"github.com/mochi-link/mochi/internal/router"
	"github.com/mochi-link/mochi/internal/server"
	"github.com/mochi-link/mochi/internal/service/ops"
	"github.com/mochi-link/mochi/internal/service/pending"
	"github.com/mochi-link/mochi/internal/service/servers"
	"github.com/mochi-link/mochi/internal/storage"
	"github.com/mochi-link/mochi/internal/telemetry"
	"github.com/mochi-link/mochi/migrations"
	"github.com/mochi-link/mochi/ui"
)

// Background cadences. These are operational details rather than tuning
// knobs, so they are constants instead of config.
const (
	grantCacheTTL              = 30 * time.Second
	retentionSweepInterval     = time.Hour
	auditProofInterval         = time.Hour
	idempotencyCleanupInterval = 15 * time.Minute
	staleRequeueInterval       = time.Minute
	hookTimeout                = 10 * time.Second
	wsReadHeaderTimeout        = 10 * time.Second
)

// App is the Mochi-Link hub lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	wsSrv        *http.Server
	hub          *hub.Hub
	broker       *events.Broker
	checker      *authz.Checker
	servers      *servers.Service
	pending      *pending.Engine
	router       *router.Router
	bot          *bot.Surface
	monitor      *monitor.Collector
	limiter      *ratelimit.SlidingWindow
	hooks        []ServerEventHook
	hookCancel   func()
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the hub. It connects to the database, runs migrations,
// wires all subsystems, and returns a ready-to-run App. It does NOT start
// any goroutines or accept connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.httpPort != 0 {
		cfg.HTTPPort = o.httpPort
	}
	if o.wsPort != 0 {
		cfg.WSPort = o.wsPort
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("mochi starting",
		"version", version, "http_port", cfg.HTTPPort, "ws_port", cfg.WSPort)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.DBPrefix, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations, then any extra filesystems the embedder added.
	if !cfg.SkipEmbeddedMigrations {
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}
	for _, extra := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extra); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations: %w", err)
		}
	}

	// Create JWT manager. Without configured key paths it generates an
	// ephemeral Ed25519 pair, so tokens do not survive a restart.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// In-process event broker: hub events fan out to SSE, the router, the
	// monitor collector, pending drains, and embedder hooks.
	broker := events.NewBroker(logger)

	// Connection hub. The binder is attached after the server manager exists.
	h := hub.New(db, broker, logger, hub.Options{
		Version:        version,
		ChallengeAuth:  cfg.ChallengeAuth,
		MaxConnections: cfg.MaxConnections,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		RequestTimeout: cfg.RequestTimeout,
	})

	// Grant cache TTL balances pickup of new ACL grants against per-request
	// DB lookups.
	checker := authz.NewChecker(db, grantCacheTTL, logger)

	serverSvc := servers.New(db, h, checker, broker, logger, cfg.TokenExpiry)
	h.SetBinder(serverSvc)

	pendingEng := pending.New(db, h, checker, broker, logger, cfg.PendingDrainTimeout)
	opsSvc := ops.New(db, h, pendingEng, checker, logger)

	// The limiter always exists: group bindings carry their own per-route
	// chat limits regardless of the HTTP toggle. MOCHI_RATE_LIMIT_ENABLED
	// gates only the admin API middleware.
	limiter := ratelimit.NewSlidingWindow(ratelimit.Rule{
		Limit:  cfg.RateLimitMaxRequests,
		Window: cfg.RateLimitWindow,
	})
	var httpLimiter *ratelimit.SlidingWindow
	if cfg.RateLimitEnabled {
		httpLimiter = limiter
		logger.Info("rate limiting: enabled",
			"window", cfg.RateLimitWindow, "max_requests", cfg.RateLimitMaxRequests)
	} else {
		logger.Info("rate limiting: disabled")
	}

	rt := router.New(db, h, checker, broker, limiter, logger)
	if o.botAdapter != nil {
		rt.SetGroupSender(groupSenderAdapter{adapter: o.botAdapter})
		logger.Info("bot adapter: installed, server events will route to bound groups")
	} else {
		logger.Info("bot adapter: none, server-to-group routing disabled")
	}

	botSurface := bot.New(db, serverSvc, opsSvc, pendingEng, rt, logger)

	collector := monitor.NewCollector(db, h, broker, logger, cfg.MonitorReportInterval, 0)

	// Create MCP server (mounted at /mcp by the HTTP server).
	mcpSrv := mcp.New(db, serverSvc, opsSvc, pendingEng, checker, logger, version)

	// Load embedded UI filesystem (non-nil only when built with -tags ui).
	uiFS, err := ui.DistFS()
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("ui: %w", err)
	}

	// Adapt route registrars from the public RouteRegistrar to the internal
	// server format.
	var extraRoutes []func(*http.ServeMux, server.RoleMiddlewareFn)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			fn(mux, &authHelperImpl{roleFn: roleFn})
		})
	}

	// Adapt middlewares from mochi.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, func(next http.Handler) http.Handler { return mw(next) })
	}

	// Admin API server (MCP mounted at /mcp, UI at /).
	srv := server.New(server.Config{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Hub:                 h,
		Servers:             serverSvc,
		Ops:                 opsSvc,
		Pending:             pendingEng,
		Router:              rt,
		Authz:               checker,
		Broker:              broker,
		Logger:              logger,
		Limiter:             httpLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.HTTPPort,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSEnabled:         cfg.CORSEnabled,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		UIFS:                uiFS,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	// Connector WebSocket listener. Separate from the admin API so it can
	// carry its own TLS material and is never behind the API middleware
	// chain; the hub authenticates connectors during the protocol handshake.
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("GET /ws", h.HandleWS)
	wsSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.WSHost, strconv.Itoa(cfg.WSPort)),
		Handler:           wsMux,
		ReadHeaderTimeout: wsReadHeaderTimeout,
	}

	// Seed the bootstrap admin operator key.
	if err := srv.Handlers().SeedAdminOperator(context.Background(), cfg.AdminUser, cfg.AdminAPIKey); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		wsSrv:        wsSrv,
		hub:          h,
		broker:       broker,
		checker:      checker,
		servers:      serverSvc,
		pending:      pendingEng,
		router:       rt,
		bot:          botSurface,
		monitor:      collector,
		limiter:      limiter,
		hooks:        o.eventHooks,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and both listeners, then blocks until
// ctx is cancelled or a listener fails. On return, Shutdown is called
// automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	a.monitor.Start(ctx)
	a.pending.Start(ctx)
	a.router.Start(ctx)
	a.startHooks(ctx)

	// Background loops.
	go a.retentionLoop(ctx)
	go a.auditProofLoop(ctx)
	go a.idempotencyCleanupLoop(ctx)
	go a.staleRequeueLoop(ctx)
	go a.statsReportLoop(ctx)

	// Start both listeners.
	errCh := make(chan error, 2)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := a.listenWS(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or listener error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

func (a *App) listenWS() error {
	a.logger.Info("ws listener starting", "addr", a.wsSrv.Addr, "tls", a.cfg.WSTLSCert != "")
	if a.cfg.WSTLSCert != "" {
		return a.wsSrv.ListenAndServeTLS(a.cfg.WSTLSCert, a.cfg.WSTLSKey)
	}
	return a.wsSrv.ListenAndServe()
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting admin API requests and drain in-flight,
// (2) broadcast system.disconnect to connectors and drain the hub,
// (3) flush buffered monitoring samples to Postgres.
// It then closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mochi shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: connector drain. Stop the WS listener first so no connector
	// joins mid-broadcast, then disconnect and fail in-flight requests.
	hubCtx, hubCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHubTimeout)
	if err := a.wsSrv.Shutdown(hubCtx); err != nil {
		a.logger.Error("ws listener shutdown error", "error", err)
	}
	if err := a.hub.Shutdown(hubCtx); err != nil {
		a.logger.Error("hub shutdown incomplete, connections were closed forcibly", "error", err)
	}
	hubCancel()

	// The drain trigger and router consume broker events; stop them before
	// the final flush so nothing publishes into a closing pipeline.
	a.pending.Stop()
	a.router.Stop()
	if a.hookCancel != nil {
		a.hookCancel()
	}

	// Phase 3: monitoring flush.
	flushCtx, flushCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownFlushTimeout)
	a.monitor.Drain(flushCtx)
	flushCancel()

	// Cleanup.
	a.checker.Close()
	a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("mochi stopped")
	return nil
}

// HandleGroupMessage feeds one group chat line into the hub on behalf of the
// operator the embedder resolved. Command lines (the mochi.* namespace)
// produce a reply and true; anything else routes to chat-bound servers and
// returns false. An unrecognized Role is treated as viewer.
func (a *App) HandleGroupMessage(ctx context.Context, msg GroupMessage) (string, bool) {
	role, err := model.ParseRole(string(msg.Role))
	if err != nil {
		role = model.RoleViewer
	}
	claims := &auth.Claims{UserID: msg.UserID, Role: role}
	return a.bot.HandleMessage(ctx, claims, bot.Message{
		GroupID:  msg.GroupID,
		UserID:   msg.UserID,
		Username: msg.Username,
		Content:  msg.Content,
	})
}

// ── Background loops ───────────────────────────────────────────────────────

// retentionLoop enforces the retention windows: audit rows past
// MOCHI_AUDIT_RETENTION_DAYS (only once covered by a proof batch), monitoring
// samples past MOCHI_MONITOR_RETENTION_DAYS, finished pending operations, and
// expired tokens and ACL grants.
func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			a.sweepRetention(opCtx)
			cancel()
		}
	}
}

func (a *App) sweepRetention(ctx context.Context) {
	now := time.Now().UTC()

	if days := a.cfg.AuditRetentionDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		if n, err := a.db.PurgeAudit(ctx, cutoff); err != nil {
			a.logger.Warn("audit retention purge failed", "error", err)
		} else if n > 0 {
			a.logger.Info("audit retention purge", "deleted", n, "cutoff", cutoff)
		}
		if n, err := a.db.PurgeFinishedPending(ctx, cutoff); err != nil {
			a.logger.Warn("pending history purge failed", "error", err)
		} else if n > 0 {
			a.logger.Info("pending history purge", "deleted", n)
		}
	}

	if days := a.cfg.MonitorRetentionDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		if n, err := a.db.PurgeMonitoring(ctx, cutoff); err != nil {
			a.logger.Warn("monitoring retention purge failed", "error", err)
		} else if n > 0 {
			a.logger.Info("monitoring retention purge", "deleted", n, "cutoff", cutoff)
		}
	}

	if n, err := a.db.DeleteExpiredTokens(ctx); err != nil {
		a.logger.Warn("expired token sweep failed", "error", err)
	} else if n > 0 {
		a.logger.Info("expired tokens removed", "deleted", n)
	}
	if n, err := a.db.DeleteExpiredACL(ctx); err != nil {
		a.logger.Warn("expired grant sweep failed", "error", err)
	} else if n > 0 {
		a.logger.Info("expired grants removed", "deleted", n)
	}
}

func (a *App) auditProofLoop(ctx context.Context) {
	ticker := time.NewTicker(auditProofInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			buildAuditProof(opCtx, a.db, a.logger)
			cancel()
		}
	}
}

// buildAuditProof extends the proof chain over audit rows written since the
// last batch. The chain lets an auditor detect deleted or rewritten history:
// each batch's Merkle root mixes in the previous root, so tampering with any
// covered row breaks every proof after it.
func buildAuditProof(ctx context.Context, db *storage.DB, logger *slog.Logger) {
	latest, err := db.GetLatestAuditProof(ctx)
	if err != nil {
		logger.Warn("audit proof: get latest failed", "error", err)
		return
	}

	var batchStart int64 = 1
	previousRoot := ""
	if latest != nil {
		batchStart = latest.BatchEnd + 1
		previousRoot = latest.RootHash
	}

	maxID, err := db.MaxAuditID(ctx)
	if err != nil {
		logger.Warn("audit proof: max id failed", "error", err)
		return
	}
	if maxID < batchStart {
		return
	}

	entries, err := db.GetAuditRange(ctx, batchStart, maxID)
	if err != nil {
		logger.Warn("audit proof: range read failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	root := integrity.BatchRoot(entries, previousRoot)
	proof, err := db.CreateAuditProof(ctx, model.AuditProof{
		BatchStart:   batchStart,
		BatchEnd:     maxID,
		EntryCount:   len(entries),
		RootHash:     root,
		PreviousRoot: previousRoot,
	})
	if err != nil {
		logger.Warn("audit proof: create failed", "error", err)
		return
	}

	logger.Info("audit proof created",
		"batch_start", proof.BatchStart,
		"batch_end", proof.BatchEnd,
		"entries", proof.EntryCount,
		"root_hash", root[:16]+"...",
	)
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(idempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// staleRequeueLoop returns pending rows whose drain died mid-flight to the
// queue. A requeued row belongs to a server whose connection dropped during
// its drain; if that server is back online, kick a fresh drain, since the
// usual trigger (reconnect) already fired.
func (a *App) staleRequeueLoop(ctx context.Context) {
	ticker := time.NewTicker(staleRequeueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := a.db.RequeueStalePending(opCtx)
			if err != nil {
				cancel()
				a.logger.Warn("stale pending requeue failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("stale pending operations requeued", "count", n)
				for _, serverID := range a.hub.OnlineServers() {
					if _, err := a.pending.Drain(opCtx, serverID); err != nil {
						a.logger.Warn("requeue drain failed", "server_id", serverID, "error", err)
					}
				}
			}
			cancel()
		}
	}
}

// statsReportLoop logs a periodic operational summary. The same counters
// back the /api/statistics endpoint; the log line exists for operators who
// watch journals rather than dashboards.
func (a *App) statsReportLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.MonitorReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			framesIn, framesOut, eventsIn := a.hub.Traffic()
			attrs := []any{
				"connections", a.hub.Connections(),
				"online_servers", len(a.hub.OnlineServers()),
				"frames_in", framesIn,
				"frames_out", framesOut,
				"events_in", eventsIn,
				"dropped_events", a.hub.DroppedEvents(),
				"router", a.router.Stats(),
			}

			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if counts, err := a.pending.Stats(opCtx); err == nil {
				attrs = append(attrs, "pending_queued", counts[model.PendingQueued])
			}
			cancel()

			a.logger.Info("hub statistics", attrs...)
		}
	}
}

// ── Embedder hooks ─────────────────────────────────────────────────────────

// startHooks pumps broker events into the registered ServerEventHooks.
// No-op when none are registered.
func (a *App) startHooks(ctx context.Context) {
	if len(a.hooks) == 0 {
		return
	}

	ch, unsub := a.broker.Subscribe(events.Subscription{})
	a.hookCancel = unsub

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				a.dispatchHookEvent(e)
			}
		}
	}()
}

// dispatchHookEvent fires all hooks for one event in a goroutine. Hook
// methods must not block indefinitely; failures are logged and swallowed.
func (a *App) dispatchHookEvent(e events.Event) {
	hooks := a.hooks
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		switch e.Type {
		case events.TypeServerConnected:
			srv := a.lookupServer(hookCtx, e.ServerID)
			for _, h := range hooks {
				if err := h.OnServerConnected(hookCtx, srv); err != nil {
					a.logger.Warn("event hook OnServerConnected failed", "server_id", e.ServerID, "error", err)
				}
			}
		case events.TypeServerDisconnected:
			srv := a.lookupServer(hookCtx, e.ServerID)
			reason, _ := e.Data["reason"].(string)
			for _, h := range hooks {
				if err := h.OnServerDisconnected(hookCtx, srv, reason); err != nil {
					a.logger.Warn("event hook OnServerDisconnected failed", "server_id", e.ServerID, "error", err)
				}
			}
		default:
			pub := toPublicEvent(e)
			for _, h := range hooks {
				if err := h.OnServerEvent(hookCtx, pub); err != nil {
					a.logger.Warn("event hook OnServerEvent failed",
						"server_id", e.ServerID, "event_type", e.Type, "error", err)
				}
			}
		}
	}()
}

// lookupServer hydrates the public record for hook delivery. A server
// deleted between the event and the lookup still reaches hooks with its id.
func (a *App) lookupServer(ctx context.Context, serverID string) Server {
	rec, err := a.db.GetServer(ctx, serverID)
	if err != nil {
		a.logger.Debug("hook server lookup failed", "server_id", serverID, "error", err)
		return Server{ID: serverID}
	}
	return toPublicServer(rec)
}

// ── Adapters ───────────────────────────────────────────────────────────────

// groupSenderAdapter narrows the public BotAdapter to the router's
// GroupSender contract.
type groupSenderAdapter struct {
	adapter BotAdapter
}

func (g groupSenderAdapter) SendToGroup(ctx context.Context, groupID, message string) error {
	return g.adapter.SendToGroup(ctx, groupID, message)
}

// authHelperImpl implements mochi.AuthHelper using an internal
// server.RoleMiddlewareFn. Constructed in the route registrar adapter
// closure; bridges the public interface to the internal RBAC middleware
// without importing internal/server from embedder code.
type authHelperImpl struct {
	roleFn server.RoleMiddlewareFn
}

func (a *authHelperImpl) RequireRole(role Role) func(http.Handler) http.Handler {
	return a.roleFn(model.Role(role))
}

// ── Type converters ────────────────────────────────────────────────────────

// toPublicServer converts an internal model.Server to the public
// mochi.Server. Connection credentials never cross this boundary.
func toPublicServer(s model.Server) Server {
	return Server{
		ID:             s.ID,
		Name:           s.Name,
		CoreType:       string(s.CoreType),
		CoreName:       s.CoreName,
		CoreVersion:    s.CoreVersion,
		ConnectionMode: string(s.ConnectionMode),
		Status:         string(s.Status),
		OwnerID:        s.OwnerID,
		Tags:           s.Tags,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		LastSeen:       s.LastSeen,
	}
}

func toPublicEvent(e events.Event) Event {
	return Event{
		ServerID:  e.ServerID,
		Type:      e.Type,
		Data:      e.Data,
		Timestamp: e.Timestamp,
	}
}

// ── Helpers ────────────────────────────────────────────────────────────────

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
