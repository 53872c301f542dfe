package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/ratelimit"
	"github.com/mochi-link/mochi/internal/router"
	"github.com/mochi-link/mochi/internal/service/ops"
	"github.com/mochi-link/mochi/internal/service/pending"
	"github.com/mochi-link/mochi/internal/service/servers"
	"github.com/mochi-link/mochi/internal/storage"
)

// Server is the Mochi-Link admin HTTP server: the REST API, the MCP
// transport, and the embedded UI. Connectors attach on a separate WebSocket
// listener owned by the App, never through this mux.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// RoleMiddlewareFn builds a middleware that rejects requests from operators
// whose role is below minimum. Extra route registrars receive one so
// embedder routes share the built-in RBAC.
type RoleMiddlewareFn func(minimum model.Role) func(http.Handler) http.Handler

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, UIFS, OpenAPISpec,
// ExtraRoutes, Middlewares.
type Config struct {
	// Required dependencies.
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

	// Optional dependencies (nil = disabled).
	Limiter   *ratelimit.SlidingWindow
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSEnabled         bool
	CORSAllowedOrigins  []string // Empty with CORSEnabled reflects any origin.

	// Optional embedded assets.
	UIFS        fs.FS  // Embedded UI filesystem (SPA).
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Embedder extension points. ExtraRoutes are registered on the same mux
	// as the built-in API, so they sit behind version negotiation, auth, and
	// logging. Middlewares wrap the whole chain, first registered outermost.
	ExtraRoutes []func(*http.ServeMux, RoleMiddlewareFn)
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		DB:      cfg.DB,
		JWTMgr:  cfg.JWTMgr,
		Hub:     cfg.Hub,
		Servers: cfg.Servers,
		Ops:     cfg.Ops,
		Pending: cfg.Pending,
		Router:  cfg.Router,
		Authz:   cfg.Authz,
		Broker:  cfg.Broker,
		Logger:  cfg.Logger,
		Version: cfg.Version,
		MaxBody: cfg.MaxRequestBodyBytes,
		OpenAPI: cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules. Commands get a tighter budget than reads because
	// each one lands on a live game server.
	apiRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "api", Limit: 300, Window: time.Minute,
	}, actorKeyFunc, reqIDFunc)
	commandRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "command", Limit: 60, Window: time.Minute,
	}, actorKeyFunc, reqIDFunc)
	authRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "auth", Limit: 20, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /api/auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Server registry.
	mux.Handle("GET /api/servers", apiRL(http.HandlerFunc(h.HandleListServers)))
	mux.Handle("POST /api/servers", apiRL(http.HandlerFunc(h.HandleRegisterServer)))
	mux.Handle("GET /api/servers/{id}", apiRL(http.HandlerFunc(h.HandleGetServer)))
	mux.Handle("PUT /api/servers/{id}", apiRL(http.HandlerFunc(h.HandleUpdateServer)))
	mux.Handle("DELETE /api/servers/{id}", apiRL(http.HandlerFunc(h.HandleDeleteServer)))
	mux.Handle("GET /api/servers/{id}/status", apiRL(http.HandlerFunc(h.HandleServerStatus)))
	mux.Handle("POST /api/servers/{id}/token/rotate", apiRL(http.HandlerFunc(h.HandleRotateServerToken)))

	// Per-server access control.
	mux.Handle("GET /api/servers/{id}/acl", apiRL(http.HandlerFunc(h.HandleListACL)))
	mux.Handle("POST /api/servers/{id}/acl", apiRL(http.HandlerFunc(h.HandleGrantACL)))
	mux.Handle("DELETE /api/servers/{id}/acl/{userId}", apiRL(http.HandlerFunc(h.HandleRevokeACL)))

	// Players.
	mux.Handle("GET /api/servers/{id}/players", apiRL(http.HandlerFunc(h.HandleListPlayers)))
	mux.Handle("GET /api/servers/{id}/players/{playerId}", apiRL(http.HandlerFunc(h.HandleGetPlayer)))
	mux.Handle("POST /api/servers/{id}/players/{playerId}/kick", commandRL(http.HandlerFunc(h.HandleKickPlayer)))

	// Whitelist.
	mux.Handle("GET /api/servers/{id}/whitelist", apiRL(http.HandlerFunc(h.HandleListWhitelist)))
	mux.Handle("POST /api/servers/{id}/whitelist", apiRL(http.HandlerFunc(h.HandleWhitelistAdd)))
	mux.Handle("PUT /api/servers/{id}/whitelist", apiRL(http.HandlerFunc(h.HandleWhitelistSync)))
	mux.Handle("DELETE /api/servers/{id}/whitelist/{playerId}", apiRL(http.HandlerFunc(h.HandleWhitelistRemove)))

	// Bans.
	mux.Handle("GET /api/servers/{id}/bans", apiRL(http.HandlerFunc(h.HandleListBans)))
	mux.Handle("POST /api/servers/{id}/bans", apiRL(http.HandlerFunc(h.HandleBanAdd)))
	mux.Handle("PUT /api/servers/{id}/bans/{banId}", apiRL(http.HandlerFunc(h.HandleBanUpdate)))
	mux.Handle("DELETE /api/servers/{id}/bans/{banId}", apiRL(http.HandlerFunc(h.HandleBanRemove)))

	// Commands and broadcast (tight rate limit).
	mux.Handle("POST /api/servers/{id}/commands", commandRL(http.HandlerFunc(h.HandleExecuteCommand)))
	mux.Handle("POST /api/batch/commands", commandRL(http.HandlerFunc(h.HandleBatchCommand)))
	mux.Handle("POST /api/servers/{id}/broadcast", commandRL(http.HandlerFunc(h.HandleBroadcast)))

	// Pending operations.
	mux.Handle("GET /api/servers/{id}/pending", apiRL(http.HandlerFunc(h.HandleListPending)))
	mux.Handle("DELETE /api/servers/{id}/pending/{opId}", apiRL(http.HandlerFunc(h.HandleCancelPending)))

	// Group bindings.
	mux.Handle("GET /api/bindings", apiRL(http.HandlerFunc(h.HandleListBindings)))
	mux.Handle("POST /api/bindings", apiRL(http.HandlerFunc(h.HandleCreateBinding)))
	mux.Handle("GET /api/bindings/{id}", apiRL(http.HandlerFunc(h.HandleGetBinding)))
	mux.Handle("PUT /api/bindings/{id}", apiRL(http.HandlerFunc(h.HandleUpdateBinding)))
	mux.Handle("DELETE /api/bindings/{id}", apiRL(http.HandlerFunc(h.HandleDeleteBinding)))

	// Operator key management (admin-only, no rate limit; admins are exempt).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /api/keys", adminOnly(http.HandlerFunc(h.HandleCreateKey)))
	mux.Handle("GET /api/keys", adminOnly(http.HandlerFunc(h.HandleListKeys)))
	mux.Handle("DELETE /api/keys/{id}", adminOnly(http.HandlerFunc(h.HandleRevokeKey)))
	mux.Handle("POST /api/keys/{id}/rotate", adminOnly(http.HandlerFunc(h.HandleRotateKey)))

	// Audit log and player identity cache.
	mux.Handle("GET /api/audit", apiRL(http.HandlerFunc(h.HandleListAudit)))
	mux.Handle("GET /api/players", apiRL(http.HandlerFunc(h.HandleSearchPlayers)))
	mux.Handle("GET /api/players/{identifier}", apiRL(http.HandlerFunc(h.HandleLookupPlayer)))

	// Statistics.
	mux.Handle("GET /api/statistics", apiRL(http.HandlerFunc(h.HandleStatistics)))

	// Event stream (no rate limit; long-lived connection).
	mux.HandleFunc("GET /api/events", h.HandleEvents)

	// MCP StreamableHTTP transport (operator auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// API docs (no auth, no rate limit).
	mux.HandleFunc("GET /api/docs", h.HandleDocs)
	mux.HandleFunc("GET /api/docs/openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /api/docs/openapi.json", h.HandleOpenAPISpecJSON)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /api/health", h.HandleHealth)

	// Embedder routes.
	for _, register := range cfg.ExtraRoutes {
		register(mux, requireRole)
	}

	// SPA: serve the embedded UI at the root path.
	// Registered last so all API routes take priority via the mux's longest-match rule.
	if cfg.UIFS != nil {
		mux.Handle("/", newSPAHandler(cfg.UIFS))
		cfg.Logger.Info("ui enabled, serving SPA at /")
	}

	authn := &authenticator{jwt: cfg.JWTMgr, db: cfg.DB, logger: cfg.Logger}

	// Middleware chain (outermost executes first): request ID → CORS →
	// security headers → tracing → logging → path guard → version → auth →
	// recovery → handler. Version negotiation rewrites /api/v1/... before
	// auth and routing see the path.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authn.middleware(handler)
	handler = versionMiddleware(handler)
	handler = pathGuardMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	if cfg.CORSEnabled {
		// Outside auth so preflights (which carry no credentials) succeed.
		handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	}
	handler = requestIDMiddleware(handler)

	// Embedder middlewares wrap the whole chain; reverse iteration keeps the
	// first registered one outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// actorKeyFunc extracts the operator ID from the request context for rate
// limiting. Returns empty string for admin+ roles (exempt from rate limits).
func actorKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.UserID
}

// Handlers returns the underlying Handlers for access to SeedAdminOperator etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
