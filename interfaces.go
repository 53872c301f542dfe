package mochi

import (
	"context"
	"net/http"
)

// BotAdapter delivers outbound messages to a chat group. The embedding
// program implements it over whatever chat platform it bridges; the hub
// calls it for event fan-out to bound groups.
type BotAdapter interface {
	SendToGroup(ctx context.Context, groupID, message string) error
}

// ServerEventHook receives async notifications on server lifecycle and
// gameplay events. Multiple hooks may be registered via multiple
// WithServerEventHook calls. Hook methods run in goroutines; they must not
// block indefinitely. Failures are logged and do not affect the hub.
type ServerEventHook interface {
	OnServerConnected(ctx context.Context, server Server) error
	OnServerDisconnected(ctx context.Context, server Server, reason string) error
	OnServerEvent(ctx context.Context, event Event) error
}

// RouteRegistrar registers additional routes on the admin API mux.
// Extra routes share the mux, auth chain, and OTEL instrumentation with the
// built-in routes. The function is called once during New after all built-in
// routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides RBAC middleware for use in RouteRegistrar. It wraps
// the server's role check so extra routes use the same auth chain without
// depending on internal packages.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler of the admin API listener.
// Applied outermost (before routing), so it sees all requests including
// /api/health. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
