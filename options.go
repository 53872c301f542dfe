package mochi

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	httpPort        int
	wsPort          int
	databaseURL     string
	logger          *slog.Logger
	version         string
	botAdapter      BotAdapter
	eventHooks      []ServerEventHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithHTTPPort overrides the admin API port from config (MOCHI_HTTP_PORT env var).
func WithHTTPPort(port int) Option {
	return func(o *resolvedOptions) { o.httpPort = port }
}

// WithWSPort overrides the connector WebSocket port from config (MOCHI_WS_PORT env var).
func WithWSPort(port int) Option {
	return func(o *resolvedOptions) { o.wsPort = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint, the
// connector handshake, and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithBotAdapter installs the outbound group-message sender used for
// server-to-group event routing. Only the last call wins. Without one,
// events are not delivered to groups; HandleGroupMessage still works and
// returns replies to the caller.
func WithBotAdapter(a BotAdapter) Option {
	return func(o *resolvedOptions) { o.botAdapter = a }
}

// WithServerEventHook registers a hook for server lifecycle and gameplay
// events. Multiple hooks may be registered; all registered hooks receive
// every event.
func WithServerEventHook(hook ServerEventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraRoutes registers additional routes on the admin API mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware on the admin API
// listener. Multiple middlewares may be registered. Applied in registration
// order: the first-registered middleware is outermost (called first by every
// request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order. Files use the same naming scheme
// and {{prefix}} placeholder as the embedded migrations.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
