// Package server implements the Mochi-Link HTTP admin API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/storage"
)

// RequestIDFromContext extracts the request correlation id from the context.
func RequestIDFromContext(ctx context.Context) string {
	return ctxutil.RequestIDFromContext(ctx)
}

// ClaimsFromContext extracts the authenticated operator claims.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	return ctxutil.ClaimsFromContext(ctx)
}

// requestIDMiddleware assigns a correlation id to each request and echoes it
// back in X-Request-ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := ctxutil.WithRequestID(r.Context(), reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeadersMiddleware sets baseline response headers.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflight requests and stamps the CORS response
// headers for allowed origins. An empty allowlist reflects any origin, which
// suits the default same-host dashboard; lock it down with
// MOCHI_CORS_ALLOWED_ORIGINS when the API is reachable cross-site.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(allowed) == 0 || allowed[origin]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Version, X-Request-ID, Idempotency-Key")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
			h.Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware converts handler panics into 500 responses so one bad
// request cannot take the listener down.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic",
					"panic", fmt.Sprint(rec),
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// pathGuardMiddleware rejects requests whose raw path smells like traversal.
// The mux cleans paths before matching, but the SPA handler and any embedded
// extra routes see the original URL.
func pathGuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "..") || strings.Contains(r.URL.RawPath, "..") {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "path must not contain '..'")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// supportedAPIVersion is the only protocol revision this build speaks. The
// negotiation machinery exists so clients pinning a version fail loudly
// instead of silently getting different semantics after an upgrade.
const supportedAPIVersion = "1"

// versionMiddleware resolves the API version a client asked for. Clients may
// pin via path (/api/v1/...), X-API-Version, ?version=, or an Accept media
// type (application/vnd.mochi-link.v1+json). Anything other than the
// supported version is rejected; the path form is rewritten so routes only
// exist once.
func versionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		requested := ""
		if rest, ok := strings.CutPrefix(r.URL.Path, "/api/v"); ok {
			if seg, tail, found := strings.Cut(rest, "/"); found && isDigits(seg) {
				requested = seg
				if requested == supportedAPIVersion {
					r.URL.Path = "/api/" + tail
					r.URL.RawPath = ""
				}
			}
		}
		if v := r.Header.Get("X-API-Version"); requested == "" && v != "" {
			requested = strings.TrimPrefix(v, "v")
		}
		if v := r.URL.Query().Get("version"); requested == "" && v != "" {
			requested = strings.TrimPrefix(v, "v")
		}
		if requested == "" {
			requested = acceptVersion(r.Header.Get("Accept"))
		}

		if requested != "" && requested != supportedAPIVersion {
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeVersionMismatch,
				fmt.Sprintf("api version %q is not supported", requested),
				map[string]any{"supported": []string{supportedAPIVersion}},
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// acceptVersion extracts the version from a vendor media type, if present.
func acceptVersion(accept string) string {
	const marker = "application/vnd.mochi-link.v"
	i := strings.Index(accept, marker)
	if i < 0 {
		return ""
	}
	rest := accept[i+len(marker):]
	end := strings.IndexAny(rest, "+;, ")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}
		if claims := ClaimsFromContext(r.Context()); claims != nil {
			attrs = append(attrs, "user_id", claims.UserID)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE handlers work behind the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var (
	tracer    = otel.Tracer("mochi/http")
	httpMeter = otel.GetMeterProvider().Meter("mochi/http")
)

// tracingMiddleware creates an OTEL span per request and records request
// count and duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		}
		if claims := ClaimsFromContext(ctx); claims != nil {
			span.SetAttributes(
				attribute.String("mochi.user_id", claims.UserID),
				attribute.String("mochi.role", string(claims.Role)),
			)
		}

		if counter, err := httpMeter.Int64Counter("http.server.request_count"); err == nil {
			counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if hist, err := httpMeter.Float64Histogram("http.server.duration",
			otelmetric.WithUnit("ms")); err == nil {
			hist.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// authenticator resolves Authorization headers into operator claims. Two
// credential shapes are accepted: a JWT minted by POST /api/auth/token, or a
// raw operator key (mk_...) for clients that skip the token exchange.
type authenticator struct {
	jwt    *auth.JWTManager
	db     *storage.DB
	logger *slog.Logger
}

// publicPath reports whether a path is served without operator credentials.
// Everything outside /api and /mcp is static UI.
func publicPath(p string) bool {
	switch p {
	case "/api/health", "/api/auth/token":
		return true
	}
	if strings.HasPrefix(p, "/api/docs") {
		return true
	}
	if !strings.HasPrefix(p, "/api/") && p != "/mcp" {
		return true
	}
	return false
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing authorization header")
			return
		}
		scheme, credential, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid authorization format")
			return
		}

		claims, err := a.resolve(r.Context(), strings.TrimSpace(credential))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(ctxutil.WithClaims(r.Context(), claims)))
	})
}

func (a *authenticator) resolve(ctx context.Context, credential string) (*auth.Claims, error) {
	if strings.HasPrefix(credential, "mk_") {
		return a.resolveKey(ctx, credential)
	}
	return a.jwt.ValidateToken(credential)
}

func (a *authenticator) resolveKey(ctx context.Context, rawKey string) (*auth.Claims, error) {
	prefix, _, err := model.ParseRawKey(rawKey)
	if err != nil {
		auth.DummyVerify()
		return nil, err
	}

	key, err := a.db.GetOperatorKeyByPrefix(ctx, prefix)
	if err != nil {
		// Hash anyway so a missing prefix takes as long as a wrong secret.
		auth.DummyVerify()
		return nil, err
	}

	now := time.Now().UTC()
	if key.RevokedAt != nil {
		auth.DummyVerify()
		return nil, fmt.Errorf("server: operator key revoked")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		auth.DummyVerify()
		return nil, fmt.Errorf("server: operator key expired")
	}

	match, err := auth.VerifyOperatorKey(rawKey, key.KeyHash)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, fmt.Errorf("server: operator key mismatch")
	}

	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.db.TouchOperatorKeyUsed(touchCtx, key.ID); err != nil {
			a.logger.Debug("touch operator key failed", "key_id", key.ID, "error", err)
		}
	}()

	keyID := key.ID
	return &auth.Claims{
		UserID:   key.OperatorID,
		Role:     key.Role,
		APIKeyID: &keyID,
	}, nil
}

// requireRole enforces a minimum hub-wide role on a route. Per-server
// permissions are the service layer's job; this only fences off surfaces
// that have no server to scope by (key management, global audit).
func requireRole(minimum model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
				return
			}
			if !model.RoleAtLeast(claims.Role, minimum) {
				writeError(w, r, http.StatusForbidden, model.ErrCodePermission, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
