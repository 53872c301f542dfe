package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/router"
	"github.com/mochi-link/mochi/internal/service/ops"
	"github.com/mochi-link/mochi/internal/service/servers"
	"github.com/mochi-link/mochi/internal/storage"
)

// writeJSON writes a success envelope around data.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success:   true,
		Data:      data,
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// writeMessage writes a success envelope carrying only a human message.
func writeMessage(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success:   true,
		Message:   msg,
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// writeList writes a paginated list envelope.
func writeList(w http.ResponseWriter, r *http.Request, data any, total, limit, offset, count int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Success:   true,
		Data:      data,
		Total:     &total,
		HasMore:   offset+count < total,
		Limit:     limit,
		Offset:    offset,
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// writeError writes an error envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorDetails(w, r, status, code, message, nil)
}

// writeErrorDetails writes an error envelope with structured details.
func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: false,
		Error: &model.ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// writeInternalError logs the cause and returns an opaque 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeServiceError maps a service-layer error onto the HTTP error taxonomy.
// Unknown errors are treated as internal and logged.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, servers.ErrInvalid),
		errors.Is(err, ops.ErrInvalid),
		errors.Is(err, router.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, serviceMessage(err))
	case errors.Is(err, authz.ErrDenied), errors.Is(err, ops.ErrCommandRejected):
		writeError(w, r, http.StatusForbidden, model.ErrCodePermission, serviceMessage(err))
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, serviceMessage(err))
	case errors.Is(err, storage.ErrDuplicateServer),
		errors.Is(err, storage.ErrDuplicateBinding):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, serviceMessage(err))
	case errors.Is(err, hub.ErrNotConnected):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServerOffline, "server is not connected")
	case errors.Is(err, hub.ErrRequestTimeout):
		writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeTimeout, "server did not respond in time")
	default:
		h.writeInternalError(w, r, "request failed", err)
	}
}

// serviceMessage strips internal prefixes so clients see the human part.
func serviceMessage(err error) string {
	msg := err.Error()
	for _, prefix := range []string{"invalid request: ", "storage: ", "authz: ", "servers: ", "ops: ", "router: "} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return msg
}

// decodeJSON decodes a request body into target, enforcing the body size cap
// and rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

// bodyErrorMessage classifies a decode failure for the client.
func bodyErrorMessage(err error) string {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return "request body too large"
	}
	return "invalid request body"
}

// queryPage parses ?page (1-based, default 1).
func queryPage(r *http.Request) int {
	v := r.URL.Query().Get("page")
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// queryLimit parses ?limit, clamped to 1-100.
func queryLimit(r *http.Request, defaultVal int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return defaultVal
	}
	if n > 100 {
		return 100
	}
	return n
}

// pageWindow converts page/limit into a limit/offset pair.
func pageWindow(r *http.Request) (limit, offset int) {
	limit = queryLimit(r, 20)
	return limit, (queryPage(r) - 1) * limit
}

// clientIP extracts the peer address without the port.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i != -1 {
		return addr[:i]
	}
	return addr
}

// auditMeta assembles the request-scoped audit metadata passed to services.
func auditMeta(r *http.Request) ctxutil.AuditMeta {
	m := ctxutil.AuditMeta{
		RequestID: RequestIDFromContext(r.Context()),
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Endpoint:  r.Method + " " + r.URL.Path,
	}
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		m.UserID = claims.UserID
		m.Role = string(claims.Role)
	}
	return m
}
