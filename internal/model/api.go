package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Field length limits for caller-controlled strings. These prevent a single
// oversized field from filling Postgres TEXT columns or flooding a connected
// server with multi-megabyte console commands.
const (
	MaxCommandLen     = 4 * 1024
	MaxChatMessageLen = 4 * 1024
	MaxReasonLen      = 1024
	MaxTagLen         = 64
	MaxTagCount       = 32
)

var (
	htmlTagPattern      = regexp.MustCompile(`<[^>]*>`)
	jsSchemePattern     = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandlerPattern = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// SanitizeText strips HTML tags, javascript: schemes, and inline event
// handlers from a caller-controlled string. Applied to chat content and
// free-text fields before they reach bound groups or the audit log.
func SanitizeText(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, "")
	s = jsSchemePattern.ReplaceAllString(s, "")
	s = eventHandlerPattern.ReplaceAllString(s, "")
	return s
}

// SanitizeMap removes prototype-pollution keys from a caller-controlled JSON
// object, recursively. The keys are meaningless to Go but get persisted and
// later replayed to JavaScript-based bot adapters.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch strings.ToLower(k) {
		case "__proto__", "constructor", "prototype":
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = SanitizeMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// ValidateCommand checks a console command before dispatch.
func ValidateCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("command must not be empty")
	}
	if len(cmd) > MaxCommandLen {
		return fmt.Errorf("command exceeds maximum length of %d bytes", MaxCommandLen)
	}
	if strings.ContainsAny(cmd, "\n\r\x00") {
		return fmt.Errorf("command must not contain control characters")
	}
	return nil
}

// ValidateTags checks a server tag list.
func ValidateTags(tags []string) error {
	if len(tags) > MaxTagCount {
		return fmt.Errorf("at most %d tags allowed", MaxTagCount)
	}
	for _, t := range tags {
		if t == "" || len(t) > MaxTagLen {
			return fmt.Errorf("tag %q must be 1-%d characters", t, MaxTagLen)
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Success   bool         `json:"success"`
	Data      any          `json:"data,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
	Message   string       `json:"message,omitempty"`
	RequestID string       `json:"requestId"`
	Timestamp time.Time    `json:"timestamp"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data"`
	Total     *int      `json:"total,omitempty"`
	HasMore   bool      `json:"hasMore"`
	Limit     int       `json:"limit"`
	Offset    int       `json:"offset"`
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants shared by the HTTP API and the WebSocket protocol.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodePermission      = "PERMISSION_DENIED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeServerOffline   = "SERVER_OFFLINE"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeNotSupported    = "NOT_SUPPORTED"
	ErrCodeVersionMismatch = "VERSION_NOT_SUPPORTED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /api/auth/token.
type AuthTokenRequest struct {
	Key string `json:"key"` // raw operator key, mk_<prefix>_<secret>
}

// AuthTokenResponse is the response for POST /api/auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Role      Role      `json:"role"`
}

// CommandRequest is the request body for POST /api/servers/{id}/command.
type CommandRequest struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// CommandResult is the per-server outcome of a dispatched command.
type CommandResult struct {
	ServerID string `json:"serverId"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Queued   bool   `json:"queued,omitempty"`
}

// BatchCommandRequest is the request body for POST /api/servers/batch/command.
type BatchCommandRequest struct {
	ServerIDs []string `json:"serverIds,omitempty"`
	Tag       string   `json:"tag,omitempty"`
	Command   string   `json:"command"`
	TimeoutMs int      `json:"timeoutMs,omitempty"`
}

// BatchCommandResponse aggregates per-server results of a batch dispatch.
type BatchCommandResponse struct {
	Results   []CommandResult `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// WhitelistRequest is the request body for whitelist add/remove endpoints.
type WhitelistRequest struct {
	Player string `json:"player"`
}

// BanRequest is the request body for POST /api/servers/{id}/bans.
type BanRequest struct {
	Player   string `json:"player"`
	Reason   string `json:"reason,omitempty"`
	Duration string `json:"duration,omitempty"` // e.g. "7d", "2h30m"; empty means permanent
}

// BanEntry is one entry in a server's ban list, as reported by the server.
type BanEntry struct {
	Player    string     `json:"player"`
	Reason    string     `json:"reason,omitempty"`
	BannedBy  string     `json:"bannedBy,omitempty"`
	BannedAt  *time.Time `json:"bannedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// BroadcastRequest is the request body for POST /api/servers/{id}/broadcast.
type BroadcastRequest struct {
	Message string `json:"message"`
}

// HealthResponse is the response for GET /api/health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Postgres       string `json:"postgres"`
	ServersOnline  int    `json:"serversOnline"`
	ServersTotal   int    `json:"serversTotal"`
	PendingOps     int    `json:"pendingOps"`
	EventBroker    string `json:"eventBroker,omitempty"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	ProtocolVer    string `json:"protocolVersion"`
	ActiveSessions int    `json:"activeSessions"`
}

// StatisticsResponse is the response for GET /api/statistics.
type StatisticsResponse struct {
	Servers struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"byStatus"`
		ByCore   map[string]int `json:"byCore"`
	} `json:"servers"`
	Players struct {
		Online int `json:"online"`
		Cached int `json:"cached"`
	} `json:"players"`
	Traffic struct {
		FramesIn    int64 `json:"framesIn"`
		FramesOut   int64 `json:"framesOut"`
		EventsIn    int64 `json:"eventsIn"`
		CommandsRun int64 `json:"commandsRun"`
	} `json:"traffic"`
	Pending struct {
		Queued  int `json:"queued"`
		Running int `json:"running"`
		Failed  int `json:"failed"`
	} `json:"pending"`
	CollectedAt time.Time `json:"collectedAt"`
}
