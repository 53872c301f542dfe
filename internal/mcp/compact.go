package mcp

import (
	"fmt"
	"time"

	"github.com/mochi-link/mochi/internal/model"
)

const maxCompactOutput = 2000

// compactServer returns a minimal representation of a server for MCP
// responses. Drops connection_config (may carry rcon credentials) and
// bookkeeping timestamps that agents don't act on. Includes a rule-based
// context note when the server's state deserves attention.
func compactServer(srv model.Server) map[string]any {
	m := map[string]any{
		"id":              srv.ID,
		"name":            srv.Name,
		"core_type":       srv.CoreType,
		"core_name":       srv.CoreName,
		"connection_mode": srv.ConnectionMode,
		"status":          srv.Status,
		"owner_id":        srv.OwnerID,
	}
	if srv.CoreVersion != "" {
		m["core_version"] = srv.CoreVersion
	}
	if len(srv.Tags) > 0 {
		m["tags"] = srv.Tags
	}
	if srv.LastSeen != nil {
		m["last_seen"] = srv.LastSeen
	}

	if note := generateContextNote(srv); note != "" {
		m["context_note"] = note
	}

	return m
}

// generateContextNote produces a human-readable signal note for a server.
// Rules are evaluated in priority order; first match wins. Returns "" when
// no rule fires.
func generateContextNote(srv model.Server) string {
	switch srv.Status {
	case model.StatusError:
		return "last session ended in an error; the connector may be failing to hold a connection"
	case model.StatusMaintenance:
		return "marked for maintenance by its operator; expect it to stay offline"
	case model.StatusConnecting:
		return "handshake in progress; retry shortly for live data"
	case model.StatusOffline:
		if srv.LastSeen == nil {
			return "never connected since registration; mutations will queue until its connector comes online"
		}
		if age := time.Since(*srv.LastSeen); age > 7*24*time.Hour {
			return fmt.Sprintf("offline for %d days; mutations will queue until it reconnects", int(age.Hours()/24))
		}
		return "offline; mutations will queue until it reconnects"
	}
	return ""
}

// compactAudit strips transport metadata (IP address, user agent) from an
// audit entry. Agents query the log for what happened, not where from.
func compactAudit(e model.AuditEntry) map[string]any {
	m := map[string]any{
		"id":        e.ID,
		"operation": e.Operation,
		"result":    e.Result,
		"timestamp": e.CreatedAt,
	}
	if e.RequestID != "" {
		m["request_id"] = e.RequestID
	}
	if e.UserID != nil {
		m["user_id"] = *e.UserID
	}
	if e.ServerID != nil {
		m["server_id"] = *e.ServerID
	}
	if len(e.OperationData) > 0 {
		m["operation_data"] = e.OperationData
	}
	if e.ErrorMessage != nil && *e.ErrorMessage != "" {
		m["error"] = *e.ErrorMessage
	}
	return m
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
