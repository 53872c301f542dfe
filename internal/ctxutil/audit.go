package ctxutil

import "github.com/mochi-link/mochi/internal/model"

// AuditMeta carries the request metadata needed to build an audit entry.
// It lives in ctxutil so the server, bot, and mcp surfaces can populate it
// for the service layer without circular imports.
type AuditMeta struct {
	RequestID string
	UserID    string
	Role      string
	IPAddress string
	UserAgent string
	Endpoint  string
}

// Entry builds an audit entry for one operation outcome. serverID and err
// may be empty/nil; optional columns stay NULL.
func (m AuditMeta) Entry(operation, serverID string, data map[string]any, result model.AuditResult, err error) model.AuditEntry {
	e := model.AuditEntry{
		RequestID:     m.RequestID,
		Operation:     operation,
		OperationData: data,
		Result:        result,
	}
	if m.UserID != "" {
		e.UserID = &m.UserID
	}
	if serverID != "" {
		e.ServerID = &serverID
	}
	if m.IPAddress != "" {
		e.IPAddress = &m.IPAddress
	}
	if m.UserAgent != "" {
		e.UserAgent = &m.UserAgent
	}
	if err != nil {
		msg := err.Error()
		e.ErrorMessage = &msg
	}
	return e
}
