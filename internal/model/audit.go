package model

import "time"

// AuditResult classifies the outcome recorded in an audit entry.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure" // denied / rejected, caller saw a typed error
	AuditError   AuditResult = "error"   // internal fault
)

// AuditEntry is one append-only audit record. Every mutation reaching the
// hub through HTTP, bot, MCP, or a connector event writes exactly one.
type AuditEntry struct {
	ID            int64          `json:"id"`
	RequestID     string         `json:"requestId,omitempty"`
	UserID        *string        `json:"userId,omitempty"`
	ServerID      *string        `json:"serverId,omitempty"`
	Operation     string         `json:"operation"`
	OperationData map[string]any `json:"operationData,omitempty"`
	Result        AuditResult    `json:"result"`
	ErrorMessage  *string        `json:"errorMessage,omitempty"`
	IPAddress     *string        `json:"ipAddress,omitempty"`
	UserAgent     *string        `json:"userAgent,omitempty"`
	CreatedAt     time.Time      `json:"timestamp"`
}

// AuditFilter narrows audit list queries. Zero fields are ignored.
type AuditFilter struct {
	UserID    string
	ServerID  string
	Operation string
	From      time.Time
	To        time.Time
}

// AuditProof is a Merkle batch proof over a contiguous range of audit rows,
// addressed by entry ID. Proofs chain through PreviousRoot so removal or
// alteration of historical entries is detectable.
type AuditProof struct {
	ID           int64     `json:"id"`
	BatchStart   int64     `json:"batchStart"`
	BatchEnd     int64     `json:"batchEnd"`
	EntryCount   int       `json:"entryCount"`
	RootHash     string    `json:"rootHash"`
	PreviousRoot string    `json:"previousRoot,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
