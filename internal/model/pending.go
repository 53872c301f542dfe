package model

import (
	"time"

	"github.com/google/uuid"
)

// PendingStatus is the lifecycle of a queued offline operation.
type PendingStatus string

const (
	PendingQueued  PendingStatus = "pending"
	PendingRunning PendingStatus = "running"
	PendingDone    PendingStatus = "done"
	PendingFailed  PendingStatus = "failed"
)

// PendingOperation is a mutation enqueued because its server was offline.
// Operations drain in (serverId, createdAt) order when the server comes back.
type PendingOperation struct {
	ID            uuid.UUID      `json:"id"`
	ServerID      string         `json:"serverId"`
	OperationType string         `json:"operationType"`
	Target        string         `json:"target"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Status        PendingStatus  `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	ScheduledAt   *time.Time     `json:"scheduledAt,omitempty"`
	ExecutedAt    *time.Time     `json:"executedAt,omitempty"`
	ErrorMessage  *string        `json:"errorMessage,omitempty"`
}
