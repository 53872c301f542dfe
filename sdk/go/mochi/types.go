package mochi

import (
	"time"

	"github.com/google/uuid"
)

// Role is an operator's access level, hub-wide or on a single server.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// ServerStatus is the lifecycle state of a registered server.
type ServerStatus string

const (
	StatusOffline     ServerStatus = "offline"
	StatusConnecting  ServerStatus = "connecting"
	StatusOnline      ServerStatus = "online"
	StatusError       ServerStatus = "error"
	StatusMaintenance ServerStatus = "maintenance"
)

// Server mirrors the hub's server record for API consumers.
type Server struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	CoreType         string         `json:"coreType"`
	CoreName         string         `json:"coreName"`
	CoreVersion      string         `json:"coreVersion,omitempty"`
	ConnectionMode   string         `json:"connectionMode"`
	ConnectionConfig map[string]any `json:"connectionConfig,omitempty"`
	Status           ServerStatus   `json:"status"`
	OwnerID          string         `json:"ownerId"`
	Tags             []string       `json:"tags,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	LastSeen         *time.Time     `json:"lastSeen,omitempty"`
}

// RegisterServerRequest is the body for RegisterServer.
type RegisterServerRequest struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	CoreType         string         `json:"coreType"`
	CoreName         string         `json:"coreName"`
	CoreVersion      string         `json:"coreVersion,omitempty"`
	ConnectionMode   string         `json:"connectionMode"`
	ConnectionConfig map[string]any `json:"connectionConfig,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	TokenExpiresIn   int            `json:"tokenExpiresIn,omitempty"` // seconds; 0 = hub default
	IPWhitelist      []string       `json:"ipWhitelist,omitempty"`
}

// RegisteredServer is the registration response. Token is the raw connector
// token, readable exactly once.
type RegisteredServer struct {
	Server
	Token string `json:"token"`
}

// UpdateServerRequest carries the mutable server fields. Nil fields are left
// unchanged.
type UpdateServerRequest struct {
	Name             *string        `json:"name,omitempty"`
	CoreVersion      *string        `json:"coreVersion,omitempty"`
	ConnectionConfig map[string]any `json:"connectionConfig,omitempty"`
	Status           *string        `json:"status,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
}

// RuntimeStatus merges the persistent record with live connection state and
// the most recent monitoring sample.
type RuntimeStatus struct {
	Status       ServerStatus `json:"status"`
	LastSeen     *time.Time   `json:"lastSeen,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	PlayerCount  *int         `json:"playerCount,omitempty"`
	MaxPlayers   *int         `json:"maxPlayers,omitempty"`
	TPS          *float64     `json:"tps,omitempty"`
}

// RotatedToken is the token rotation response. Token is the raw connector
// token, readable exactly once.
type RotatedToken struct {
	ID          uuid.UUID  `json:"id"`
	ServerID    string     `json:"serverId"`
	Token       string     `json:"token"`
	TokenHash   string     `json:"tokenHash"`
	IPWhitelist []string   `json:"ipWhitelist,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Grant is one per-server access control entry.
type Grant struct {
	UserID      string     `json:"userId"`
	ServerID    string     `json:"serverId"`
	Role        Role       `json:"role"`
	Permissions []string   `json:"permissions,omitempty"`
	GrantedBy   string     `json:"grantedBy"`
	GrantedAt   time.Time  `json:"grantedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// GrantRequest is the body for GrantAccess.
type GrantRequest struct {
	UserID      string   `json:"userId"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	ExpiresAt   *string  `json:"expiresAt,omitempty"` // RFC3339
}

// Player is one online player as reported by the server.
type Player struct {
	UUID     string         `json:"uuid"`
	Name     string         `json:"name"`
	IP       string         `json:"ip,omitempty"`
	Ping     int            `json:"ping,omitempty"`
	World    string         `json:"world,omitempty"`
	GameMode string         `json:"gameMode,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// PlayerList is the online-player response. Stale is true when the server
// was offline and the list is empty rather than current.
type PlayerList struct {
	Players []Player `json:"players"`
	Count   int      `json:"count"`
	Stale   bool     `json:"stale"`
}

// IdentityMarkers are the correlation hints the hub keeps per identity.
type IdentityMarkers struct {
	IP        string     `json:"ip,omitempty"`
	Device    string     `json:"device,omitempty"`
	FirstSeen *time.Time `json:"firstSeen,omitempty"`
}

// PlayerIdentity is one entry in the hub's cross-server player cache.
type PlayerIdentity struct {
	ID                 uuid.UUID       `json:"id"`
	UUID               *string         `json:"uuid,omitempty"`
	XUID               *string         `json:"xuid,omitempty"`
	Name               string          `json:"name"`
	DisplayName        *string         `json:"displayName,omitempty"`
	LastServerID       string          `json:"lastServerId"`
	LastSeen           time.Time       `json:"lastSeen"`
	IdentityConfidence float64         `json:"identityConfidence"`
	IdentityMarkers    IdentityMarkers `json:"identityMarkers,omitempty"`
	IdentityConflict   bool            `json:"identityConflict,omitempty"`
	IsPremium          *bool           `json:"isPremium,omitempty"`
	DeviceType         *string         `json:"deviceType,omitempty"`
}

// Whitelist is the whitelist read response. Stale is true when served from
// the hub's offline cache.
type Whitelist struct {
	Players []string `json:"players"`
	Count   int      `json:"count"`
	Stale   bool     `json:"stale"`
}

// QueuedResult reports a mutation that either applied live or was queued for
// delivery when the server reconnects.
type QueuedResult struct {
	Player string `json:"player"`
	Queued bool   `json:"queued"`
}

// BanRequest is the body for BanPlayer.
type BanRequest struct {
	Player   string `json:"player"`
	Reason   string `json:"reason,omitempty"`
	Duration string `json:"duration,omitempty"` // e.g. "7d", "2h30m"; empty means permanent
}

// BanEntry is one entry in a server's ban list.
type BanEntry struct {
	Player    string     `json:"player"`
	Reason    string     `json:"reason,omitempty"`
	BannedBy  string     `json:"bannedBy,omitempty"`
	BannedAt  *time.Time `json:"bannedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// CommandResult is the per-server outcome of a dispatched command.
type CommandResult struct {
	ServerID string `json:"serverId"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Queued   bool   `json:"queued,omitempty"`
}

// BatchCommandRequest is the body for BatchExecute. Either ServerIDs or Tag
// selects the targets.
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

// PendingOperation is one queued offline operation.
type PendingOperation struct {
	ID            uuid.UUID      `json:"id"`
	ServerID      string         `json:"serverId"`
	OperationType string         `json:"operationType"`
	Target        string         `json:"target"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	ScheduledAt   *time.Time     `json:"scheduledAt,omitempty"`
	ExecutedAt    *time.Time     `json:"executedAt,omitempty"`
	ErrorMessage  *string        `json:"errorMessage,omitempty"`
}

// FilterRule is one message filter on a binding.
type FilterRule struct {
	Type        string `json:"type"`   // regex | keyword | user | length
	Action      string `json:"action"` // allow | block | transform
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	MaxLength   int    `json:"maxLength,omitempty"`
}

// DataFilter matches an event data field against an exact value.
type DataFilter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// RateWindow is a sliding-window message budget.
type RateWindow struct {
	WindowMs    int `json:"windowMs"`
	MaxMessages int `json:"maxMessages"`
}

// BindingConfig controls how messages and events flow across a binding.
type BindingConfig struct {
	Enabled       bool         `json:"enabled"`
	Bidirectional bool         `json:"bidirectional,omitempty"`
	MessageFormat string       `json:"messageFormat,omitempty"`
	EventFormat   string       `json:"eventFormat,omitempty"`
	EventTypes    []string     `json:"eventTypes,omitempty"`
	FilterRules   []FilterRule `json:"filterRules,omitempty"`
	EventFilters  []DataFilter `json:"eventFilters,omitempty"`
	RateLimit     *RateWindow  `json:"rateLimit,omitempty"`
}

// GroupBinding links a chat group to a server.
type GroupBinding struct {
	ID          uuid.UUID     `json:"id"`
	GroupID     string        `json:"groupId"`
	ServerID    string        `json:"serverId"`
	BindingType string        `json:"bindingType"`
	Config      BindingConfig `json:"config"`
	CreatedBy   string        `json:"createdBy"`
	CreatedAt   time.Time     `json:"createdAt"`
	Status      string        `json:"status"`
	LastUsedAt  *time.Time    `json:"lastUsedAt,omitempty"`
}

// CreateBindingRequest is the body for CreateBinding.
type CreateBindingRequest struct {
	GroupID     string         `json:"groupId"`
	ServerID    string         `json:"serverId"`
	BindingType string         `json:"bindingType"`
	Config      *BindingConfig `json:"config,omitempty"`
}

// UpdateBindingRequest is the body for UpdateBinding. Nil fields are left
// unchanged.
type UpdateBindingRequest struct {
	Config *BindingConfig `json:"config,omitempty"`
	Status *string        `json:"status,omitempty"`
}

// OperatorKey is an operator API key record. The raw secret appears only in
// OperatorKeyWithRawKey at creation or rotation.
type OperatorKey struct {
	ID         uuid.UUID  `json:"id"`
	Prefix     string     `json:"prefix"`
	OperatorID string     `json:"operatorId"`
	Role       Role       `json:"role"`
	Label      string     `json:"label"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// OperatorKeyWithRawKey carries the one-time raw key alongside the record.
type OperatorKeyWithRawKey struct {
	OperatorKey
	RawKey string `json:"rawKey"`
}

// CreateKeyRequest is the body for CreateOperatorKey.
type CreateKeyRequest struct {
	OperatorID string  `json:"operatorId"`
	Role       Role    `json:"role"`
	Label      string  `json:"label"`
	ExpiresAt  *string `json:"expiresAt,omitempty"` // RFC3339
}

// RotateKeyResponse is the key rotation response.
type RotateKeyResponse struct {
	NewKey       OperatorKeyWithRawKey `json:"newKey"`
	RevokedKeyID uuid.UUID             `json:"revokedKeyId"`
}

// AuditEntry is one row of the hub's audit log.
type AuditEntry struct {
	ID            int64          `json:"id"`
	RequestID     string         `json:"requestId,omitempty"`
	UserID        *string        `json:"userId,omitempty"`
	ServerID      *string        `json:"serverId,omitempty"`
	Operation     string         `json:"operation"`
	OperationData map[string]any `json:"operationData,omitempty"`
	Result        string         `json:"result"`
	ErrorMessage  *string        `json:"errorMessage,omitempty"`
	IPAddress     *string        `json:"ipAddress,omitempty"`
	UserAgent     *string        `json:"userAgent,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Statistics is the hub-wide counters response.
type Statistics struct {
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

// Health is the health-check response.
type Health struct {
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
