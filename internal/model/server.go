package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
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

// CoreType distinguishes the two Minecraft protocol families.
type CoreType string

const (
	CoreJava    CoreType = "java"
	CoreBedrock CoreType = "bedrock"
)

// ConnectionMode is the operator-declared integration method. Only
// plugin-mode servers authenticate at /ws; rcon and terminal servers
// stay offline until an external adapter connects on their behalf.
type ConnectionMode string

const (
	ModePlugin   ConnectionMode = "plugin"
	ModeRCON     ConnectionMode = "rcon"
	ModeTerminal ConnectionMode = "terminal"
)

// Server is a registered Minecraft server in the hub's catalogue.
// The id is immutable after creation; deletion cascades to tokens,
// ACL entries, bindings, and pending operations.
type Server struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	CoreType         CoreType       `json:"coreType"`
	CoreName         string         `json:"coreName"`
	CoreVersion      string         `json:"coreVersion,omitempty"`
	ConnectionMode   ConnectionMode `json:"connectionMode"`
	ConnectionConfig map[string]any `json:"connectionConfig,omitempty"`
	Status           ServerStatus   `json:"status"`
	OwnerID          string         `json:"ownerId"`
	Tags             []string       `json:"tags,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	LastSeen         *time.Time     `json:"lastSeen,omitempty"`
}

// ServerRuntimeStatus is the best-effort live view returned by status queries.
// Runtime fields come from the most recent handshake and monitoring report;
// they are never persisted on the server record itself.
type ServerRuntimeStatus struct {
	Status       ServerStatus `json:"status"`
	LastSeen     *time.Time   `json:"lastSeen,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	PlayerCount  *int         `json:"playerCount,omitempty"`
	MaxPlayers   *int         `json:"maxPlayers,omitempty"`
	TPS          *float64     `json:"tps,omitempty"`
}

// RegisterServerRequest is the request body for POST /api/servers.
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

// UpdateServerRequest is the request body for PUT /api/servers/{id}.
// Nil fields are left unchanged; the id itself cannot change.
type UpdateServerRequest struct {
	Name             *string        `json:"name,omitempty"`
	CoreVersion      *string        `json:"coreVersion,omitempty"`
	ConnectionConfig map[string]any `json:"connectionConfig,omitempty"`
	Status           *string        `json:"status,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
}

// RegisteredServer is the response for a successful registration. Token is
// the raw connector token and is readable exactly once, here.
type RegisteredServer struct {
	Server
	Token string `json:"token"`
}

// ServerFilter narrows server list queries.
type ServerFilter struct {
	Status  ServerStatus
	OwnerID string
	Tag     string
}

var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// MaxServerNameLen bounds the display name column.
const MaxServerNameLen = 255

// ValidateServerID checks the immutable server identifier format.
func ValidateServerID(id string) error {
	if !serverIDPattern.MatchString(id) {
		return fmt.Errorf("server id must match [A-Za-z0-9_-] and be 1-64 characters")
	}
	return nil
}

// ValidateServerName checks the display name length.
func ValidateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxServerNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxServerNameLen)
	}
	return nil
}

// ParseCoreType normalizes and validates a core type string.
func ParseCoreType(s string) (CoreType, error) {
	switch CoreType(strings.ToLower(s)) {
	case CoreJava:
		return CoreJava, nil
	case CoreBedrock:
		return CoreBedrock, nil
	default:
		return "", fmt.Errorf("coreType must be one of: java, bedrock")
	}
}

// ParseConnectionMode normalizes and validates a connection mode string.
func ParseConnectionMode(s string) (ConnectionMode, error) {
	switch ConnectionMode(strings.ToLower(s)) {
	case ModePlugin:
		return ModePlugin, nil
	case ModeRCON:
		return ModeRCON, nil
	case ModeTerminal:
		return ModeTerminal, nil
	default:
		return "", fmt.Errorf("connectionMode must be one of: plugin, rcon, terminal")
	}
}

// ParseServerStatus validates a status string supplied by an operator.
// Only offline and maintenance may be set by hand; the rest are owned by
// the connection lifecycle.
func ParseServerStatus(s string) (ServerStatus, error) {
	switch ServerStatus(strings.ToLower(s)) {
	case StatusOffline:
		return StatusOffline, nil
	case StatusMaintenance:
		return StatusMaintenance, nil
	case StatusConnecting, StatusOnline, StatusError:
		return "", fmt.Errorf("status %q is managed by the connection lifecycle", s)
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// ParseServerStatusFilter accepts any known status, including lifecycle-owned
// ones, for use in list filters.
func ParseServerStatusFilter(s string) (ServerStatus, error) {
	switch st := ServerStatus(strings.ToLower(s)); st {
	case StatusOffline, StatusConnecting, StatusOnline, StatusError, StatusMaintenance:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}
