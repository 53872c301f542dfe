package mochi

import "time"

// Role is an operator's hub-wide role.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Server is the public representation of a registered game server.
// It is a curated view of the internal server record for use in extension
// interfaces: no internal package imports, no connection credentials.
type Server struct {
	ID             string
	Name           string
	CoreType       string // java | bedrock
	CoreName       string // paper, fabric, geyser, ...
	CoreVersion    string
	ConnectionMode string // plugin | rcon | terminal
	Status         string // online | offline | connecting | error | maintenance
	OwnerID        string
	Tags           []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastSeen       *time.Time
}

// Event is one hub event as delivered to hooks: a connector push such as
// player.join or chat.message, or a lifecycle transition the hub publishes
// itself (server.connected, server.disconnected).
type Event struct {
	ServerID  string
	Type      string
	Data      map[string]any
	Timestamp time.Time
}

// GroupMessage is one inbound chat-platform group line. The embedding
// program resolves the platform user to an operator identity (UserID, Role)
// before handing the line to the hub.
type GroupMessage struct {
	GroupID  string
	UserID   string
	Username string
	Role     Role
	Content  string
}
