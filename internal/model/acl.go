package model

import (
	"fmt"
	"strings"
	"time"
)

// Role is a per-server ACL role.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// RoleRank maps a role to its position in the hierarchy. Unknown roles rank
// below viewer so a corrupted or stale row never grants access.
func RoleRank(r Role) int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether role meets or exceeds minRole in the hierarchy.
func RoleAtLeast(role, minRole Role) bool {
	return RoleRank(role) >= RoleRank(minRole)
}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(s)) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleOperator:
		return RoleOperator, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("unknown role %q (expected owner, admin, operator, or viewer)", s)
	}
}

// ServerACL grants a user a role on one server. Permissions is an explicit
// operation allowlist that extends the role; unique on (userId, serverId).
type ServerACL struct {
	UserID      string     `json:"userId"`
	ServerID    string     `json:"serverId"`
	Role        Role       `json:"role"`
	Permissions []string   `json:"permissions,omitempty"`
	GrantedBy   string     `json:"grantedBy"`
	GrantedAt   time.Time  `json:"grantedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the grant has lapsed.
func (a ServerACL) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}
