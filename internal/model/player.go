package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlayerCacheEntry is the hub's merged view of one player identity across
// all servers. Entries are advisory; authoritative state lives on the
// servers. A player is addressable by any of uuid, xuid, or name.
type PlayerCacheEntry struct {
	ID                 uuid.UUID       `json:"id"`
	UUID               *string         `json:"uuid,omitempty"` // Java profile UUID
	XUID               *string         `json:"xuid,omitempty"` // Bedrock XUID
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

// IdentityMarkers are correlation hints captured from sightings.
type IdentityMarkers struct {
	IP        string     `json:"ip,omitempty"`
	Device    string     `json:"device,omitempty"`
	FirstSeen *time.Time `json:"firstSeen,omitempty"`
}

// PlayerSighting is one observation of a player, reported by a connector on
// join, quit, or a player.list sync.
type PlayerSighting struct {
	UUID        string
	XUID        string
	Name        string
	DisplayName string
	ServerID    string
	IP          string
	Device      string
	IsPremium   *bool
	DeviceType  string
	SeenAt      time.Time
}

// Correlates reports whether the sighting belongs to this entry: a shared
// uuid or xuid is authoritative, a bare name match correlates only when no
// stronger identifier is available to contradict it.
func (e PlayerCacheEntry) Correlates(s PlayerSighting) bool {
	if s.UUID != "" && e.UUID != nil {
		return *e.UUID == s.UUID
	}
	if s.XUID != "" && e.XUID != nil {
		return *e.XUID == s.XUID
	}
	return strings.EqualFold(e.Name, s.Name)
}

// NewPlayerEntry starts a cache entry from a first sighting at confidence 1.
func NewPlayerEntry(s PlayerSighting) PlayerCacheEntry {
	e := PlayerCacheEntry{
		ID:                 uuid.New(),
		Name:               s.Name,
		LastServerID:       s.ServerID,
		LastSeen:           s.SeenAt,
		IdentityConfidence: 1.0,
	}
	if s.UUID != "" {
		e.UUID = &s.UUID
	}
	if s.XUID != "" {
		e.XUID = &s.XUID
	}
	if s.DisplayName != "" {
		e.DisplayName = &s.DisplayName
	}
	if s.DeviceType != "" {
		e.DeviceType = &s.DeviceType
	}
	e.IsPremium = s.IsPremium
	e.IdentityMarkers = IdentityMarkers{IP: s.IP, Device: s.Device}
	if !s.SeenAt.IsZero() {
		first := s.SeenAt
		e.IdentityMarkers.FirstSeen = &first
	}
	return e
}

// MergeSighting folds a correlated sighting into the entry. Missing fields
// fill in; an identifier that contradicts a stored one marks the entry
// conflicted and drops confidence below 1 instead of overwriting history.
func MergeSighting(e PlayerCacheEntry, s PlayerSighting) PlayerCacheEntry {
	conflict := false

	if s.UUID != "" {
		if e.UUID == nil {
			e.UUID = &s.UUID
		} else if *e.UUID != s.UUID {
			conflict = true
		}
	}
	if s.XUID != "" {
		if e.XUID == nil {
			e.XUID = &s.XUID
		} else if *e.XUID != s.XUID {
			conflict = true
		}
	}

	// Renames are normal on Java; only an identifier clash is a conflict.
	if s.Name != "" {
		e.Name = s.Name
	}
	if s.DisplayName != "" {
		e.DisplayName = &s.DisplayName
	}
	if s.DeviceType != "" {
		e.DeviceType = &s.DeviceType
	}
	if s.IsPremium != nil {
		e.IsPremium = s.IsPremium
	}
	if s.IP != "" {
		e.IdentityMarkers.IP = s.IP
	}
	if s.Device != "" {
		e.IdentityMarkers.Device = s.Device
	}
	if e.IdentityMarkers.FirstSeen == nil && !s.SeenAt.IsZero() {
		first := s.SeenAt
		e.IdentityMarkers.FirstSeen = &first
	}

	if s.ServerID != "" {
		e.LastServerID = s.ServerID
	}
	if s.SeenAt.After(e.LastSeen) {
		e.LastSeen = s.SeenAt
	}

	if conflict {
		e.IdentityConflict = true
		e.IdentityConfidence = e.IdentityConfidence / 2
		if e.IdentityConfidence >= 1 {
			e.IdentityConfidence = 0.5
		}
	}
	return e
}

// PlayerInfo is the live shape returned by player.list and player.info ops.
type PlayerInfo struct {
	UUID     string         `json:"uuid"`
	Name     string         `json:"name"`
	IP       string         `json:"ip,omitempty"`
	Ping     int            `json:"ping,omitempty"`
	World    string         `json:"world,omitempty"`
	GameMode string         `json:"gameMode,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// PlayerFilter narrows player cache queries.
type PlayerFilter struct {
	ServerID string // matches last_server_id
	Name     string
	Conflict *bool
}
