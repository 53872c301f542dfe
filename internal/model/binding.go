package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BindingType selects which traffic a group↔server binding carries.
type BindingType string

const (
	BindingChat       BindingType = "chat"
	BindingEvent      BindingType = "event"
	BindingCommand    BindingType = "command"
	BindingMonitoring BindingType = "monitoring"
	BindingFull       BindingType = "full"
)

// ParseBindingType validates a binding type string.
func ParseBindingType(s string) (BindingType, error) {
	switch BindingType(strings.ToLower(s)) {
	case BindingChat, BindingEvent, BindingCommand, BindingMonitoring, BindingFull:
		return BindingType(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("unknown binding type %q", s)
	}
}

// BindingStatus is the operational state of a binding.
type BindingStatus string

const (
	BindingActive   BindingStatus = "active"
	BindingInactive BindingStatus = "inactive"
	BindingError    BindingStatus = "error"
)

// GroupBinding associates a chat group with a server for one traffic type.
// Unique on (groupId, serverId, bindingType); many-to-many otherwise.
type GroupBinding struct {
	ID          uuid.UUID     `json:"id"`
	GroupID     string        `json:"groupId"`
	ServerID    string        `json:"serverId"`
	BindingType BindingType   `json:"bindingType"`
	Config      BindingConfig `json:"config"`
	CreatedBy   string        `json:"createdBy"`
	CreatedAt   time.Time     `json:"createdAt"`
	Status      BindingStatus `json:"status"`
	LastUsedAt  *time.Time    `json:"lastUsedAt,omitempty"`
}

// BindingConfig holds the per-type routing options. Chat fields apply to
// chat/full bindings, event fields to event/full bindings.
type BindingConfig struct {
	Enabled       bool         `json:"enabled"`
	Bidirectional bool         `json:"bidirectional,omitempty"`
	MessageFormat string       `json:"messageFormat,omitempty"` // {group} {username} {content}
	EventFormat   string       `json:"eventFormat,omitempty"`   // {playerName} {eventType} {data.*}
	EventTypes    []string     `json:"eventTypes,omitempty"`
	FilterRules   []FilterRule `json:"filterRules,omitempty"`
	EventFilters  []DataFilter `json:"eventFilters,omitempty"`
	RateLimit     *RateWindow  `json:"rateLimit,omitempty"`
}

// FilterRule is one chat filter step, applied in order. The first block
// short-circuits; transform rewrites the content and continues.
type FilterRule struct {
	Type        string `json:"type"`   // regex | keyword | user | length
	Action      string `json:"action"` // allow | block | transform
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	MaxLength   int    `json:"maxLength,omitempty"`
}

// DataFilter matches an event data field against an expected value.
type DataFilter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// RateWindow is a sliding-window rate limit: at most MaxMessages per WindowMs.
type RateWindow struct {
	WindowMs    int `json:"windowMs"`
	MaxMessages int `json:"maxMessages"`
}

// ValidateFilterRule checks a single rule's shape at binding write time so
// the router never sees an unknown type or action.
func ValidateFilterRule(r FilterRule) error {
	switch r.Type {
	case "regex", "keyword", "user", "length":
	default:
		return fmt.Errorf("filter rule type must be one of regex, keyword, user, length (got %q)", r.Type)
	}
	switch r.Action {
	case "allow", "block", "transform":
	default:
		return fmt.Errorf("filter rule action must be one of allow, block, transform (got %q)", r.Action)
	}
	if r.Type == "length" && r.MaxLength <= 0 {
		return fmt.Errorf("length filter requires a positive maxLength")
	}
	if (r.Type == "regex" || r.Type == "keyword" || r.Type == "user") && r.Pattern == "" {
		return fmt.Errorf("%s filter requires a pattern", r.Type)
	}
	if r.Type == "regex" {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("regex filter pattern: %v", err)
		}
	}
	return nil
}

// CreateBindingRequest is the request body for POST /api/bindings.
type CreateBindingRequest struct {
	GroupID     string         `json:"groupId"`
	ServerID    string         `json:"serverId"`
	BindingType string         `json:"bindingType"`
	Config      *BindingConfig `json:"config,omitempty"`
}

// UpdateBindingRequest is the request body for PUT /api/bindings/{id}.
type UpdateBindingRequest struct {
	Config *BindingConfig `json:"config,omitempty"`
	Status *string        `json:"status,omitempty"`
}
