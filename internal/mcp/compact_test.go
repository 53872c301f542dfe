package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mochi-link/mochi/internal/model"
)

func TestCompactServer(t *testing.T) {
	seen := time.Now().Add(-time.Minute)
	srv := model.Server{
		ID:             "survival-1",
		Name:           "Survival One",
		CoreType:       model.CoreJava,
		CoreName:       "paper",
		CoreVersion:    "1.21.4",
		ConnectionMode: model.ModePlugin,
		ConnectionConfig: map[string]any{
			"rconPassword": "hunter2",
		},
		Status:    model.StatusOnline,
		OwnerID:   "alice",
		Tags:      []string{"smp", "eu"},
		CreatedAt: time.Now().Add(-time.Hour),
		UpdatedAt: time.Now(),
		LastSeen:  &seen,
	}

	m := compactServer(srv)

	// Kept fields.
	assert.Equal(t, "survival-1", m["id"])
	assert.Equal(t, "Survival One", m["name"])
	assert.Equal(t, model.CoreJava, m["core_type"])
	assert.Equal(t, "paper", m["core_name"])
	assert.Equal(t, "1.21.4", m["core_version"])
	assert.Equal(t, model.StatusOnline, m["status"])
	assert.Equal(t, "alice", m["owner_id"])
	assert.Equal(t, []string{"smp", "eu"}, m["tags"])

	// Dropped fields: connection config may hold credentials, and the
	// bookkeeping timestamps are noise for agents.
	_, hasConfig := m["connection_config"]
	_, hasCreated := m["created_at"]
	_, hasUpdated := m["updated_at"]
	assert.False(t, hasConfig)
	assert.False(t, hasCreated)
	assert.False(t, hasUpdated)

	// Online servers get no context note.
	_, hasNote := m["context_note"]
	assert.False(t, hasNote)
}

func TestCompactServer_OmitsEmptyOptionals(t *testing.T) {
	m := compactServer(model.Server{
		ID:             "bare",
		Name:           "Bare",
		CoreType:       model.CoreBedrock,
		CoreName:       "bds",
		ConnectionMode: model.ModeRCON,
		Status:         model.StatusOnline,
		OwnerID:        "bob",
	})

	for _, key := range []string{"core_version", "tags", "last_seen"} {
		_, ok := m[key]
		assert.False(t, ok, "expected %s to be omitted when empty", key)
	}
}

func TestGenerateContextNote(t *testing.T) {
	weekOld := time.Now().Add(-9 * 24 * time.Hour)
	recent := time.Now().Add(-time.Minute)

	tests := []struct {
		name     string
		srv      model.Server
		contains string
	}{
		{"error", model.Server{Status: model.StatusError}, "error"},
		{"maintenance", model.Server{Status: model.StatusMaintenance}, "maintenance"},
		{"connecting", model.Server{Status: model.StatusConnecting}, "handshake"},
		{"never connected", model.Server{Status: model.StatusOffline}, "never connected"},
		{"long offline", model.Server{Status: model.StatusOffline, LastSeen: &weekOld}, "9 days"},
		{"briefly offline", model.Server{Status: model.StatusOffline, LastSeen: &recent}, "queue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			note := generateContextNote(tt.srv)
			assert.Contains(t, note, tt.contains)
		})
	}

	assert.Empty(t, generateContextNote(model.Server{Status: model.StatusOnline}))
}

func TestCompactAudit(t *testing.T) {
	user := "alice"
	server := "survival-1"
	ip := "203.0.113.9"
	ua := "curl/8.0"
	errMsg := "server offline"

	e := model.AuditEntry{
		ID:            42,
		RequestID:     "req-1",
		UserID:        &user,
		ServerID:      &server,
		Operation:     "whitelist.add",
		OperationData: map[string]any{"player": "Steve"},
		Result:        model.AuditFailure,
		ErrorMessage:  &errMsg,
		IPAddress:     &ip,
		UserAgent:     &ua,
		CreatedAt:     time.Now(),
	}

	m := compactAudit(e)

	assert.Equal(t, int64(42), m["id"])
	assert.Equal(t, "whitelist.add", m["operation"])
	assert.Equal(t, "alice", m["user_id"])
	assert.Equal(t, "survival-1", m["server_id"])
	assert.Equal(t, "server offline", m["error"])

	// Transport metadata is stripped.
	_, hasIP := m["ip_address"]
	_, hasUA := m["user_agent"]
	assert.False(t, hasIP)
	assert.False(t, hasUA)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 100))

	long := strings.Repeat("x", 250)
	got := truncate(long, 200)
	assert.Len(t, []rune(got), 203)
	assert.True(t, strings.HasSuffix(got, "..."))

	// Rune-safe: multibyte input is cut on rune boundaries.
	got = truncate(strings.Repeat("ねこ", 30), 10)
	assert.Equal(t, strings.Repeat("ねこ", 5)+"...", got)
}
