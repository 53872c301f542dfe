package monitor

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sample(serverID string) model.MonitoringSample {
	tps := 20.0
	return model.MonitoringSample{
		ServerID:    serverID,
		TPS:         &tps,
		CollectedAt: time.Now().UTC(),
	}
}

func sampleWithServer(serverID string) model.MonitoringSample {
	s := sample("x")
	s.ServerID = serverID
	return s
}

func TestSampleFromEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := events.Event{
		ServerID: "lobby-1",
		Type:     "monitor.report",
		Data: map[string]any{
			"tps":         19.8,
			"mspt":        42.1,
			"cpuPercent":  37.5,
			"memUsedMb":   float64(2048),
			"memMaxMb":    float64(4096),
			"playerCount": float64(12),
			"maxPlayers":  float64(100),
		},
		Timestamp: at,
	}

	s := SampleFromEvent(e)

	require.Equal(t, "lobby-1", s.ServerID)
	require.Equal(t, at, s.CollectedAt)
	require.NotNil(t, s.TPS)
	assert.InDelta(t, 19.8, *s.TPS, 0.001)
	require.NotNil(t, s.MSPT)
	assert.InDelta(t, 42.1, *s.MSPT, 0.001)
	require.NotNil(t, s.MemUsedMB)
	assert.Equal(t, int64(2048), *s.MemUsedMB)
	require.NotNil(t, s.PlayerCount)
	assert.Equal(t, 12, *s.PlayerCount)
}

func TestSampleFromEventMissingFields(t *testing.T) {
	s := SampleFromEvent(events.Event{
		ServerID:  "lobby-1",
		Data:      map[string]any{"tps": 20.0},
		Timestamp: time.Now(),
	})

	require.NotNil(t, s.TPS)
	assert.Nil(t, s.MSPT)
	assert.Nil(t, s.CPUPercent)
	assert.Nil(t, s.PlayerCount)
	assert.Nil(t, s.MaxPlayers)
}

func TestSampleFromEventIgnoresWrongTypes(t *testing.T) {
	s := SampleFromEvent(events.Event{
		ServerID: "lobby-1",
		Data: map[string]any{
			"tps":         "twenty",
			"playerCount": "many",
		},
		Timestamp: time.Now(),
	})

	assert.Nil(t, s.TPS)
	assert.Nil(t, s.PlayerCount)
}

func TestIngestStampsTimeAndCounts(t *testing.T) {
	c := NewCollector(nil, nil, events.NewBroker(testLogger()), testLogger(), time.Minute, 10)

	ok := c.Ingest(sample("lobby-1"))
	require.True(t, ok)
	assert.Equal(t, 1, c.Len())

	assert.False(t, c.Ingest(sampleWithServer("")), "empty server id must be rejected")
	assert.Equal(t, 1, c.Len())
}

func TestIngestZeroTimeStamped(t *testing.T) {
	c := NewCollector(nil, nil, events.NewBroker(testLogger()), testLogger(), time.Minute, 10)

	s := sample("lobby-1")
	s.CollectedAt = time.Time{}
	require.True(t, c.Ingest(s))

	c.mu.Lock()
	got := c.samples[0].CollectedAt
	c.mu.Unlock()
	assert.False(t, got.IsZero())
}
