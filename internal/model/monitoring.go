package model

import "time"

// MonitoringSample is one point-in-time reading pushed by a server or pulled
// by the hub's poller. Samples are lossy: a dropped sample is repaired by the
// next one, so ingestion never blocks the connection read loop.
type MonitoringSample struct {
	ServerID    string    `json:"serverId"`
	TPS         *float64  `json:"tps,omitempty"`
	MSPT        *float64  `json:"mspt,omitempty"`
	CPUPercent  *float64  `json:"cpuPercent,omitempty"`
	MemUsedMB   *int64    `json:"memUsedMb,omitempty"`
	MemMaxMB    *int64    `json:"memMaxMb,omitempty"`
	PlayerCount *int      `json:"playerCount,omitempty"`
	MaxPlayers  *int      `json:"maxPlayers,omitempty"`
	CollectedAt time.Time `json:"collectedAt"`
}

// MonitoringWindow aggregates samples over a query range.
type MonitoringWindow struct {
	ServerID string             `json:"serverId"`
	From     time.Time          `json:"from"`
	To       time.Time          `json:"to"`
	Samples  []MonitoringSample `json:"samples"`
}
