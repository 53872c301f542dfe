package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mochi-link/mochi/internal/model"
)

// InsertMonitoringSamples bulk-writes a flushed buffer of samples via COPY.
// Samples are lossy by contract; callers log failures and drop the batch.
func (db *DB) InsertMonitoringSamples(ctx context.Context, samples []model.MonitoringSample) error {
	if len(samples) == 0 {
		return nil
	}

	columns := []string{"server_id", "tps", "mspt", "cpu_percent", "mem_used_mb", "mem_max_mb",
		"player_count", "max_players", "collected_at"}
	rows := make([][]any, len(samples))
	now := time.Now().UTC()
	for i, s := range samples {
		collectedAt := s.CollectedAt
		if collectedAt.IsZero() {
			collectedAt = now
		}
		rows[i] = []any{s.ServerID, s.TPS, s.MSPT, s.CPUPercent, s.MemUsedMB, s.MemMaxMB,
			s.PlayerCount, s.MaxPlayers, collectedAt}
	}

	if _, err := db.pool.CopyFrom(ctx, pgx.Identifier{db.t.monitoringHistory}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy monitoring samples: %w", err)
	}
	return nil
}

// LatestMonitoringSample returns the most recent sample for a server, or
// ErrNotFound when no sample has ever been recorded.
func (db *DB) LatestMonitoringSample(ctx context.Context, serverID string) (model.MonitoringSample, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT server_id, tps, mspt, cpu_percent, mem_used_mb, mem_max_mb,
		        player_count, max_players, collected_at
		 FROM `+db.t.monitoringHistory+`
		 WHERE server_id = $1
		 ORDER BY collected_at DESC
		 LIMIT 1`,
		serverID,
	)
	s, err := scanMonitoringSample(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MonitoringSample{}, ErrNotFound
		}
		return model.MonitoringSample{}, fmt.Errorf("storage: latest monitoring sample: %w", err)
	}
	return s, nil
}

// OnlinePlayerTotal sums the most recent player_count sample across servers
// currently marked online. Servers without samples contribute zero.
func (db *DB) OnlinePlayerTotal(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(latest.player_count), 0)
		 FROM `+db.t.servers+` s
		 JOIN LATERAL (
		     SELECT player_count FROM `+db.t.monitoringHistory+`
		     WHERE server_id = s.id
		     ORDER BY collected_at DESC
		     LIMIT 1
		 ) latest ON true
		 WHERE s.status = 'online'`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: online player total: %w", err)
	}
	return n, nil
}

// MonitoringWindow returns all samples for a server within [from, to],
// oldest first.
func (db *DB) MonitoringWindow(ctx context.Context, serverID string, from, to time.Time) (model.MonitoringWindow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT server_id, tps, mspt, cpu_percent, mem_used_mb, mem_max_mb,
		        player_count, max_players, collected_at
		 FROM `+db.t.monitoringHistory+`
		 WHERE server_id = $1 AND collected_at >= $2 AND collected_at <= $3
		 ORDER BY collected_at ASC`,
		serverID, from, to,
	)
	if err != nil {
		return model.MonitoringWindow{}, fmt.Errorf("storage: monitoring window: %w", err)
	}
	defer rows.Close()

	w := model.MonitoringWindow{ServerID: serverID, From: from, To: to}
	for rows.Next() {
		s, err := scanMonitoringSample(rows)
		if err != nil {
			return model.MonitoringWindow{}, fmt.Errorf("storage: scan monitoring sample: %w", err)
		}
		w.Samples = append(w.Samples, s)
	}
	return w, rows.Err()
}

// PurgeMonitoring deletes samples older than the cutoff. Returns rows removed.
func (db *DB) PurgeMonitoring(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM `+db.t.monitoringHistory+` WHERE collected_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge monitoring: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMonitoringSample(row pgx.Row) (model.MonitoringSample, error) {
	var s model.MonitoringSample
	if err := row.Scan(
		&s.ServerID, &s.TPS, &s.MSPT, &s.CPUPercent, &s.MemUsedMB, &s.MemMaxMB,
		&s.PlayerCount, &s.MaxPlayers, &s.CollectedAt,
	); err != nil {
		return model.MonitoringSample{}, err
	}
	return s, nil
}
