package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mochi-link/mochi/internal/model"
)

const playerColumns = `id, uuid, xuid, name, display_name, last_server_id, last_seen,
	identity_confidence, identity_markers, identity_conflict, is_premium, device_type`

// RecordSighting merges one player observation into the cache. The matching
// entry is found by uuid, then xuid, then name; if none correlates a new
// entry is created. Runs read-merge-write under row lock so two servers
// reporting the same player concurrently cannot fork the identity.
func (db *DB) RecordSighting(ctx context.Context, s model.PlayerSighting) (model.PlayerCacheEntry, error) {
	var merged model.PlayerCacheEntry

	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin sighting tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		existing, err := db.lockCorrelatedPlayer(ctx, tx, s)
		switch {
		case errors.Is(err, ErrNotFound):
			merged = model.NewPlayerEntry(s)
			if err := db.insertPlayerTx(ctx, tx, merged); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			merged = model.MergeSighting(existing, s)
			if err := db.updatePlayerTx(ctx, tx, merged); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit sighting tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.PlayerCacheEntry{}, err
	}
	return merged, nil
}

// lockCorrelatedPlayer finds and row-locks the entry a sighting belongs to.
func (db *DB) lockCorrelatedPlayer(ctx context.Context, tx pgx.Tx, s model.PlayerSighting) (model.PlayerCacheEntry, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)
	n := 1
	if s.UUID != "" {
		clauses = append(clauses, fmt.Sprintf("uuid = $%d", n))
		args = append(args, s.UUID)
		n++
	}
	if s.XUID != "" {
		clauses = append(clauses, fmt.Sprintf("xuid = $%d", n))
		args = append(args, s.XUID)
		n++
	}
	if s.Name != "" {
		clauses = append(clauses, fmt.Sprintf("lower(name) = lower($%d)", n))
		args = append(args, s.Name)
	}
	if len(clauses) == 0 {
		return model.PlayerCacheEntry{}, ErrNotFound
	}

	// Strongest identifier wins the correlation; the OR plus ordering below
	// prefers uuid matches over xuid over name.
	row := tx.QueryRow(ctx,
		`SELECT `+playerColumns+`
		 FROM `+db.t.playerCache+`
		 WHERE `+strings.Join(clauses, " OR ")+`
		 ORDER BY (uuid IS NOT NULL) DESC, (xuid IS NOT NULL) DESC, last_seen DESC
		 LIMIT 1
		 FOR UPDATE`,
		args...,
	)
	e, err := scanPlayer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PlayerCacheEntry{}, ErrNotFound
		}
		return model.PlayerCacheEntry{}, fmt.Errorf("storage: lock correlated player: %w", err)
	}
	return e, nil
}

func (db *DB) insertPlayerTx(ctx context.Context, tx pgx.Tx, e model.PlayerCacheEntry) error {
	markersJSON, err := encodeJSON(e.IdentityMarkers)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO `+db.t.playerCache+` (
		     id, uuid, xuid, name, display_name, last_server_id, last_seen,
		     identity_confidence, identity_markers, identity_conflict, is_premium, device_type
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12)`,
		e.ID, e.UUID, e.XUID, e.Name, e.DisplayName, e.LastServerID, e.LastSeen,
		e.IdentityConfidence, markersJSON, e.IdentityConflict, e.IsPremium, e.DeviceType,
	)
	if err != nil {
		return fmt.Errorf("storage: insert player: %w", err)
	}
	return nil
}

func (db *DB) updatePlayerTx(ctx context.Context, tx pgx.Tx, e model.PlayerCacheEntry) error {
	markersJSON, err := encodeJSON(e.IdentityMarkers)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE `+db.t.playerCache+`
		 SET uuid = $2, xuid = $3, name = $4, display_name = $5, last_server_id = $6,
		     last_seen = $7, identity_confidence = $8, identity_markers = $9::jsonb,
		     identity_conflict = $10, is_premium = $11, device_type = $12
		 WHERE id = $1`,
		e.ID, e.UUID, e.XUID, e.Name, e.DisplayName, e.LastServerID,
		e.LastSeen, e.IdentityConfidence, markersJSON,
		e.IdentityConflict, e.IsPremium, e.DeviceType,
	)
	if err != nil {
		return fmt.Errorf("storage: update player: %w", err)
	}
	return nil
}

// LookupPlayer resolves an identifier that may be a uuid, xuid, or name.
// Name lookups are case-insensitive. Returns ErrNotFound when nothing
// matches.
func (db *DB) LookupPlayer(ctx context.Context, identifier string) (model.PlayerCacheEntry, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+playerColumns+`
		 FROM `+db.t.playerCache+`
		 WHERE uuid = $1 OR xuid = $1 OR lower(name) = lower($1)
		 ORDER BY (uuid = $1) DESC, (xuid = $1) DESC, last_seen DESC
		 LIMIT 1`,
		identifier,
	)
	e, err := scanPlayer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PlayerCacheEntry{}, fmt.Errorf("storage: player %q: %w", identifier, ErrNotFound)
		}
		return model.PlayerCacheEntry{}, fmt.Errorf("storage: lookup player: %w", err)
	}
	return e, nil
}

// CountPlayers returns the total number of cached player identities.
func (db *DB) CountPlayers(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+db.t.playerCache,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count players: %w", err)
	}
	return n, nil
}

// ListPlayers returns cache entries matching the filter, most recently seen
// first.
func (db *DB) ListPlayers(ctx context.Context, f model.PlayerFilter, limit, offset int) ([]model.PlayerCacheEntry, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	where := ` WHERE true`
	args := []any{}
	n := 1
	if f.ServerID != "" {
		where += fmt.Sprintf(" AND last_server_id = $%d", n)
		args = append(args, f.ServerID)
		n++
	}
	if f.Name != "" {
		where += fmt.Sprintf(" AND lower(name) = lower($%d)", n)
		args = append(args, f.Name)
		n++
	}
	if f.Conflict != nil {
		where += fmt.Sprintf(" AND identity_conflict = $%d", n)
		args = append(args, *f.Conflict)
		n++
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+db.t.playerCache+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count players: %w", err)
	}

	q := `SELECT ` + playerColumns + ` FROM ` + db.t.playerCache + where +
		fmt.Sprintf(" ORDER BY last_seen DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list players: %w", err)
	}
	defer rows.Close()

	var out []model.PlayerCacheEntry
	for rows.Next() {
		e, err := scanPlayer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan player: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func scanPlayer(row pgx.Row) (model.PlayerCacheEntry, error) {
	var (
		e           model.PlayerCacheEntry
		markersJSON []byte
	)
	if err := row.Scan(
		&e.ID, &e.UUID, &e.XUID, &e.Name, &e.DisplayName, &e.LastServerID, &e.LastSeen,
		&e.IdentityConfidence, &markersJSON, &e.IdentityConflict, &e.IsPremium, &e.DeviceType,
	); err != nil {
		return model.PlayerCacheEntry{}, err
	}
	decodeJSON(markersJSON, &e.IdentityMarkers)
	return e, nil
}
