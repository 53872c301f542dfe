package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// prefixPlaceholder is replaced with the configured table prefix before a
// migration file executes. Index names embed the prefix too, so several
// hubs can migrate into one database without colliding.
const prefixPlaceholder = "{{prefix}}"

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in filename order, substituting the table prefix first. Applied
// filenames are tracked in the prefixed schema_migrations table so each file
// runs at most once per prefix. Forward-only.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	prefix := strings.TrimSuffix(db.t.schemaMigrations, "schema_migrations")

	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+db.t.schemaMigrations+` (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := db.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		if applied[name] {
			db.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sql := strings.ReplaceAll(string(content), prefixPlaceholder, prefix)

		db.logger.Info("running migration", "file", name, "prefix", prefix)
		if _, err := db.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}

		if _, err := db.pool.Exec(ctx,
			`INSERT INTO `+db.t.schemaMigrations+` (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}

	return nil
}

// loadAppliedMigrations returns the set of migration filenames already
// recorded for this prefix.
func (db *DB) loadAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM `+db.t.schemaMigrations)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
