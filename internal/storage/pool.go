// Package storage provides the PostgreSQL storage layer for the hub.
//
// It manages connection pooling via pgxpool and query methods for all
// tables. Physical table names carry a configurable prefix so several
// hubs can share one database; the prefix is fixed at pool creation.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// tables holds the prefixed physical table names, computed once.
type tables struct {
	servers           string
	apiTokens         string
	serverACL         string
	auditLogs         string
	auditProofs       string
	pendingOperations string
	serverBindings    string
	playerCache       string
	operatorKeys      string
	monitoringHistory string
	idempotencyKeys   string
	schemaMigrations  string
}

func tablesFor(prefix string) tables {
	return tables{
		servers:           prefix + "servers",
		apiTokens:         prefix + "api_tokens",
		serverACL:         prefix + "server_acl",
		auditLogs:         prefix + "audit_logs",
		auditProofs:       prefix + "audit_proofs",
		pendingOperations: prefix + "pending_operations",
		serverBindings:    prefix + "server_bindings",
		playerCache:       prefix + "player_cache",
		operatorKeys:      prefix + "operator_keys",
		monitoringHistory: prefix + "monitoring_history",
		idempotencyKeys:   prefix + "idempotency_keys",
		schemaMigrations:  prefix + "schema_migrations",
	}
}

// DB wraps a pgxpool.Pool plus the prefixed table names.
type DB struct {
	pool   *pgxpool.Pool
	t      tables
	logger *slog.Logger
}

// New creates a new DB with a connection pool. prefix is prepended to every
// table name and must match the prefix the migrations ran with.
func New(ctx context.Context, dsn, prefix string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{
		pool:   pool,
		t:      tablesFor(prefix),
		logger: logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
}

// decodeJSON fills dst from a JSON column's raw bytes. NULL, empty, and
// malformed content all leave dst at its zero value: a corrupt row must
// never make a read fail.
func decodeJSON[T any](raw []byte, dst *T) {
	if len(raw) == 0 {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}
	*dst = v
}

// encodeJSON marshals v for a JSONB parameter. Nil input becomes SQL NULL.
func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode json column: %w", err)
	}
	return b, nil
}
