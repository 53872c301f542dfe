package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mochi-link/mochi/internal/model"
)

// ErrDuplicateServer is returned when a server id is already registered.
var ErrDuplicateServer = errors.New("storage: server id already registered")

// CreateServerWithToken registers a server, its first connector token, and
// the owner ACL grant atomically, with the audit entry in the same
// transaction. Either the whole registration exists or none of it does.
func (db *DB) CreateServerWithToken(ctx context.Context, srv model.Server, token model.APIToken, audit model.AuditEntry) (model.Server, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Server{}, fmt.Errorf("storage: begin register server tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	srv.UpdatedAt = srv.CreatedAt
	if srv.Status == "" {
		srv.Status = model.StatusOffline
	}

	cfgJSON, err := encodeJSON(srv.ConnectionConfig)
	if err != nil {
		return model.Server{}, err
	}
	tagsJSON, err := encodeJSON(srv.Tags)
	if err != nil {
		return model.Server{}, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+db.t.servers+` (
		     id, name, core_type, core_name, core_version, connection_mode,
		     connection_config, status, owner_id, tags, created_at, updated_at
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10::jsonb, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		srv.ID, srv.Name, srv.CoreType, srv.CoreName, srv.CoreVersion, srv.ConnectionMode,
		cfgJSON, srv.Status, srv.OwnerID, tagsJSON, srv.CreatedAt, srv.UpdatedAt,
	)
	if err != nil {
		return model.Server{}, fmt.Errorf("storage: create server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Server{}, ErrDuplicateServer
	}

	if err := db.insertTokenTx(ctx, tx, token); err != nil {
		return model.Server{}, err
	}

	ownerGrant := model.ServerACL{
		UserID:    srv.OwnerID,
		ServerID:  srv.ID,
		Role:      model.RoleOwner,
		GrantedBy: srv.OwnerID,
		GrantedAt: now,
	}
	if err := db.upsertACLTx(ctx, tx, ownerGrant); err != nil {
		return model.Server{}, err
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return model.Server{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Server{}, fmt.Errorf("storage: commit register server tx: %w", err)
	}
	return srv, nil
}

// GetServer retrieves a server by id. Returns ErrNotFound if absent.
func (db *DB) GetServer(ctx context.Context, id string) (model.Server, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, name, core_type, core_name, core_version, connection_mode,
		        connection_config, status, owner_id, tags, created_at, updated_at, last_seen
		 FROM `+db.t.servers+` WHERE id = $1`,
		id,
	)
	srv, err := scanServer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Server{}, fmt.Errorf("storage: server %s: %w", id, ErrNotFound)
		}
		return model.Server{}, fmt.Errorf("storage: get server: %w", err)
	}
	return srv, nil
}

// ListServers returns servers matching the filter with pagination, newest
// registration first.
func (db *DB) ListServers(ctx context.Context, f model.ServerFilter, limit, offset int) ([]model.Server, int, error) {
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
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, f.Status)
		n++
	}
	if f.OwnerID != "" {
		where += fmt.Sprintf(" AND owner_id = $%d", n)
		args = append(args, f.OwnerID)
		n++
	}
	if f.Tag != "" {
		where += fmt.Sprintf(" AND tags @> $%d::jsonb", n)
		args = append(args, fmt.Sprintf(`["%s"]`, f.Tag))
		n++
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+db.t.servers+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count servers: %w", err)
	}

	q := `SELECT id, name, core_type, core_name, core_version, connection_mode,
	             connection_config, status, owner_id, tags, created_at, updated_at, last_seen
	      FROM ` + db.t.servers + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list servers: %w", err)
	}
	defer rows.Close()

	var out []model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan server: %w", err)
		}
		out = append(out, srv)
	}
	return out, total, rows.Err()
}

// UpdateServerWithAudit applies the mutable fields and writes the audit
// entry in the same transaction. Returns the updated row.
func (db *DB) UpdateServerWithAudit(ctx context.Context, srv model.Server, audit model.AuditEntry) (model.Server, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Server{}, fmt.Errorf("storage: begin update server tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cfgJSON, err := encodeJSON(srv.ConnectionConfig)
	if err != nil {
		return model.Server{}, err
	}
	tagsJSON, err := encodeJSON(srv.Tags)
	if err != nil {
		return model.Server{}, err
	}

	srv.UpdatedAt = time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE `+db.t.servers+`
		 SET name = $2, core_version = $3, connection_config = $4::jsonb,
		     status = $5, tags = $6::jsonb, updated_at = $7
		 WHERE id = $1`,
		srv.ID, srv.Name, srv.CoreVersion, cfgJSON, srv.Status, tagsJSON, srv.UpdatedAt,
	)
	if err != nil {
		return model.Server{}, fmt.Errorf("storage: update server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Server{}, fmt.Errorf("storage: server %s: %w", srv.ID, ErrNotFound)
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return model.Server{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Server{}, fmt.Errorf("storage: commit update server tx: %w", err)
	}
	return srv, nil
}

// DeleteServerWithAudit removes a server and writes the audit entry in one
// transaction. Tokens, ACL entries, bindings, pending operations, player
// cache rows, and monitoring history go with it via FK cascade. Audit rows
// survive: they carry no FK.
func (db *DB) DeleteServerWithAudit(ctx context.Context, id string, audit model.AuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete server tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM `+db.t.servers+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: server %s: %w", id, ErrNotFound)
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit delete server tx: %w", err)
	}
	return nil
}

// SetServerStatus transitions a server's lifecycle status. When the new
// status is online, last_seen is stamped as well.
func (db *DB) SetServerStatus(ctx context.Context, id string, status model.ServerStatus) error {
	q := `UPDATE ` + db.t.servers + ` SET status = $2, updated_at = now() WHERE id = $1`
	if status == model.StatusOnline {
		q = `UPDATE ` + db.t.servers + ` SET status = $2, updated_at = now(), last_seen = now() WHERE id = $1`
	}
	tag, err := db.pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("storage: set server status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: server %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchServerSeen stamps last_seen without changing status. Called on
// heartbeat so a quiet but healthy connection stays visibly fresh.
func (db *DB) TouchServerSeen(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE `+db.t.servers+` SET last_seen = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: touch server seen: %w", err)
	}
	return nil
}

// ResetOnlineServers marks every online or connecting server offline.
// Runs once at startup: whatever the table claims, no connector is attached
// to a freshly started hub.
func (db *DB) ResetOnlineServers(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE `+db.t.servers+`
		 SET status = 'offline', updated_at = now()
		 WHERE status IN ('online', 'connecting')`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reset online servers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountServersByStatus returns the number of registered servers per status.
func (db *DB) CountServersByStatus(ctx context.Context) (map[model.ServerStatus]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM `+db.t.servers+` GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count servers by status: %w", err)
	}
	defer rows.Close()

	out := make(map[model.ServerStatus]int)
	for rows.Next() {
		var (
			s model.ServerStatus
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("storage: scan server status count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// CountServersByCore returns the number of registered servers per core type.
func (db *DB) CountServersByCore(ctx context.Context) (map[string]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT core_type, COUNT(*) FROM `+db.t.servers+` GROUP BY core_type`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count servers by core: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			c string
			n int
		)
		if err := rows.Scan(&c, &n); err != nil {
			return nil, fmt.Errorf("storage: scan server core count: %w", err)
		}
		out[c] = n
	}
	return out, rows.Err()
}

func scanServer(row pgx.Row) (model.Server, error) {
	var (
		srv      model.Server
		cfgJSON  []byte
		tagsJSON []byte
	)
	if err := row.Scan(
		&srv.ID, &srv.Name, &srv.CoreType, &srv.CoreName, &srv.CoreVersion, &srv.ConnectionMode,
		&cfgJSON, &srv.Status, &srv.OwnerID, &tagsJSON, &srv.CreatedAt, &srv.UpdatedAt, &srv.LastSeen,
	); err != nil {
		return model.Server{}, err
	}
	decodeJSON(cfgJSON, &srv.ConnectionConfig)
	decodeJSON(tagsJSON, &srv.Tags)
	return srv, nil
}
