package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mochi-link/mochi/internal/model"
)

// UpsertACLWithAudit creates or replaces a user's grant on a server and
// records the change atomically.
func (db *DB) UpsertACLWithAudit(ctx context.Context, grant model.ServerACL, audit model.AuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert acl tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := db.upsertACLTx(ctx, tx, grant); err != nil {
		return err
	}
	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit upsert acl tx: %w", err)
	}
	return nil
}

func (db *DB) upsertACLTx(ctx context.Context, tx pgx.Tx, grant model.ServerACL) error {
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now().UTC()
	}
	permsJSON, err := encodeJSON(grant.Permissions)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO `+db.t.serverACL+` (
		     user_id, server_id, role, permissions, granted_by, granted_at, expires_at
		 )
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		 ON CONFLICT (user_id, server_id) DO UPDATE
		 SET role = EXCLUDED.role,
		     permissions = EXCLUDED.permissions,
		     granted_by = EXCLUDED.granted_by,
		     granted_at = EXCLUDED.granted_at,
		     expires_at = EXCLUDED.expires_at`,
		grant.UserID, grant.ServerID, grant.Role, permsJSON,
		grant.GrantedBy, grant.GrantedAt, grant.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert acl: %w", err)
	}
	return nil
}

// GetACL returns the grant a user holds on a server, ErrNotFound if none.
// Expired grants are filtered here so callers never see a lapsed row.
func (db *DB) GetACL(ctx context.Context, userID, serverID string) (model.ServerACL, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT user_id, server_id, role, permissions, granted_by, granted_at, expires_at
		 FROM `+db.t.serverACL+`
		 WHERE user_id = $1 AND server_id = $2
		   AND (expires_at IS NULL OR expires_at > now())`,
		userID, serverID,
	)
	grant, err := scanACL(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ServerACL{}, ErrNotFound
		}
		return model.ServerACL{}, fmt.Errorf("storage: get acl: %w", err)
	}
	return grant, nil
}

// ListACLByServer returns every unexpired grant on a server.
func (db *DB) ListACLByServer(ctx context.Context, serverID string) ([]model.ServerACL, error) {
	return db.listACL(ctx, "server_id", serverID)
}

// ListACLByUser returns every unexpired grant a user holds.
func (db *DB) ListACLByUser(ctx context.Context, userID string) ([]model.ServerACL, error) {
	return db.listACL(ctx, "user_id", userID)
}

func (db *DB) listACL(ctx context.Context, column, value string) ([]model.ServerACL, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id, server_id, role, permissions, granted_by, granted_at, expires_at
		 FROM `+db.t.serverACL+`
		 WHERE `+column+` = $1
		   AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY granted_at ASC`,
		value,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list acl by %s: %w", column, err)
	}
	defer rows.Close()

	var out []model.ServerACL
	for rows.Next() {
		grant, err := scanACL(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan acl: %w", err)
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}

// DeleteACLWithAudit revokes a grant and records the revocation atomically.
// Returns ErrNotFound when the grant does not exist.
func (db *DB) DeleteACLWithAudit(ctx context.Context, userID, serverID string, audit model.AuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete acl tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+db.t.serverACL+` WHERE user_id = $1 AND server_id = $2`,
		userID, serverID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete acl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit delete acl tx: %w", err)
	}
	return nil
}

// DeleteExpiredACL removes lapsed grants. Reads already filter expiry, so
// this is housekeeping, not enforcement.
func (db *DB) DeleteExpiredACL(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM `+db.t.serverACL+`
		 WHERE expires_at IS NOT NULL AND expires_at < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired acl: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanACL(row pgx.Row) (model.ServerACL, error) {
	var (
		grant     model.ServerACL
		permsJSON []byte
	)
	if err := row.Scan(
		&grant.UserID, &grant.ServerID, &grant.Role, &permsJSON,
		&grant.GrantedBy, &grant.GrantedAt, &grant.ExpiresAt,
	); err != nil {
		return model.ServerACL{}, err
	}
	decodeJSON(permsJSON, &grant.Permissions)
	return grant, nil
}
