package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mochi-link/mochi/internal/model"
)

// CreateOperatorKeyWithAudit inserts a new operator key and its audit entry
// atomically.
func (db *DB) CreateOperatorKeyWithAudit(ctx context.Context, key model.OperatorKey, audit model.AuditEntry) (model.OperatorKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.OperatorKey{}, fmt.Errorf("storage: begin create operator key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key, err = db.insertOperatorKeyTx(ctx, tx, key)
	if err != nil {
		return model.OperatorKey{}, err
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return model.OperatorKey{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.OperatorKey{}, fmt.Errorf("storage: commit create operator key tx: %w", err)
	}
	return key, nil
}

func (db *DB) insertOperatorKeyTx(ctx context.Context, tx pgx.Tx, key model.OperatorKey) (model.OperatorKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO `+db.t.operatorKeys+` (
		     id, prefix, key_hash, operator_id, role, label, created_by, created_at, expires_at
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.Prefix, key.KeyHash, key.OperatorID, key.Role,
		key.Label, key.CreatedBy, key.CreatedAt, key.ExpiresAt,
	)
	if err != nil {
		return model.OperatorKey{}, fmt.Errorf("storage: insert operator key: %w", err)
	}
	return key, nil
}

// GetOperatorKeyByPrefix looks up a single active key by its public prefix.
// The prefix pre-filter keeps auth to one Argon2 verification per request.
// Returns ErrNotFound if no matching active key exists.
func (db *DB) GetOperatorKeyByPrefix(ctx context.Context, prefix string) (model.OperatorKey, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, prefix, key_hash, operator_id, role, label, created_by,
		        created_at, last_used_at, expires_at, revoked_at
		 FROM `+db.t.operatorKeys+`
		 WHERE prefix = $1
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())
		 LIMIT 1`,
		prefix,
	)
	k, err := scanOperatorKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OperatorKey{}, ErrNotFound
		}
		return model.OperatorKey{}, fmt.Errorf("storage: get operator key by prefix: %w", err)
	}
	return k, nil
}

// GetOperatorKeyByID retrieves a single operator key by its UUID.
func (db *DB) GetOperatorKeyByID(ctx context.Context, id uuid.UUID) (model.OperatorKey, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, prefix, key_hash, operator_id, role, label, created_by,
		        created_at, last_used_at, expires_at, revoked_at
		 FROM `+db.t.operatorKeys+` WHERE id = $1`,
		id,
	)
	k, err := scanOperatorKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OperatorKey{}, fmt.Errorf("storage: operator key %s: %w", id, ErrNotFound)
		}
		return model.OperatorKey{}, fmt.Errorf("storage: get operator key: %w", err)
	}
	return k, nil
}

// ListOperatorKeys returns operator keys with pagination, newest first.
// Revoked and expired keys are included for admin visibility.
func (db *DB) ListOperatorKeys(ctx context.Context, limit, offset int) ([]model.OperatorKey, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+db.t.operatorKeys,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count operator keys: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, prefix, key_hash, operator_id, role, label, created_by,
		        created_at, last_used_at, expires_at, revoked_at
		 FROM `+db.t.operatorKeys+`
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list operator keys: %w", err)
	}
	defer rows.Close()

	var keys []model.OperatorKey
	for rows.Next() {
		k, err := scanOperatorKey(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan operator key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, total, rows.Err()
}

// RevokeOperatorKeyWithAudit marks a key revoked and records it atomically.
// Returns ErrNotFound if the key does not exist or is already revoked.
func (db *DB) RevokeOperatorKeyWithAudit(ctx context.Context, id uuid.UUID, audit model.AuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin revoke operator key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE `+db.t.operatorKeys+`
		 SET revoked_at = now()
		 WHERE id = $1 AND revoked_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke operator key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit revoke operator key tx: %w", err)
	}
	return nil
}

// RotateOperatorKeyWithAudit revokes the old key and inserts its replacement
// in one transaction, so there is no instant with zero valid keys recorded.
func (db *DB) RotateOperatorKeyWithAudit(ctx context.Context, oldID uuid.UUID, newKey model.OperatorKey, audit model.AuditEntry) (model.OperatorKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.OperatorKey{}, fmt.Errorf("storage: begin rotate operator key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE `+db.t.operatorKeys+`
		 SET revoked_at = now()
		 WHERE id = $1 AND revoked_at IS NULL`,
		oldID,
	)
	if err != nil {
		return model.OperatorKey{}, fmt.Errorf("storage: revoke old operator key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.OperatorKey{}, ErrNotFound
	}

	newKey, err = db.insertOperatorKeyTx(ctx, tx, newKey)
	if err != nil {
		return model.OperatorKey{}, err
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return model.OperatorKey{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.OperatorKey{}, fmt.Errorf("storage: commit rotate operator key tx: %w", err)
	}
	return newKey, nil
}

// TouchOperatorKeyUsed stamps last_used_at. Fire-and-forget from auth.
func (db *DB) TouchOperatorKeyUsed(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE `+db.t.operatorKeys+` SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: touch operator key used: %w", err)
	}
	return nil
}

// SeedAdminKey installs the bootstrap admin key if no key exists yet for the
// admin operator. Idempotent: a hub restarted with the same env installs
// nothing new.
func (db *DB) SeedAdminKey(ctx context.Context, key model.OperatorKey) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM `+db.t.operatorKeys+`
		     WHERE operator_id = $1 AND revoked_at IS NULL
		 )`,
		key.OperatorID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: check admin key: %w", err)
	}
	if exists {
		return false, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin seed admin key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := db.insertOperatorKeyTx(ctx, tx, key); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit seed admin key tx: %w", err)
	}
	return true, nil
}

func scanOperatorKey(row pgx.Row) (model.OperatorKey, error) {
	var k model.OperatorKey
	if err := row.Scan(
		&k.ID, &k.Prefix, &k.KeyHash, &k.OperatorID, &k.Role, &k.Label,
		&k.CreatedBy, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt,
	); err != nil {
		return model.OperatorKey{}, err
	}
	return k, nil
}
