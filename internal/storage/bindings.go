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

// ErrDuplicateBinding is returned when (group, server, type) already exists.
var ErrDuplicateBinding = errors.New("storage: binding already exists for this group, server, and type")

// CreateBindingWithAudit inserts a group binding and its audit entry
// atomically.
func (db *DB) CreateBindingWithAudit(ctx context.Context, b model.GroupBinding, audit model.AuditEntry) (model.GroupBinding, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.GroupBinding{}, fmt.Errorf("storage: begin create binding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = model.BindingActive
	}

	cfgJSON, err := encodeJSON(b.Config)
	if err != nil {
		return model.GroupBinding{}, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+db.t.serverBindings+` (
		     id, group_id, server_id, binding_type, config, created_by, created_at, status
		 )
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		 ON CONFLICT (group_id, server_id, binding_type) DO NOTHING`,
		b.ID, b.GroupID, b.ServerID, b.BindingType, cfgJSON, b.CreatedBy, b.CreatedAt, b.Status,
	)
	if err != nil {
		return model.GroupBinding{}, fmt.Errorf("storage: create binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.GroupBinding{}, ErrDuplicateBinding
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return model.GroupBinding{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.GroupBinding{}, fmt.Errorf("storage: commit create binding tx: %w", err)
	}
	return b, nil
}

// GetBinding retrieves a binding by id.
func (db *DB) GetBinding(ctx context.Context, id uuid.UUID) (model.GroupBinding, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, group_id, server_id, binding_type, config, created_by, created_at, status, last_used_at
		 FROM `+db.t.serverBindings+` WHERE id = $1`,
		id,
	)
	b, err := scanBinding(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GroupBinding{}, fmt.Errorf("storage: binding %s: %w", id, ErrNotFound)
		}
		return model.GroupBinding{}, fmt.Errorf("storage: get binding: %w", err)
	}
	return b, nil
}

// ListBindings returns bindings, optionally narrowed to a group and/or
// server, oldest first so routing order is deterministic.
func (db *DB) ListBindings(ctx context.Context, groupID, serverID string) ([]model.GroupBinding, error) {
	where := ` WHERE true`
	args := []any{}
	n := 1
	if groupID != "" {
		where += fmt.Sprintf(" AND group_id = $%d", n)
		args = append(args, groupID)
		n++
	}
	if serverID != "" {
		where += fmt.Sprintf(" AND server_id = $%d", n)
		args = append(args, serverID)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, group_id, server_id, binding_type, config, created_by, created_at, status, last_used_at
		 FROM `+db.t.serverBindings+where+` ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list bindings: %w", err)
	}
	defer rows.Close()

	var out []model.GroupBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBindingWithAudit replaces the config and/or status of a binding and
// records the change atomically.
func (db *DB) UpdateBindingWithAudit(ctx context.Context, b model.GroupBinding, audit model.AuditEntry) (model.GroupBinding, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.GroupBinding{}, fmt.Errorf("storage: begin update binding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cfgJSON, err := encodeJSON(b.Config)
	if err != nil {
		return model.GroupBinding{}, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE `+db.t.serverBindings+`
		 SET config = $2::jsonb, status = $3
		 WHERE id = $1`,
		b.ID, cfgJSON, b.Status,
	)
	if err != nil {
		return model.GroupBinding{}, fmt.Errorf("storage: update binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.GroupBinding{}, fmt.Errorf("storage: binding %s: %w", b.ID, ErrNotFound)
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return model.GroupBinding{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.GroupBinding{}, fmt.Errorf("storage: commit update binding tx: %w", err)
	}
	return b, nil
}

// DeleteBindingWithAudit removes a binding and records the removal.
func (db *DB) DeleteBindingWithAudit(ctx context.Context, id uuid.UUID, audit model.AuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete binding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM `+db.t.serverBindings+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: binding %s: %w", id, ErrNotFound)
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit delete binding tx: %w", err)
	}
	return nil
}

// DeleteBindingByTriple removes a binding addressed by its natural key.
// Bot unbind commands address bindings this way. Returns ErrNotFound when
// no such binding exists.
func (db *DB) DeleteBindingByTriple(ctx context.Context, groupID, serverID string, bindingType model.BindingType, audit model.AuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete binding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+db.t.serverBindings+`
		 WHERE group_id = $1 AND server_id = $2 AND binding_type = $3`,
		groupID, serverID, bindingType,
	)
	if err != nil {
		return fmt.Errorf("storage: delete binding by triple: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit delete binding tx: %w", err)
	}
	return nil
}

// TouchBindingUsed stamps last_used_at after traffic flows over a binding.
// Best effort; the router ignores the result.
func (db *DB) TouchBindingUsed(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE `+db.t.serverBindings+` SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: touch binding used: %w", err)
	}
	return nil
}

func scanBinding(row pgx.Row) (model.GroupBinding, error) {
	var (
		b       model.GroupBinding
		cfgJSON []byte
	)
	if err := row.Scan(
		&b.ID, &b.GroupID, &b.ServerID, &b.BindingType, &cfgJSON,
		&b.CreatedBy, &b.CreatedAt, &b.Status, &b.LastUsedAt,
	); err != nil {
		return model.GroupBinding{}, err
	}
	decodeJSON(cfgJSON, &b.Config)
	return b, nil
}
