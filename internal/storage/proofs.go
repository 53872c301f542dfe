package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mochi-link/mochi/internal/model"
)

// GetLatestAuditProof returns the most recent proof batch, or nil when the
// chain hasn't started yet.
func (db *DB) GetLatestAuditProof(ctx context.Context) (*model.AuditProof, error) {
	var p model.AuditProof
	err := db.pool.QueryRow(ctx,
		`SELECT id, batch_start, batch_end, entry_count, root_hash, previous_root, created_at
		 FROM `+db.t.auditProofs+`
		 ORDER BY batch_end DESC
		 LIMIT 1`,
	).Scan(&p.ID, &p.BatchStart, &p.BatchEnd, &p.EntryCount, &p.RootHash, &p.PreviousRoot, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest audit proof: %w", err)
	}
	return &p, nil
}

// CreateAuditProof appends a proof batch. The unique range index rejects a
// second proof over the same rows, so concurrent builders fail loudly
// instead of forking the chain.
func (db *DB) CreateAuditProof(ctx context.Context, p model.AuditProof) (model.AuditProof, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO `+db.t.auditProofs+` (batch_start, batch_end, entry_count, root_hash, previous_root)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		p.BatchStart, p.BatchEnd, p.EntryCount, p.RootHash, p.PreviousRoot,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return model.AuditProof{}, fmt.Errorf("storage: create audit proof: %w", err)
	}
	return p, nil
}

// ListAuditProofs returns proof batches, newest first.
func (db *DB) ListAuditProofs(ctx context.Context, limit, offset int) ([]model.AuditProof, int, error) {
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
		`SELECT COUNT(*) FROM `+db.t.auditProofs,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count audit proofs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, batch_start, batch_end, entry_count, root_hash, previous_root, created_at
		 FROM `+db.t.auditProofs+`
		 ORDER BY batch_end DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list audit proofs: %w", err)
	}
	defer rows.Close()

	var out []model.AuditProof
	for rows.Next() {
		var p model.AuditProof
		if err := rows.Scan(
			&p.ID, &p.BatchStart, &p.BatchEnd, &p.EntryCount,
			&p.RootHash, &p.PreviousRoot, &p.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan audit proof: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}
