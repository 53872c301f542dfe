package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mochi-link/mochi/internal/model"
)

// InsertAudit appends a single audit entry outside any transaction.
// Mutations that already run in a transaction should use InsertAuditTx so
// the entry commits or rolls back with the change it describes.
func (db *DB) InsertAudit(ctx context.Context, e model.AuditEntry) error {
	dataJSON, err := encodeJSON(e.OperationData)
	if err != nil {
		return fmt.Errorf("storage: encode audit operation_data: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO `+db.t.auditLogs+` (
		     request_id, user_id, server_id, operation, operation_data,
		     result, error_message, ip_address, user_agent
		 )
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
		e.RequestID, e.UserID, e.ServerID, e.Operation, dataJSON,
		e.Result, e.ErrorMessage, e.IPAddress, e.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

// InsertAuditTx appends an audit entry inside an existing transaction.
func (db *DB) InsertAuditTx(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	dataJSON, err := encodeJSON(e.OperationData)
	if err != nil {
		return fmt.Errorf("storage: encode audit operation_data: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO `+db.t.auditLogs+` (
		     request_id, user_id, server_id, operation, operation_data,
		     result, error_message, ip_address, user_agent
		 )
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
		e.RequestID, e.UserID, e.ServerID, e.Operation, dataJSON,
		e.Result, e.ErrorMessage, e.IPAddress, e.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit tx: %w", err)
	}
	return nil
}

// ListAudit returns audit entries matching the filter, newest first.
func (db *DB) ListAudit(ctx context.Context, f model.AuditFilter, limit, offset int) ([]model.AuditEntry, int, error) {
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
	if f.UserID != "" {
		where += fmt.Sprintf(" AND user_id = $%d", n)
		args = append(args, f.UserID)
		n++
	}
	if f.ServerID != "" {
		where += fmt.Sprintf(" AND server_id = $%d", n)
		args = append(args, f.ServerID)
		n++
	}
	if f.Operation != "" {
		where += fmt.Sprintf(" AND operation = $%d", n)
		args = append(args, f.Operation)
		n++
	}
	if !f.From.IsZero() {
		where += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, f.From)
		n++
	}
	if !f.To.IsZero() {
		where += fmt.Sprintf(" AND created_at <= $%d", n)
		args = append(args, f.To)
		n++
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+db.t.auditLogs+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count audit: %w", err)
	}

	q := `SELECT id, request_id, user_id, server_id, operation, operation_data,
	             result, error_message, ip_address, user_agent, created_at
	      FROM ` + db.t.auditLogs + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// GetAuditRange returns entries with id in [from, to], ascending.
// The proof builder needs a stable contiguous batch, so this reads by id,
// not by time.
func (db *DB) GetAuditRange(ctx context.Context, from, to int64) ([]model.AuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, request_id, user_id, server_id, operation, operation_data,
		        result, error_message, ip_address, user_agent, created_at
		 FROM `+db.t.auditLogs+`
		 WHERE id >= $1 AND id <= $2
		 ORDER BY id ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get audit range: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MaxAuditID returns the highest audit entry id, or 0 when the log is empty.
func (db *DB) MaxAuditID(ctx context.Context) (int64, error) {
	var max int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM `+db.t.auditLogs,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("storage: max audit id: %w", err)
	}
	return max, nil
}

// PurgeAudit deletes audit entries older than the cutoff. Entries not yet
// covered by a proof batch are kept regardless of age so the chain stays
// verifiable. Returns the number of rows removed.
func (db *DB) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM `+db.t.auditLogs+`
		 WHERE created_at < $1
		   AND id <= COALESCE((SELECT MAX(batch_end) FROM `+db.t.auditProofs+`), 0)`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge audit: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAuditEntry(rows pgx.Rows) (model.AuditEntry, error) {
	var (
		e        model.AuditEntry
		dataJSON []byte
	)
	if err := rows.Scan(
		&e.ID, &e.RequestID, &e.UserID, &e.ServerID, &e.Operation, &dataJSON,
		&e.Result, &e.ErrorMessage, &e.IPAddress, &e.UserAgent, &e.CreatedAt,
	); err != nil {
		return model.AuditEntry{}, fmt.Errorf("storage: scan audit entry: %w", err)
	}
	decodeJSON(dataJSON, &e.OperationData)
	return e, nil
}
