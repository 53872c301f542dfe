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

// EnqueuePendingWithAudit queues an operation for an offline server,
// recording it in the same transaction.
func (db *DB) EnqueuePendingWithAudit(ctx context.Context, op model.PendingOperation, audit model.AuditEntry) (model.PendingOperation, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.PendingOperation{}, fmt.Errorf("storage: begin enqueue pending tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.Status == "" {
		op.Status = model.PendingQueued
	}

	paramsJSON, err := encodeJSON(op.Parameters)
	if err != nil {
		return model.PendingOperation{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+db.t.pendingOperations+` (
		     id, server_id, operation_type, target, parameters, status, created_at, scheduled_at
		 )
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)`,
		op.ID, op.ServerID, op.OperationType, op.Target, paramsJSON,
		op.Status, op.CreatedAt, op.ScheduledAt,
	)
	if err != nil {
		return model.PendingOperation{}, fmt.Errorf("storage: enqueue pending: %w", err)
	}

	if err := db.InsertAuditTx(ctx, tx, audit); err != nil {
		return model.PendingOperation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.PendingOperation{}, fmt.Errorf("storage: commit enqueue pending tx: %w", err)
	}
	return op, nil
}

// GetPendingOperation retrieves one queued operation by id.
func (db *DB) GetPendingOperation(ctx context.Context, id uuid.UUID) (model.PendingOperation, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, server_id, operation_type, target, parameters, status,
		        error_message, created_at, scheduled_at, executed_at
		 FROM `+db.t.pendingOperations+` WHERE id = $1`,
		id,
	)
	op, err := scanPending(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PendingOperation{}, fmt.Errorf("storage: pending operation %s: %w", id, ErrNotFound)
		}
		return model.PendingOperation{}, fmt.Errorf("storage: get pending operation: %w", err)
	}
	return op, nil
}

// ListPendingByServer returns a server's queue in enqueue order. A nil
// statuses slice means all statuses.
func (db *DB) ListPendingByServer(ctx context.Context, serverID string, statuses []model.PendingStatus, limit, offset int) ([]model.PendingOperation, int, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	where := ` WHERE server_id = $1`
	args := []any{serverID}
	n := 2
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, s := range statuses {
			strs[i] = string(s)
		}
		where += fmt.Sprintf(" AND status = ANY($%d)", n)
		args = append(args, strs)
		n++
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+db.t.pendingOperations+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count pending: %w", err)
	}

	q := `SELECT id, server_id, operation_type, target, parameters, status,
	             error_message, created_at, scheduled_at, executed_at
	      FROM ` + db.t.pendingOperations + where +
		fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list pending: %w", err)
	}
	defer rows.Close()

	var out []model.PendingOperation
	for rows.Next() {
		op, err := scanPending(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan pending: %w", err)
		}
		out = append(out, op)
	}
	return out, total, rows.Err()
}

// ClaimPendingBatch marks up to batchSize queued operations for a server as
// running and returns them in enqueue order. SKIP LOCKED plus the status
// transition keeps two drains from claiming the same row; locked_until lets
// RequeueStalePending recover rows whose drain died mid-flight.
func (db *DB) ClaimPendingBatch(ctx context.Context, serverID string, batchSize int, lockFor time.Duration) ([]model.PendingOperation, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim pending tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, server_id, operation_type, target, parameters, status,
		        error_message, created_at, scheduled_at, executed_at
		 FROM `+db.t.pendingOperations+`
		 WHERE server_id = $1
		   AND status = 'pending'
		   AND (scheduled_at IS NULL OR scheduled_at <= now())
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		serverID, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select claimable pending: %w", err)
	}

	var claimed []model.PendingOperation
	for rows.Next() {
		op, err := scanPending(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan claimable pending: %w", err)
		}
		claimed = append(claimed, op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: claimable pending rows: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(claimed))
	for i, op := range claimed {
		ids[i] = op.ID
		claimed[i].Status = model.PendingRunning
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+db.t.pendingOperations+`
		 SET status = 'running', locked_until = now() + ($2 * interval '1 microsecond')
		 WHERE id = ANY($1)`,
		ids, lockFor.Microseconds(),
	); err != nil {
		return nil, fmt.Errorf("storage: lock pending batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim pending tx: %w", err)
	}
	return claimed, nil
}

// MarkPendingDone finalizes a claimed operation as executed.
func (db *DB) MarkPendingDone(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE `+db.t.pendingOperations+`
		 SET status = 'done', executed_at = now(), locked_until = NULL, error_message = NULL
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark pending done: %w", err)
	}
	return nil
}

// MarkPendingFailed finalizes a claimed operation as failed with the error.
func (db *DB) MarkPendingFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE `+db.t.pendingOperations+`
		 SET status = 'failed', executed_at = now(), locked_until = NULL, error_message = $2
		 WHERE id = $1`,
		id, errMsg,
	)
	if err != nil {
		return fmt.Errorf("storage: mark pending failed: %w", err)
	}
	return nil
}

// DeletePendingByIDs removes queued operations, used when the optimizer
// cancels mutually annulling pairs. Only rows still in pending state are
// deleted; a concurrently claimed row is left for its drain to finish.
func (db *DB) DeletePendingByIDs(ctx context.Context, serverID string, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM `+db.t.pendingOperations+`
		 WHERE server_id = $1 AND id = ANY($2) AND status = 'pending'`,
		serverID, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete pending by ids: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeuePendingByIDs returns claimed rows to the queue immediately, used
// when a drain loses the connection mid-batch and the remaining operations
// should not wait out their lock.
func (db *DB) RequeuePendingByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE `+db.t.pendingOperations+`
		 SET status = 'pending', locked_until = NULL
		 WHERE id = ANY($1) AND status = 'running'`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("storage: requeue pending by ids: %w", err)
	}
	return nil
}

// RequeueStalePending returns running rows whose lock expired to the queue.
// Covers drains that died between claim and completion.
func (db *DB) RequeueStalePending(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE `+db.t.pendingOperations+`
		 SET status = 'pending', locked_until = NULL
		 WHERE status = 'running' AND locked_until IS NOT NULL AND locked_until < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: requeue stale pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeFinishedPending removes done and failed rows older than the cutoff.
func (db *DB) PurgeFinishedPending(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM `+db.t.pendingOperations+`
		 WHERE status IN ('done', 'failed') AND executed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge finished pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountPendingByStatus returns queue depth per status across all servers.
func (db *DB) CountPendingByStatus(ctx context.Context) (map[model.PendingStatus]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM `+db.t.pendingOperations+` GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count pending by status: %w", err)
	}
	defer rows.Close()

	out := make(map[model.PendingStatus]int)
	for rows.Next() {
		var (
			s model.PendingStatus
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("storage: scan pending status count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

func scanPending(row pgx.Row) (model.PendingOperation, error) {
	var (
		op         model.PendingOperation
		paramsJSON []byte
	)
	if err := row.Scan(
		&op.ID, &op.ServerID, &op.OperationType, &op.Target, &paramsJSON, &op.Status,
		&op.ErrorMessage, &op.CreatedAt, &op.ScheduledAt, &op.ExecutedAt,
	); err != nil {
		return model.PendingOperation{}, err
	}
	decodeJSON(paramsJSON, &op.Parameters)
	return op, nil
}
