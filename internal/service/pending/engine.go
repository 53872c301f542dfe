// Package pending queues mutations for offline servers and drains them in
// enqueue order when the server reconnects.
//
// The queue is optimized at enqueue time: operations that annul or duplicate
// each other are removed before they ever reach the wire, so a server that
// was offline for hours does not replay a tug-of-war of whitelist edits.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
	"github.com/mochi-link/mochi/internal/storage"
	"github.com/mochi-link/mochi/internal/telemetry"
)

// ErrEmptyTarget rejects enqueue requests whose target sanitizes to nothing.
var ErrEmptyTarget = errors.New("pending: operation target is empty")

// claimBatchSize bounds one claim round-trip during a drain.
const claimBatchSize = 100

// claimLock is how long claimed rows stay invisible to other drains before
// RequeueStalePending recovers them.
const claimLock = 2 * time.Minute

// Requester is the slice of the connection hub the drain loop needs.
type Requester interface {
	IsOnline(serverID string) bool
	SendRequest(ctx context.Context, serverID, op string, data any, timeout time.Duration) (json.RawMessage, error)
}

// Engine owns the offline operation queue.
type Engine struct {
	db     *storage.DB
	hub    Requester
	authz  *authz.Checker
	broker *events.Broker
	logger *slog.Logger

	opTimeout time.Duration // per-operation budget while draining

	drains singleflight.Group

	enqueued metric.Int64Counter
	executed metric.Int64Counter
	failed   metric.Int64Counter

	wg     sync.WaitGroup
	cancel context.CancelFunc
	unsub  func()
}

// New creates the engine. opTimeout <= 0 selects 10s.
func New(db *storage.DB, h Requester, checker *authz.Checker, broker *events.Broker, logger *slog.Logger, opTimeout time.Duration) *Engine {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	meter := telemetry.Meter("mochi/pending")
	enq, _ := meter.Int64Counter("mochi.pending.enqueued",
		metric.WithDescription("Operations queued for offline servers"),
	)
	exec, _ := meter.Int64Counter("mochi.pending.executed",
		metric.WithDescription("Queued operations drained successfully"),
	)
	fail, _ := meter.Int64Counter("mochi.pending.failed",
		metric.WithDescription("Queued operations that failed during drain"),
	)
	e := &Engine{
		db:        db,
		hub:       h,
		authz:     checker,
		broker:    broker,
		logger:    logger.With("component", "pending"),
		opTimeout: opTimeout,
		enqueued:  enq,
		executed:  exec,
		failed:    fail,
	}

	_, _ = meter.Int64ObservableGauge("mochi.pending.depth",
		metric.WithDescription("Operations waiting in or claimed from the queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			counts, err := e.db.CountPendingByStatus(ctx)
			if err != nil {
				return err
			}
			o.Observe(int64(counts[model.PendingQueued] + counts[model.PendingRunning]))
			return nil
		}),
	)
	return e
}

// Start subscribes to server.connected transitions; each one triggers a
// drain for that server. Call Stop during shutdown.
func (e *Engine) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	ch, unsub := e.broker.Subscribe(events.Subscription{Types: []string{events.TypeServerConnected}})
	e.unsub = unsub

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				e.wg.Add(1)
				go func(serverID string) {
					defer e.wg.Done()
					if _, err := e.Drain(loopCtx, serverID); err != nil {
						e.logger.Error("drain failed", "server_id", serverID, "error", err)
					}
				}(ev.ServerID)
			}
		}
	}()
}

// Stop halts the drain trigger loop and waits for in-flight drains.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Enqueue queues one operation for later execution. The target must survive
// sanitization; a queued no-op would otherwise sit in the queue forever. The
// queue is re-optimized afterwards so annulling pairs never hit the wire.
func (e *Engine) Enqueue(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, op model.PendingOperation) (model.PendingOperation, error) {
	if err := e.authz.Require(ctx, claims, op.ServerID, authz.OpPendingManage); err != nil {
		return model.PendingOperation{}, err
	}
	audit := meta.Entry("pending.enqueue", op.ServerID, map[string]any{
		"operationType": op.OperationType,
		"target":        op.Target,
	}, model.AuditSuccess, nil)
	return e.EnqueueWithAudit(ctx, op, audit)
}

// EnqueueWithAudit queues an operation with a caller-built audit entry, so a
// mutation that falls back to the queue still produces exactly one audit row
// (the mutation's own, flagged queued). The ops services use this path after
// their permission check.
func (e *Engine) EnqueueWithAudit(ctx context.Context, op model.PendingOperation, audit model.AuditEntry) (model.PendingOperation, error) {
	op.Target = strings.TrimSpace(model.SanitizeText(op.Target))
	if op.Target == "" {
		return model.PendingOperation{}, ErrEmptyTarget
	}
	op.Status = model.PendingQueued

	queued, err := e.db.EnqueuePendingWithAudit(ctx, op, audit)
	if err != nil {
		return model.PendingOperation{}, err
	}
	e.enqueued.Add(ctx, 1)

	if n, err := e.Optimize(ctx, op.ServerID); err != nil {
		e.logger.Warn("queue optimization failed", "server_id", op.ServerID, "error", err)
	} else if n > 0 {
		e.logger.Info("queue optimized", "server_id", op.ServerID, "cancelled", n)
	}
	return queued, nil
}

// List returns a server's queue in enqueue order.
func (e *Engine) List(ctx context.Context, claims *auth.Claims, serverID string, statuses []model.PendingStatus, limit, offset int) ([]model.PendingOperation, int, error) {
	if err := e.authz.Require(ctx, claims, serverID, authz.OpPendingView); err != nil {
		return nil, 0, err
	}
	return e.db.ListPendingByServer(ctx, serverID, statuses, limit, offset)
}

// Cancel removes one still-queued operation.
func (e *Engine) Cancel(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, serverID string, id string) error {
	if err := e.authz.Require(ctx, claims, serverID, authz.OpPendingManage); err != nil {
		return err
	}
	opID, err := parseOpID(id)
	if err != nil {
		return err
	}
	op, err := e.db.GetPendingOperation(ctx, opID)
	if err != nil {
		return err
	}
	if op.ServerID != serverID {
		return fmt.Errorf("pending operation %s: %w", id, storage.ErrNotFound)
	}
	n, err := e.db.DeletePendingByIDs(ctx, serverID, []uuid.UUID{opID})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pending: operation %s is no longer queued", id)
	}
	audit := meta.Entry("pending.cancel", serverID, map[string]any{
		"operationId":   id,
		"operationType": op.OperationType,
		"target":        op.Target,
	}, model.AuditSuccess, nil)
	if err := e.db.InsertAudit(ctx, audit); err != nil {
		e.logger.Warn("pending cancel audit failed", "error", err)
	}
	return nil
}

// Optimize loads the queued tail for a server and deletes cancellable rows.
// Returns how many rows were removed. Concurrent drains are safe: deletion
// only touches rows still in pending state.
func (e *Engine) Optimize(ctx context.Context, serverID string) (int64, error) {
	queue, _, err := e.db.ListPendingByServer(ctx, serverID, []model.PendingStatus{model.PendingQueued}, 1000, 0)
	if err != nil {
		return 0, err
	}
	cancel := Cancellations(queue)
	if len(cancel) == 0 {
		return 0, nil
	}
	return e.db.DeletePendingByIDs(ctx, serverID, cancel)
}

// Drain executes the queued operations for one server in enqueue order.
// Concurrent triggers for the same server coalesce into a single pass.
// Failures mark the row failed and continue; a lost connection requeues the
// unexecuted remainder and stops. Returns the number executed successfully.
func (e *Engine) Drain(ctx context.Context, serverID string) (int, error) {
	v, err, _ := e.drains.Do(serverID, func() (any, error) {
		return e.drainOnce(ctx, serverID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (e *Engine) drainOnce(ctx context.Context, serverID string) (int, error) {
	if _, err := e.Optimize(ctx, serverID); err != nil {
		e.logger.Warn("pre-drain optimization failed", "server_id", serverID, "error", err)
	}

	total := 0
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		if !e.hub.IsOnline(serverID) {
			return total, nil
		}

		batch, err := e.db.ClaimPendingBatch(ctx, serverID, claimBatchSize, claimLock)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			if total > 0 {
				e.logger.Info("queue drained", "server_id", serverID, "executed", total)
			}
			return total, nil
		}

		for i, op := range batch {
			if err := e.execute(ctx, op); err != nil {
				if errors.Is(err, hub.ErrNotConnected) || errors.Is(err, hub.ErrConnectionClosed) {
					// Connection dropped mid-drain: requeue this row and the
					// rest of the batch for the next reconnect.
					rest := make([]uuid.UUID, 0, len(batch)-i)
					for _, r := range batch[i:] {
						rest = append(rest, r.ID)
					}
					if reqErr := e.db.RequeuePendingByIDs(ctx, rest); reqErr != nil {
						e.logger.Error("requeue after disconnect failed", "server_id", serverID, "error", reqErr)
					}
					return total, nil
				}

				e.failed.Add(ctx, 1)
				msg := err.Error()
				if markErr := e.db.MarkPendingFailed(ctx, op.ID, msg); markErr != nil {
					e.logger.Error("mark failed failed", "operation_id", op.ID, "error", markErr)
				}
				e.auditDrain(ctx, op, model.AuditFailure, err)
				e.logger.Warn("queued operation failed",
					"server_id", serverID, "operation_id", op.ID,
					"type", op.OperationType, "error", err)
				continue
			}

			total++
			e.executed.Add(ctx, 1)
			if err := e.db.MarkPendingDone(ctx, op.ID); err != nil {
				e.logger.Error("mark done failed", "operation_id", op.ID, "error", err)
			}
			e.auditDrain(ctx, op, model.AuditSuccess, nil)
		}
	}
}

// execute dispatches one claimed operation over the wire.
func (e *Engine) execute(ctx context.Context, op model.PendingOperation) error {
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	_, err := e.hub.SendRequest(opCtx, op.ServerID, op.OperationType, wirePayload(op), e.opTimeout)
	return err
}

// wirePayload rebuilds the request body from the stored target and
// parameters. The target key depends on the operation family.
func wirePayload(op model.PendingOperation) map[string]any {
	payload := make(map[string]any, len(op.Parameters)+1)
	for k, v := range op.Parameters {
		payload[k] = v
	}
	switch op.OperationType {
	case protocol.OpCommandExecute:
		payload["command"] = op.Target
	default:
		payload["player"] = op.Target
	}
	return payload
}

func (e *Engine) auditDrain(ctx context.Context, op model.PendingOperation, result model.AuditResult, execErr error) {
	entry := model.AuditEntry{
		ServerID:  &op.ServerID,
		Operation: "pending.execute",
		OperationData: map[string]any{
			"operationId":   op.ID.String(),
			"operationType": op.OperationType,
			"target":        op.Target,
		},
		Result: result,
	}
	if execErr != nil {
		msg := execErr.Error()
		entry.ErrorMessage = &msg
	}
	if err := e.db.InsertAudit(ctx, entry); err != nil {
		e.logger.Warn("drain audit failed", "operation_id", op.ID, "error", err)
	}
}

// Stats returns queue depth per status across all servers.
func (e *Engine) Stats(ctx context.Context) (map[model.PendingStatus]int, error) {
	return e.db.CountPendingByStatus(ctx)
}

func parseOpID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("pending: bad operation id %q: %w", id, err)
	}
	return parsed, nil
}
