// Package ops provides the typed facades for operations proxied to managed
// servers: whitelist edits, player queries and kicks, bans, console commands,
// and broadcasts.
//
// Every method follows the same shape: permission check, dispatch over the
// live connection, and, for mutations against an offline server, fallback to
// the pending queue. Exactly one audit row is written per mutation either way.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/service/pending"
	"github.com/mochi-link/mochi/internal/storage"
	"github.com/mochi-link/mochi/internal/telemetry"
)

// ErrInvalid wraps request validation failures so surfaces can map them to
// 400 without string matching.
var ErrInvalid = errors.New("invalid request")

// ErrCommandRejected marks a command refused by the per-server policy.
var ErrCommandRejected = errors.New("command rejected by server policy")

// Requester is the slice of the connection hub this package needs.
type Requester interface {
	IsOnline(serverID string) bool
	SendRequest(ctx context.Context, serverID, op string, data any, timeout time.Duration) (json.RawMessage, error)
}

// Service proxies operator actions to connected servers.
type Service struct {
	db      *storage.DB
	hub     Requester
	pending *pending.Engine
	authz   *authz.Checker
	logger  *slog.Logger

	// Last successful whitelist.list per server, served with a stale flag
	// while the server is offline.
	wlMu sync.RWMutex
	wl   map[string]cachedWhitelist

	cmdCount atomic.Int64

	dispatched  metric.Int64Counter
	queuedOps   metric.Int64Counter
	commandsRun metric.Int64Counter
}

type cachedWhitelist struct {
	players []string
	at      time.Time
}

// New creates the ops service.
func New(db *storage.DB, h Requester, eng *pending.Engine, checker *authz.Checker, logger *slog.Logger) *Service {
	meter := telemetry.Meter("mochi/ops")
	disp, _ := meter.Int64Counter("mochi.ops.dispatched",
		metric.WithDescription("Operations dispatched to live connections"),
	)
	qd, _ := meter.Int64Counter("mochi.ops.queued",
		metric.WithDescription("Operations diverted to the pending queue"),
	)
	cmds, _ := meter.Int64Counter("mochi.ops.commands",
		metric.WithDescription("Console commands executed"),
	)
	return &Service{
		db:          db,
		hub:         h,
		pending:     eng,
		authz:       checker,
		logger:      logger.With("component", "ops"),
		wl:          make(map[string]cachedWhitelist),
		dispatched:  disp,
		queuedOps:   qd,
		commandsRun: cmds,
	}
}

// CommandsRun reports total commands executed, for the statistics endpoint.
func (s *Service) CommandsRun() int64 {
	return s.cmdCount.Load()
}

// dispatch sends one request and decodes the response into out (out may be
// nil). Response decode failures are treated as empty responses: connectors
// predating a payload field reply with whatever they have.
func (s *Service) dispatch(ctx context.Context, serverID, op string, payload, out any, timeout time.Duration) error {
	raw, err := s.hub.SendRequest(ctx, serverID, op, payload, timeout)
	if err != nil {
		return err
	}
	s.dispatched.Add(ctx, 1)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			s.logger.Debug("response decode failed, treating as empty",
				"server_id", serverID, "op", op, "error", err)
		}
	}
	return nil
}

// mutate runs the dispatch-or-enqueue flow for one player-targeted mutation
// and writes its single audit row. Returns queued=true when the server was
// offline and the operation entered the pending queue.
func (s *Service) mutate(ctx context.Context, meta ctxutil.AuditMeta, serverID, op, target string, params map[string]any, payload any) (queued bool, err error) {
	data := map[string]any{"target": target}
	for k, v := range params {
		data[k] = v
	}

	err = s.dispatch(ctx, serverID, op, payload, nil, 0)
	switch {
	case err == nil:
		s.audit(ctx, meta, op, serverID, data, model.AuditSuccess, nil)
		return false, nil

	case errors.Is(err, hub.ErrNotConnected):
		data["queued"] = true
		audit := meta.Entry(op, serverID, data, model.AuditSuccess, nil)
		if _, qerr := s.pending.EnqueueWithAudit(ctx, model.PendingOperation{
			ServerID:      serverID,
			OperationType: op,
			Target:        target,
			Parameters:    params,
		}, audit); qerr != nil {
			return false, qerr
		}
		s.queuedOps.Add(ctx, 1)
		return true, nil

	default:
		s.audit(ctx, meta, op, serverID, data, model.AuditFailure, err)
		return false, err
	}
}

func (s *Service) audit(ctx context.Context, meta ctxutil.AuditMeta, op, serverID string, data map[string]any, result model.AuditResult, opErr error) {
	if err := s.db.InsertAudit(ctx, meta.Entry(op, serverID, data, result, opErr)); err != nil {
		s.logger.Warn("audit write failed", "op", op, "server_id", serverID, "error", err)
	}
}

// cleanPlayer normalizes a player identifier argument.
func cleanPlayer(player string) (string, error) {
	p := strings.TrimSpace(model.SanitizeText(player))
	if p == "" {
		return "", fmt.Errorf("%w: player is required", ErrInvalid)
	}
	if len(p) > 64 {
		return "", fmt.Errorf("%w: player identifier too long", ErrInvalid)
	}
	return p, nil
}
