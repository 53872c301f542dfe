package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
)

// batchConcurrency bounds parallel dispatches in a batch command.
const batchConcurrency = 8

// maxCommandTimeout caps the caller-supplied per-command budget.
const maxCommandTimeout = 60 * time.Second

// CommandExecute runs a console command on one server. Callers holding
// command.execute are additionally subject to the server's command policy
// (allowlist/blocklist in the server's connection config); holders of
// command.execute.any bypass the policy. Offline servers queue the command.
func (s *Service) CommandExecute(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, serverID string, req model.CommandRequest) (model.CommandResult, error) {
	res := model.CommandResult{ServerID: serverID}

	if err := model.ValidateCommand(req.Command); err != nil {
		return res, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	command := strings.TrimSpace(req.Command)

	unrestricted, err := s.authz.Check(ctx, claims, serverID, authz.OpCommandAny)
	if err != nil {
		return res, err
	}
	if !unrestricted {
		if err := s.authz.Require(ctx, claims, serverID, authz.OpCommandExecute); err != nil {
			return res, err
		}
		srv, err := s.db.GetServer(ctx, serverID)
		if err != nil {
			return res, err
		}
		if err := checkCommandPolicy(srv, command); err != nil {
			s.audit(ctx, meta, protocol.OpCommandExecute, serverID,
				map[string]any{"command": command}, model.AuditFailure, err)
			return res, err
		}
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 0 // hub default
	}
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}

	auditData := map[string]any{"command": command}
	var out protocol.CommandResultData
	err = s.dispatch(ctx, serverID, protocol.OpCommandExecute,
		protocol.CommandData{Command: command}, &out, timeout)
	switch {
	case err == nil:
		s.cmdCount.Add(1)
		s.commandsRun.Add(ctx, 1)
		s.audit(ctx, meta, protocol.OpCommandExecute, serverID, auditData, model.AuditSuccess, nil)
		res.Success = true
		res.Output = out.Output
		return res, nil

	case errors.Is(err, hub.ErrNotConnected):
		auditData["queued"] = true
		audit := meta.Entry(protocol.OpCommandExecute, serverID, auditData, model.AuditSuccess, nil)
		if _, qerr := s.pending.EnqueueWithAudit(ctx, model.PendingOperation{
			ServerID:      serverID,
			OperationType: protocol.OpCommandExecute,
			Target:        command,
		}, audit); qerr != nil {
			return res, qerr
		}
		s.queuedOps.Add(ctx, 1)
		res.Success = true
		res.Queued = true
		return res, nil

	default:
		s.audit(ctx, meta, protocol.OpCommandExecute, serverID, auditData, model.AuditFailure, err)
		res.Error = err.Error()
		return res, err
	}
}

// CommandBatch dispatches one command to many servers in parallel. Servers
// are named explicitly or selected by tag; per-server failures (including
// permission denials) land in that server's result without aborting the rest.
func (s *Service) CommandBatch(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, req model.BatchCommandRequest) (model.BatchCommandResponse, error) {
	if err := model.ValidateCommand(req.Command); err != nil {
		return model.BatchCommandResponse{}, fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	ids, err := s.resolveBatchTargets(ctx, claims, req)
	if err != nil {
		return model.BatchCommandResponse{}, err
	}
	if len(ids) == 0 {
		return model.BatchCommandResponse{}, fmt.Errorf("%w: no target servers", ErrInvalid)
	}

	results := make([]model.CommandResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			r, err := s.CommandExecute(gctx, claims, meta, id, model.CommandRequest{
				Command:   req.Command,
				TimeoutMs: req.TimeoutMs,
			})
			if err != nil && r.Error == "" {
				r.Error = err.Error()
			}
			r.ServerID = id
			results[i] = r
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures are per-result

	resp := model.BatchCommandResponse{Results: results}
	for _, r := range results {
		if r.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	return resp, nil
}

func (s *Service) resolveBatchTargets(ctx context.Context, claims *auth.Claims, req model.BatchCommandRequest) ([]string, error) {
	if len(req.ServerIDs) > 0 {
		return req.ServerIDs, nil
	}
	if req.Tag == "" {
		return nil, fmt.Errorf("%w: serverIds or tag is required", ErrInvalid)
	}

	servers, _, err := s.db.ListServers(ctx, model.ServerFilter{Tag: req.Tag}, 1000, 0)
	if err != nil {
		return nil, err
	}
	visible, err := s.authz.FilterServers(ctx, claims, servers)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(visible))
	for i, srv := range visible {
		ids[i] = srv.ID
	}
	return ids, nil
}

// checkCommandPolicy enforces the per-server command policy stored in the
// server's connection config: "commandBlocklist" always wins, then a
// non-empty "commandAllowlist" restricts to listed command words.
func checkCommandPolicy(srv model.Server, command string) error {
	word := commandWord(command)

	for _, blocked := range configList(srv.ConnectionConfig, "commandBlocklist") {
		if strings.EqualFold(commandWord(blocked), word) {
			return fmt.Errorf("%w: %q is blocklisted", ErrCommandRejected, word)
		}
	}

	allow := configList(srv.ConnectionConfig, "commandAllowlist")
	if len(allow) == 0 {
		return nil
	}
	for _, allowed := range allow {
		if strings.EqualFold(commandWord(allowed), word) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not on the allowlist", ErrCommandRejected, word)
}

// commandWord extracts the normalized first token of a command line.
func commandWord(command string) string {
	c := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(command), "/"))
	if i := strings.IndexAny(c, " \t"); i >= 0 {
		c = c[:i]
	}
	return strings.ToLower(c)
}

// configList reads a string array out of the free-form connection config.
func configList(cfg map[string]any, key string) []string {
	raw, ok := cfg[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast sends a hub-originated message to every player on a server.
// Online-only; a broadcast to an empty reconnecting server is pointless.
func (s *Service) Broadcast(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, serverID, message string) error {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpCommandExecute); err != nil {
		return err
	}
	msg := strings.TrimSpace(model.SanitizeText(message))
	if msg == "" {
		return fmt.Errorf("%w: message is required", ErrInvalid)
	}
	if len(msg) > model.MaxChatMessageLen {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrInvalid, model.MaxChatMessageLen)
	}

	err := s.dispatch(ctx, serverID, protocol.OpChatBroadcast, protocol.BroadcastData{Message: msg}, nil, 0)
	data := map[string]any{"length": len(msg)}
	if err != nil {
		s.audit(ctx, meta, protocol.OpChatBroadcast, serverID, data, model.AuditFailure, err)
		return err
	}
	s.audit(ctx, meta, protocol.OpChatBroadcast, serverID, data, model.AuditSuccess, nil)
	return nil
}
