package ops

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
)

// Ban state lives on the servers; the hub proxies ban.* operations and keeps
// no ban table of its own. List is therefore online-only.

var durationPattern = regexp.MustCompile(`^(\d+[smhdw])+$`)

// ValidateBanDuration checks the shorthand duration grammar connectors
// accept: concatenated <n><unit> groups, units s/m/h/d/w. Empty = permanent.
func ValidateBanDuration(d string) error {
	if d == "" {
		return nil
	}
	if !durationPattern.MatchString(d) {
		return fmt.Errorf("%w: duration %q (expected forms like 7d, 2h30m)", ErrInvalid, d)
	}
	return nil
}

// BanAdd bans a player, queueing if the server is offline. Re-banning an
// already banned player updates the reason and duration server-side.
func (s *Service) BanAdd(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, serverID string, req model.BanRequest) (queued bool, err error) {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpBanManage); err != nil {
		return false, err
	}
	p, err := cleanPlayer(req.Player)
	if err != nil {
		return false, err
	}
	reason := model.SanitizeText(req.Reason)
	if len(reason) > model.MaxReasonLen {
		return false, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalid, model.MaxReasonLen)
	}
	if err := ValidateBanDuration(req.Duration); err != nil {
		return false, err
	}

	params := map[string]any{}
	if reason != "" {
		params["reason"] = reason
	}
	if req.Duration != "" {
		params["duration"] = req.Duration
	}
	return s.mutate(ctx, meta, serverID, protocol.OpBanAdd, p, params,
		protocol.BanTargetData{Player: p, Reason: reason, Duration: req.Duration})
}

// BanRemove unbans a player, queueing if the server is offline.
func (s *Service) BanRemove(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, serverID, player string) (queued bool, err error) {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpBanManage); err != nil {
		return false, err
	}
	p, err := cleanPlayer(player)
	if err != nil {
		return false, err
	}
	return s.mutate(ctx, meta, serverID, protocol.OpBanRemove, p, nil,
		protocol.PlayerTargetData{Player: p})
}

// BanList returns the server's ban list. Offline servers fail with
// hub.ErrNotConnected: the hub holds no authoritative ban state to fall
// back on.
func (s *Service) BanList(ctx context.Context, claims *auth.Claims, serverID string) ([]model.BanEntry, error) {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpServerView); err != nil {
		return nil, err
	}
	if _, err := s.db.GetServer(ctx, serverID); err != nil {
		return nil, err
	}

	var resp protocol.BanListData
	if err := s.dispatch(ctx, serverID, protocol.OpBanList, nil, &resp, 0); err != nil {
		return nil, err
	}

	out := make([]model.BanEntry, 0, len(resp.Bans))
	for _, b := range resp.Bans {
		entry := model.BanEntry{
			Player:   b.Player,
			Reason:   b.Reason,
			BannedBy: b.BannedBy,
		}
		if b.BannedAt > 0 {
			t := time.UnixMilli(b.BannedAt).UTC()
			entry.BannedAt = &t
		}
		if b.ExpiresAt > 0 {
			t := time.UnixMilli(b.ExpiresAt).UTC()
			entry.ExpiresAt = &t
		}
		out = append(out, entry)
	}
	return out, nil
}
