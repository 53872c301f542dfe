package ops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
)

// PlayerListOnline returns the players currently on a server. An offline
// server yields an empty list with stale=true rather than an error: "nobody
// is online on an offline server" is the truthful answer.
func (s *Service) PlayerListOnline(ctx context.Context, claims *auth.Claims, serverID string) (players []protocol.PlayerInfo, stale bool, err error) {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpServerView); err != nil {
		return nil, false, err
	}
	if _, err := s.db.GetServer(ctx, serverID); err != nil {
		return nil, false, err
	}

	var resp protocol.PlayerListData
	err = s.dispatch(ctx, serverID, protocol.OpPlayerList, nil, &resp, 0)
	switch {
	case err == nil:
		s.recordSightings(ctx, serverID, resp.Players)
		return resp.Players, false, nil
	case errors.Is(err, hub.ErrNotConnected):
		return []protocol.PlayerInfo{}, true, nil
	default:
		return nil, false, err
	}
}

// PlayerKick disconnects a player, queueing the kick if the server is
// offline. A queued kick lands at reconnect; whether the player is still on
// is the server's problem, kicks are idempotent there.
func (s *Service) PlayerKick(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, serverID, player, reason string) (queued bool, err error) {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpPlayerKick); err != nil {
		return false, err
	}
	p, err := cleanPlayer(player)
	if err != nil {
		return false, err
	}
	reason = model.SanitizeText(reason)
	if len(reason) > model.MaxReasonLen {
		return false, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalid, model.MaxReasonLen)
	}

	var params map[string]any
	if reason != "" {
		params = map[string]any{"reason": reason}
	}
	return s.mutate(ctx, meta, serverID, protocol.OpPlayerKick, p, params,
		protocol.PlayerTargetData{Player: p, Reason: reason})
}

// PlayerLookup resolves a cached player by uuid, xuid, or name.
func (s *Service) PlayerLookup(ctx context.Context, claims *auth.Claims, identifier string) (model.PlayerCacheEntry, error) {
	id, err := cleanPlayer(identifier)
	if err != nil {
		return model.PlayerCacheEntry{}, err
	}
	entry, err := s.db.LookupPlayer(ctx, id)
	if err != nil {
		return model.PlayerCacheEntry{}, err
	}
	if err := s.requireServerView(ctx, claims, entry.LastServerID); err != nil {
		return model.PlayerCacheEntry{}, err
	}
	return entry, nil
}

// PlayerSearch lists cached players matching the filter, restricted to
// servers the caller can view.
func (s *Service) PlayerSearch(ctx context.Context, claims *auth.Claims, f model.PlayerFilter, limit, offset int) ([]model.PlayerCacheEntry, int, error) {
	if f.ServerID != "" {
		if err := s.authz.Require(ctx, claims, f.ServerID, authz.OpServerView); err != nil {
			return nil, 0, err
		}
		return s.db.ListPlayers(ctx, f, limit, offset)
	}

	entries, total, err := s.db.ListPlayers(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	accessible, err := s.authz.AccessibleServers(ctx, claims)
	if err != nil {
		return nil, 0, err
	}
	if accessible == nil {
		return entries, total, nil
	}
	visible := make([]model.PlayerCacheEntry, 0, len(entries))
	for _, e := range entries {
		if accessible[e.LastServerID] {
			visible = append(visible, e)
		}
	}
	if len(visible) != len(entries) {
		total = len(visible)
	}
	return visible, total, nil
}

func (s *Service) requireServerView(ctx context.Context, claims *auth.Claims, serverID string) error {
	if serverID == "" {
		if claims.Role == model.RoleOwner {
			return nil
		}
		return authz.ErrDenied
	}
	return s.authz.Require(ctx, claims, serverID, authz.OpServerView)
}

// recordSightings folds a player.list response into the identity cache.
// Failures are logged and skipped; the cache is advisory.
func (s *Service) recordSightings(ctx context.Context, serverID string, players []protocol.PlayerInfo) {
	now := time.Now().UTC()
	for _, p := range players {
		if p.Name == "" && p.UUID == "" && p.XUID == "" {
			continue
		}
		_, err := s.db.RecordSighting(ctx, model.PlayerSighting{
			UUID:        p.UUID,
			XUID:        p.XUID,
			Name:        model.SanitizeText(p.Name),
			DisplayName: model.SanitizeText(p.DisplayName),
			ServerID:    serverID,
			IP:          p.IP,
			Device:      p.Device,
			SeenAt:      now,
		})
		if err != nil {
			s.logger.Warn("player sighting failed", "server_id", serverID, "player", p.Name, "error", err)
		}
	}
}
