package ops

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
)

// WhitelistAdd whitelists a player, queueing if the server is offline.
func (s *Service) WhitelistAdd(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, serverID, player string) (queued bool, err error) {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpWhitelistManage); err != nil {
		return false, err
	}
	p, err := cleanPlayer(player)
	if err != nil {
		return false, err
	}

	queued, err = s.mutate(ctx, meta, serverID, protocol.OpWhitelistAdd, p, nil,
		protocol.PlayerTargetData{Player: p})
	if err == nil && !queued {
		s.cacheWhitelistAdd(serverID, p)
	}
	return queued, err
}

// WhitelistRemove removes a player from the whitelist, queueing if offline.
func (s *Service) WhitelistRemove(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, serverID, player string) (queued bool, err error) {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpWhitelistManage); err != nil {
		return false, err
	}
	p, err := cleanPlayer(player)
	if err != nil {
		return false, err
	}

	queued, err = s.mutate(ctx, meta, serverID, protocol.OpWhitelistRemove, p, nil,
		protocol.PlayerTargetData{Player: p})
	if err == nil && !queued {
		s.cacheWhitelistRemove(serverID, p)
	}
	return queued, err
}

// WhitelistList returns the server's whitelist. While the server is offline
// the last list it reported is returned with stale=true; a server never seen
// online returns an empty stale list.
func (s *Service) WhitelistList(ctx context.Context, claims *auth.Claims, serverID string) (players []string, stale bool, err error) {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpServerView); err != nil {
		return nil, false, err
	}
	if _, err := s.db.GetServer(ctx, serverID); err != nil {
		return nil, false, err
	}

	var resp protocol.WhitelistListData
	err = s.dispatch(ctx, serverID, protocol.OpWhitelistList, nil, &resp, 0)
	switch {
	case err == nil:
		s.cacheWhitelistSet(serverID, resp.Players)
		return resp.Players, false, nil
	case errors.Is(err, hub.ErrNotConnected):
		cached, _ := s.cachedWhitelistFor(serverID)
		return cached, true, nil
	default:
		return nil, false, err
	}
}

// WhitelistSync pushes the given list as the complete desired whitelist.
// Online-only: a sync against a stale base would resurrect removed entries.
func (s *Service) WhitelistSync(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, serverID string, players []string) error {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpWhitelistManage); err != nil {
		return err
	}
	cleaned := make([]string, 0, len(players))
	for _, p := range players {
		c, err := cleanPlayer(p)
		if err != nil {
			return err
		}
		cleaned = append(cleaned, c)
	}

	err := s.dispatch(ctx, serverID, protocol.OpWhitelistSync,
		protocol.WhitelistListData{Players: cleaned}, nil, 0)
	data := map[string]any{"count": len(cleaned)}
	if err != nil {
		s.audit(ctx, meta, protocol.OpWhitelistSync, serverID, data, model.AuditFailure, err)
		return err
	}
	s.cacheWhitelistSet(serverID, cleaned)
	s.audit(ctx, meta, protocol.OpWhitelistSync, serverID, data, model.AuditSuccess, nil)
	return nil
}

func (s *Service) cachedWhitelistFor(serverID string) ([]string, time.Time) {
	s.wlMu.RLock()
	defer s.wlMu.RUnlock()
	c := s.wl[serverID]
	return slices.Clone(c.players), c.at
}

func (s *Service) cacheWhitelistSet(serverID string, players []string) {
	s.wlMu.Lock()
	defer s.wlMu.Unlock()
	s.wl[serverID] = cachedWhitelist{players: slices.Clone(players), at: time.Now().UTC()}
}

func (s *Service) cacheWhitelistAdd(serverID, player string) {
	s.wlMu.Lock()
	defer s.wlMu.Unlock()
	c := s.wl[serverID]
	for _, p := range c.players {
		if strings.EqualFold(p, player) {
			return
		}
	}
	c.players = append(slices.Clone(c.players), player)
	c.at = time.Now().UTC()
	s.wl[serverID] = c
}

func (s *Service) cacheWhitelistRemove(serverID, player string) {
	s.wlMu.Lock()
	defer s.wlMu.Unlock()
	c := s.wl[serverID]
	kept := make([]string, 0, len(c.players))
	for _, p := range c.players {
		if !strings.EqualFold(p, player) {
			kept = append(kept, p)
		}
	}
	c.players = kept
	c.at = time.Now().UTC()
	s.wl[serverID] = c
}
