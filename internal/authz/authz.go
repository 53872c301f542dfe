// Package authz decides whether an operator may perform an operation on a
// managed server, combining per-server ACL grants with a role→permission map.
//
// This package exists to share access-control logic between the HTTP server,
// the bot surface, and the MCP server without creating a circular dependency
// (all three import this package; none imports the others).
package authz

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/storage"
)

// ErrDenied is returned by Require when the caller holds no grant covering
// the requested operation. Surfaces map it to 403.
var ErrDenied = errors.New("authz: permission denied")

// Permission names gate operations on a single server. The service layer
// passes these to Check; explicit ACL permission lists use the same names.
const (
	OpServerView      = "server.view"
	OpServerUpdate    = "server.update"
	OpServerDelete    = "server.delete"
	OpTokenRotate     = "server.token.regenerate"
	OpACLManage       = "acl.manage"
	OpWhitelistManage = "whitelist.manage"
	OpPlayerKick      = "player.kick"
	OpBanManage       = "ban.manage"
	OpCommandExecute  = "command.execute"
	OpCommandAny      = "command.execute.any"
	OpPendingView     = "pending.view"
	OpPendingManage   = "pending.manage"
	OpBindingManage   = "binding.manage"
	OpAuditView       = "audit.view"
	OpMonitoringView  = "monitoring.view"
)

// opMinRole maps each permission to the lowest ACL role that holds it.
// OpCommandExecute only admits commands that pass the per-server allowlist;
// bypassing the allowlist requires OpCommandAny, which stays owner-only.
var opMinRole = map[string]model.Role{
	OpServerView:      model.RoleViewer,
	OpPendingView:     model.RoleViewer,
	OpAuditView:       model.RoleViewer,
	OpMonitoringView:  model.RoleViewer,
	OpWhitelistManage: model.RoleOperator,
	OpPlayerKick:      model.RoleOperator,
	OpBanManage:       model.RoleOperator,
	OpCommandExecute:  model.RoleOperator,
	OpPendingManage:   model.RoleOperator,
	OpServerUpdate:    model.RoleAdmin,
	OpTokenRotate:     model.RoleAdmin,
	OpACLManage:       model.RoleAdmin,
	OpBindingManage:   model.RoleAdmin,
	OpServerDelete:    model.RoleOwner,
	OpCommandAny:      model.RoleOwner,
}

// RoleAllows reports whether role grants op by the role map alone.
// Unknown operations are never role-granted; they can still be allowed
// through an explicit permission entry on the ACL row.
func RoleAllows(role model.Role, op string) bool {
	min, ok := opMinRole[op]
	if !ok {
		return false
	}
	return model.RoleAtLeast(role, min)
}

// Checker answers permission questions against the ACL table with a
// short-TTL cache in front. Grant mutations must call Invalidate so a
// revocation takes effect immediately rather than at TTL expiry.
type Checker struct {
	db     *storage.DB
	cache  *GrantCache
	logger *slog.Logger
}

// NewChecker creates a Checker. cacheTTL <= 0 selects the 30s default.
// Call Close to stop the cache eviction goroutine.
func NewChecker(db *storage.DB, cacheTTL time.Duration, logger *slog.Logger) *Checker {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Checker{
		db:     db,
		cache:  NewGrantCache(cacheTTL),
		logger: logger.With("component", "authz"),
	}
}

// Close stops the background cache eviction goroutine.
func (c *Checker) Close() {
	c.cache.Close()
}

// Check reports whether the authenticated caller may perform op on serverID.
// Rules:
//   - hub owner (key-level role): always allowed
//   - otherwise a per-server ACL grant is required; the grant allows op when
//     its role covers op or its explicit permission list names op
func (c *Checker) Check(ctx context.Context, claims *auth.Claims, serverID, op string) (bool, error) {
	if claims.Role == model.RoleOwner {
		return true, nil
	}

	grant, found, err := c.lookupGrant(ctx, claims.UserID, serverID)
	if err != nil {
		return false, err
	}
	if !found || grant.Expired(time.Now()) {
		return false, nil
	}
	if RoleAllows(grant.Role, op) {
		return true, nil
	}
	return slices.Contains(grant.Permissions, op), nil
}

// Require is the service-layer convenience around Check: it turns a false
// verdict into ErrDenied so callers can propagate one typed error.
func (c *Checker) Require(ctx context.Context, claims *auth.Claims, serverID, op string) error {
	ok, err := c.Check(ctx, claims, serverID, op)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDenied
	}
	return nil
}

// Invalidate drops the cached grant for (userID, serverID). Call after any
// ACL upsert or delete.
func (c *Checker) Invalidate(userID, serverID string) {
	c.cache.Invalidate(grantKey(userID, serverID))
}

// InvalidateServer drops every cached grant for serverID. Call after server
// deletion, which cascades the ACL rows.
func (c *Checker) InvalidateServer(serverID string) {
	c.cache.InvalidateServer(serverID)
}

// AccessibleServers returns the set of server ids the caller holds any grant
// on. Hub owners get nil, meaning unrestricted.
func (c *Checker) AccessibleServers(ctx context.Context, claims *auth.Claims) (map[string]bool, error) {
	if claims.Role == model.RoleOwner {
		return nil, nil // nil means unrestricted
	}

	grants, err := c.db.ListACLByUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	accessible := make(map[string]bool, len(grants))
	for _, g := range grants {
		accessible[g.ServerID] = true
	}
	return accessible, nil
}

// FilterServers removes servers the caller holds no grant on.
func (c *Checker) FilterServers(ctx context.Context, claims *auth.Claims, servers []model.Server) ([]model.Server, error) {
	accessible, err := c.AccessibleServers(ctx, claims)
	if err != nil {
		return nil, err
	}
	if accessible == nil {
		return servers, nil
	}

	allowed := make([]model.Server, 0, len(servers))
	for _, s := range servers {
		if accessible[s.ID] {
			allowed = append(allowed, s)
		}
	}
	return allowed, nil
}

func (c *Checker) lookupGrant(ctx context.Context, userID, serverID string) (model.ServerACL, bool, error) {
	key := grantKey(userID, serverID)
	if grant, found, ok := c.cache.Get(key); ok {
		return grant, found, nil
	}

	grant, err := c.db.GetACL(ctx, userID, serverID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Negative entries are cached too: repeated denied calls should
		// not hammer the ACL table.
		c.cache.Set(key, model.ServerACL{}, false)
		return model.ServerACL{}, false, nil
	case err != nil:
		return model.ServerACL{}, false, err
	}

	c.cache.Set(key, grant, true)
	return grant, true, nil
}
