// Package servers provides the shared business logic for the server
// catalogue: registration, lifecycle, tokens, and ACL grants.
//
// The HTTP API, bot surface, and MCP server all delegate to this service so
// permission checks, audit writes, and connection bookkeeping behave the same
// regardless of which surface the operator used.
package servers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

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

// ErrInvalid wraps request validation failures so surfaces can map them to
// 400 without string matching.
var ErrInvalid = errors.New("invalid request")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// Service owns server catalogue operations. It also implements hub.Binder:
// the hub calls BindConnection/UnbindConnection as connector sessions come
// and go, and the service keeps the persistent status column in sync.
type Service struct {
	db     *storage.DB
	hub    *hub.Hub
	authz  *authz.Checker
	broker *events.Broker
	logger *slog.Logger

	tokenExpiry time.Duration // default connector token lifetime; 0 = no expiry

	registrations metric.Int64Counter
	connects      metric.Int64Counter
	disconnects   metric.Int64Counter
}

// New creates the server catalogue service.
func New(db *storage.DB, h *hub.Hub, checker *authz.Checker, broker *events.Broker, logger *slog.Logger, tokenExpiry time.Duration) *Service {
	meter := telemetry.Meter("mochi/servers")
	regs, _ := meter.Int64Counter("mochi.servers.registered",
		metric.WithDescription("Servers registered"),
	)
	conns, _ := meter.Int64Counter("mochi.servers.connects",
		metric.WithDescription("Connector sessions bound"),
	)
	disc, _ := meter.Int64Counter("mochi.servers.disconnects",
		metric.WithDescription("Connector sessions unbound"),
	)
	return &Service{
		db:            db,
		hub:           h,
		authz:         checker,
		broker:        broker,
		logger:        logger.With("component", "servers"),
		tokenExpiry:   tokenExpiry,
		registrations: regs,
		connects:      conns,
		disconnects:   disc,
	}
}

// Register creates a server record, its first connector token, and the owner
// ACL grant in one transaction. Requires a hub-level admin or owner key. The
// raw token is returned exactly once.
func (s *Service) Register(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, req model.RegisterServerRequest) (model.RegisteredServer, error) {
	if !model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return model.RegisteredServer{}, authz.ErrDenied
	}

	if err := model.ValidateServerID(req.ID); err != nil {
		return model.RegisteredServer{}, invalidf("%s", err)
	}
	if err := model.ValidateServerName(req.Name); err != nil {
		return model.RegisteredServer{}, invalidf("%s", err)
	}
	coreType, err := model.ParseCoreType(req.CoreType)
	if err != nil {
		return model.RegisteredServer{}, invalidf("%s", err)
	}
	mode, err := model.ParseConnectionMode(req.ConnectionMode)
	if err != nil {
		return model.RegisteredServer{}, invalidf("%s", err)
	}
	if err := model.ValidateTags(req.Tags); err != nil {
		return model.RegisteredServer{}, invalidf("%s", err)
	}
	if err := model.ValidateIPWhitelist(req.IPWhitelist); err != nil {
		return model.RegisteredServer{}, invalidf("%s", err)
	}

	srv := model.Server{
		ID:               req.ID,
		Name:             model.SanitizeText(req.Name),
		CoreType:         coreType,
		CoreName:         model.SanitizeText(req.CoreName),
		CoreVersion:      model.SanitizeText(req.CoreVersion),
		ConnectionMode:   mode,
		ConnectionConfig: model.SanitizeMap(req.ConnectionConfig),
		Status:           model.StatusOffline,
		OwnerID:          claims.UserID,
		Tags:             req.Tags,
	}

	raw, err := auth.GenerateServerToken()
	if err != nil {
		return model.RegisteredServer{}, fmt.Errorf("servers: generate token: %w", err)
	}
	token := model.APIToken{
		ServerID:    srv.ID,
		Token:       raw,
		TokenHash:   auth.HashServerToken(raw),
		IPWhitelist: req.IPWhitelist,
		CreatedAt:   time.Now().UTC(),
	}
	if exp := s.tokenLifetime(req.TokenExpiresIn); exp > 0 {
		t := token.CreatedAt.Add(exp)
		token.ExpiresAt = &t
	}

	audit := meta.Entry("server.register", srv.ID, map[string]any{
		"name":     srv.Name,
		"coreType": string(srv.CoreType),
		"mode":     string(srv.ConnectionMode),
	}, model.AuditSuccess, nil)

	created, err := s.db.CreateServerWithToken(ctx, srv, token, audit)
	if err != nil {
		return model.RegisteredServer{}, err
	}

	s.registrations.Add(ctx, 1)
	s.logger.Info("server registered", "server_id", created.ID, "owner", claims.UserID)
	return model.RegisteredServer{Server: created, Token: raw}, nil
}

func (s *Service) tokenLifetime(requestedSeconds int) time.Duration {
	if requestedSeconds > 0 {
		return time.Duration(requestedSeconds) * time.Second
	}
	return s.tokenExpiry
}

// Get returns one server the caller may view.
func (s *Service) Get(ctx context.Context, claims *auth.Claims, id string) (model.Server, error) {
	if err := s.authz.Require(ctx, claims, id, authz.OpServerView); err != nil {
		return model.Server{}, err
	}
	return s.db.GetServer(ctx, id)
}

// List returns servers matching the filter, restricted to those the caller
// holds a grant on. Hub owners see everything.
func (s *Service) List(ctx context.Context, claims *auth.Claims, f model.ServerFilter, limit, offset int) ([]model.Server, int, error) {
	all, total, err := s.db.ListServers(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	visible, err := s.authz.FilterServers(ctx, claims, all)
	if err != nil {
		return nil, 0, err
	}
	if len(visible) != len(all) {
		// The page was filtered, so the unfiltered total overstates what the
		// caller can see. Recounting per page is the documented trade-off.
		total = len(visible)
	}
	return visible, total, nil
}

// Update applies a partial update. Status transitions by hand are restricted
// to offline and maintenance; the connection lifecycle owns the rest.
func (s *Service) Update(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, id string, req model.UpdateServerRequest) (model.Server, error) {
	if err := s.authz.Require(ctx, claims, id, authz.OpServerUpdate); err != nil {
		return model.Server{}, err
	}

	srv, err := s.db.GetServer(ctx, id)
	if err != nil {
		return model.Server{}, err
	}

	changed := map[string]any{}
	if req.Name != nil {
		if err := model.ValidateServerName(*req.Name); err != nil {
			return model.Server{}, invalidf("%s", err)
		}
		srv.Name = model.SanitizeText(*req.Name)
		changed["name"] = srv.Name
	}
	if req.CoreVersion != nil {
		srv.CoreVersion = model.SanitizeText(*req.CoreVersion)
		changed["coreVersion"] = srv.CoreVersion
	}
	if req.ConnectionConfig != nil {
		srv.ConnectionConfig = model.SanitizeMap(req.ConnectionConfig)
		changed["connectionConfig"] = true
	}
	if req.Tags != nil {
		if err := model.ValidateTags(req.Tags); err != nil {
			return model.Server{}, invalidf("%s", err)
		}
		srv.Tags = req.Tags
		changed["tags"] = req.Tags
	}
	if req.Status != nil {
		status, err := model.ParseServerStatus(*req.Status)
		if err != nil {
			return model.Server{}, invalidf("%s", err)
		}
		if s.hub.IsOnline(id) {
			return model.Server{}, invalidf("server is online; status follows the connection")
		}
		srv.Status = status
		changed["status"] = string(status)
	}
	if len(changed) == 0 {
		return srv, nil
	}

	audit := meta.Entry("server.update", id, changed, model.AuditSuccess, nil)
	return s.db.UpdateServerWithAudit(ctx, srv, audit)
}

// Delete removes a server and everything cascaded from it. An online
// connector is told to disconnect first.
func (s *Service) Delete(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, id string) error {
	if err := s.authz.Require(ctx, claims, id, authz.OpServerDelete); err != nil {
		return err
	}

	s.hub.Disconnect(id, "server deleted")

	audit := meta.Entry("server.delete", id, nil, model.AuditSuccess, nil)
	if err := s.db.DeleteServerWithAudit(ctx, id, audit); err != nil {
		return err
	}

	s.authz.InvalidateServer(id)
	s.logger.Info("server deleted", "server_id", id, "by", claims.UserID)
	return nil
}

// RotateToken replaces the connector token. The old token stops working
// immediately; a live session keeps its connection until it drops, then must
// reconnect with the new token.
func (s *Service) RotateToken(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, id string, opts model.TokenOptions) (model.APIToken, error) {
	if err := s.authz.Require(ctx, claims, id, authz.OpTokenRotate); err != nil {
		return model.APIToken{}, err
	}
	if err := model.ValidateIPWhitelist(opts.IPWhitelist); err != nil {
		return model.APIToken{}, invalidf("%s", err)
	}
	if err := model.ValidateEncryptionConfig(opts.EncryptionConfig); err != nil {
		return model.APIToken{}, invalidf("%s", err)
	}
	if _, err := s.db.GetServer(ctx, id); err != nil {
		return model.APIToken{}, err
	}

	raw, err := auth.GenerateServerToken()
	if err != nil {
		return model.APIToken{}, fmt.Errorf("servers: generate token: %w", err)
	}
	token := model.APIToken{
		ServerID:         id,
		Token:            raw,
		TokenHash:        auth.HashServerToken(raw),
		IPWhitelist:      opts.IPWhitelist,
		EncryptionConfig: opts.EncryptionConfig,
		CreatedAt:        time.Now().UTC(),
	}
	lifetime := opts.ExpiresIn
	if lifetime <= 0 {
		lifetime = s.tokenExpiry
	}
	if lifetime > 0 {
		t := token.CreatedAt.Add(lifetime)
		token.ExpiresAt = &t
	}

	audit := meta.Entry("server.token.regenerate", id, nil, model.AuditSuccess, nil)
	rotated, err := s.db.RotateTokenWithAudit(ctx, token, audit)
	if err != nil {
		return model.APIToken{}, err
	}
	rotated.Token = raw

	s.logger.Info("connector token rotated", "server_id", id, "by", claims.UserID)
	return rotated, nil
}

// Token returns the server's current connector token. Reading a credential
// is gated the same as rotating one.
func (s *Service) Token(ctx context.Context, claims *auth.Claims, id string) (model.APIToken, error) {
	if err := s.authz.Require(ctx, claims, id, authz.OpTokenRotate); err != nil {
		return model.APIToken{}, err
	}
	return s.db.GetTokenForServer(ctx, id)
}

// Status assembles the live view: persistent row, connection info if online,
// and the most recent monitoring sample.
func (s *Service) Status(ctx context.Context, claims *auth.Claims, id string) (model.ServerRuntimeStatus, error) {
	if err := s.authz.Require(ctx, claims, id, authz.OpServerView); err != nil {
		return model.ServerRuntimeStatus{}, err
	}

	srv, err := s.db.GetServer(ctx, id)
	if err != nil {
		return model.ServerRuntimeStatus{}, err
	}

	st := model.ServerRuntimeStatus{
		Status:   srv.Status,
		LastSeen: srv.LastSeen,
	}
	if info, ok := s.hub.ConnectionInfo(id); ok {
		st.Capabilities = info.Capabilities
	}

	sample, err := s.db.LatestMonitoringSample(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		s.logger.Warn("latest monitoring sample lookup failed", "server_id", id, "error", err)
	default:
		st.PlayerCount = sample.PlayerCount
		st.MaxPlayers = sample.MaxPlayers
		st.TPS = sample.TPS
	}
	return st, nil
}

// GrantACL upserts a per-server role grant.
func (s *Service) GrantACL(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, grant model.ServerACL) error {
	if err := s.authz.Require(ctx, claims, grant.ServerID, authz.OpACLManage); err != nil {
		return err
	}
	if grant.UserID == "" {
		return invalidf("userId is required")
	}
	if _, err := model.ParseRole(string(grant.Role)); err != nil {
		return invalidf("%s", err)
	}
	if _, err := s.db.GetServer(ctx, grant.ServerID); err != nil {
		return err
	}

	grant.GrantedBy = claims.UserID
	grant.GrantedAt = time.Now().UTC()

	audit := meta.Entry("acl.grant", grant.ServerID, map[string]any{
		"userId": grant.UserID,
		"role":   string(grant.Role),
	}, model.AuditSuccess, nil)
	if err := s.db.UpsertACLWithAudit(ctx, grant, audit); err != nil {
		return err
	}

	s.authz.Invalidate(grant.UserID, grant.ServerID)
	return nil
}

// ListACL returns all grants on one server.
func (s *Service) ListACL(ctx context.Context, claims *auth.Claims, serverID string) ([]model.ServerACL, error) {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpACLManage); err != nil {
		return nil, err
	}
	return s.db.ListACLByServer(ctx, serverID)
}

// RevokeACL deletes a grant. Revoking the owner's own grant is refused;
// ownership transfers go through server.update.
func (s *Service) RevokeACL(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, userID, serverID string) error {
	if err := s.authz.Require(ctx, claims, serverID, authz.OpACLManage); err != nil {
		return err
	}

	srv, err := s.db.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if srv.OwnerID == userID {
		return invalidf("cannot revoke the owner grant")
	}

	audit := meta.Entry("acl.revoke", serverID, map[string]any{"userId": userID}, model.AuditSuccess, nil)
	if err := s.db.DeleteACLWithAudit(ctx, userID, serverID, audit); err != nil {
		return err
	}

	s.authz.Invalidate(userID, serverID)
	return nil
}

// BindConnection implements hub.Binder. Runs after a connector completes its
// handshake: mark the row online, stamp last_seen, persist any core facts the
// handshake carried, and announce the transition.
func (s *Service) BindConnection(ctx context.Context, serverID string, hs protocol.HandshakeData) {
	srv, err := s.db.GetServer(ctx, serverID)
	if err != nil {
		s.logger.Error("bind: server row missing", "server_id", serverID, "error", err)
		return
	}

	if hs.CoreVersion != "" && hs.CoreVersion != srv.CoreVersion {
		srv.CoreVersion = model.SanitizeText(hs.CoreVersion)
		audit := model.AuditEntry{
			Operation:     "server.connected",
			ServerID:      &serverID,
			OperationData: map[string]any{"coreVersion": srv.CoreVersion},
			Result:        model.AuditSuccess,
		}
		if _, err := s.db.UpdateServerWithAudit(ctx, srv, audit); err != nil {
			s.logger.Warn("bind: core version update failed", "server_id", serverID, "error", err)
		}
	}

	if err := s.db.SetServerStatus(ctx, serverID, model.StatusOnline); err != nil {
		s.logger.Error("bind: status update failed", "server_id", serverID, "error", err)
	}
	if err := s.db.TouchServerSeen(ctx, serverID); err != nil {
		s.logger.Warn("bind: last_seen update failed", "server_id", serverID, "error", err)
	}

	s.connects.Add(ctx, 1)
	s.broker.Publish(events.Event{
		ServerID: serverID,
		Type:     events.TypeServerConnected,
		Data: map[string]any{
			"coreType":     hs.CoreType,
			"coreName":     hs.CoreName,
			"coreVersion":  hs.CoreVersion,
			"capabilities": hs.Capabilities,
		},
	})
	s.logger.Info("server online", "server_id", serverID, "core", hs.CoreName)
}

// UnbindConnection implements hub.Binder. Runs when the current connection
// for a server closes.
func (s *Service) UnbindConnection(ctx context.Context, serverID, reason string) {
	if err := s.db.SetServerStatus(ctx, serverID, model.StatusOffline); err != nil {
		s.logger.Error("unbind: status update failed", "server_id", serverID, "error", err)
	}
	if err := s.db.TouchServerSeen(ctx, serverID); err != nil {
		s.logger.Warn("unbind: last_seen update failed", "server_id", serverID, "error", err)
	}

	s.disconnects.Add(ctx, 1)
	s.broker.Publish(events.Event{
		ServerID: serverID,
		Type:     events.TypeServerDisconnected,
		Data:     map[string]any{"reason": reason},
	})
	s.logger.Info("server offline", "server_id", serverID, "reason", reason)
}
