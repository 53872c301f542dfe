package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/model"
)

// ErrInvalid wraps binding validation failures so surfaces can map them to
// 400 without string matching.
var ErrInvalid = errors.New("invalid request")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

const maxGroupIDLen = 128

// CreateBinding binds a group to a server for one traffic type. Requires
// binding.manage on the server.
func (r *Router) CreateBinding(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, req model.CreateBindingRequest) (model.GroupBinding, error) {
	if err := r.authz.Require(ctx, claims, req.ServerID, authz.OpBindingManage); err != nil {
		return model.GroupBinding{}, err
	}

	groupID := strings.TrimSpace(model.SanitizeText(req.GroupID))
	if groupID == "" {
		return model.GroupBinding{}, invalidf("groupId is required")
	}
	if len(groupID) > maxGroupIDLen {
		return model.GroupBinding{}, invalidf("groupId exceeds %d characters", maxGroupIDLen)
	}
	bindingType, err := model.ParseBindingType(req.BindingType)
	if err != nil {
		return model.GroupBinding{}, invalidf("%s", err)
	}
	if _, err := r.db.GetServer(ctx, req.ServerID); err != nil {
		return model.GroupBinding{}, err
	}

	cfg := model.BindingConfig{Enabled: true}
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := validateConfig(cfg); err != nil {
		return model.GroupBinding{}, err
	}

	b := model.GroupBinding{
		GroupID:     groupID,
		ServerID:    req.ServerID,
		BindingType: bindingType,
		Config:      cfg,
		CreatedBy:   claims.UserID,
		Status:      model.BindingActive,
	}
	audit := meta.Entry("binding.create", req.ServerID, map[string]any{
		"groupId":     groupID,
		"bindingType": string(bindingType),
	}, model.AuditSuccess, nil)

	created, err := r.db.CreateBindingWithAudit(ctx, b, audit)
	if err != nil {
		return model.GroupBinding{}, err
	}
	r.logger.Info("binding created",
		"binding_id", created.ID, "group_id", groupID,
		"server_id", req.ServerID, "type", bindingType)
	return created, nil
}

// GetBinding returns one binding. Requires server.view on its server.
func (r *Router) GetBinding(ctx context.Context, claims *auth.Claims, id uuid.UUID) (model.GroupBinding, error) {
	b, err := r.db.GetBinding(ctx, id)
	if err != nil {
		return model.GroupBinding{}, err
	}
	if err := r.authz.Require(ctx, claims, b.ServerID, authz.OpServerView); err != nil {
		return model.GroupBinding{}, err
	}
	return b, nil
}

// ListBindings returns bindings the caller may see, optionally narrowed to a
// group and/or server.
func (r *Router) ListBindings(ctx context.Context, claims *auth.Claims, groupID, serverID string) ([]model.GroupBinding, error) {
	if serverID != "" {
		if err := r.authz.Require(ctx, claims, serverID, authz.OpServerView); err != nil {
			return nil, err
		}
	}

	bindings, err := r.db.ListBindings(ctx, groupID, serverID)
	if err != nil {
		return nil, err
	}
	if serverID != "" {
		return bindings, nil
	}

	accessible, err := r.authz.AccessibleServers(ctx, claims)
	if err != nil {
		return nil, err
	}
	if accessible == nil {
		return bindings, nil
	}
	visible := make([]model.GroupBinding, 0, len(bindings))
	for _, b := range bindings {
		if accessible[b.ServerID] {
			visible = append(visible, b)
		}
	}
	return visible, nil
}

// UpdateBinding replaces a binding's config and/or status.
func (r *Router) UpdateBinding(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, id uuid.UUID, req model.UpdateBindingRequest) (model.GroupBinding, error) {
	b, err := r.db.GetBinding(ctx, id)
	if err != nil {
		return model.GroupBinding{}, err
	}
	if err := r.authz.Require(ctx, claims, b.ServerID, authz.OpBindingManage); err != nil {
		return model.GroupBinding{}, err
	}

	data := map[string]any{"groupId": b.GroupID, "bindingType": string(b.BindingType)}
	if req.Config != nil {
		if err := validateConfig(*req.Config); err != nil {
			return model.GroupBinding{}, err
		}
		b.Config = *req.Config
		data["configChanged"] = true
	}
	if req.Status != nil {
		switch model.BindingStatus(*req.Status) {
		case model.BindingActive, model.BindingInactive:
			b.Status = model.BindingStatus(*req.Status)
			data["status"] = *req.Status
		default:
			return model.GroupBinding{}, invalidf("status must be active or inactive")
		}
	}

	audit := meta.Entry("binding.update", b.ServerID, data, model.AuditSuccess, nil)
	return r.db.UpdateBindingWithAudit(ctx, b, audit)
}

// DeleteBinding removes a binding by id.
func (r *Router) DeleteBinding(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, id uuid.UUID) error {
	b, err := r.db.GetBinding(ctx, id)
	if err != nil {
		return err
	}
	if err := r.authz.Require(ctx, claims, b.ServerID, authz.OpBindingManage); err != nil {
		return err
	}

	audit := meta.Entry("binding.delete", b.ServerID, map[string]any{
		"groupId":     b.GroupID,
		"bindingType": string(b.BindingType),
	}, model.AuditSuccess, nil)
	return r.db.DeleteBindingWithAudit(ctx, id, audit)
}

// Unbind removes a binding addressed by its natural key. The bot surface
// resolves unbind commands this way.
func (r *Router) Unbind(ctx context.Context, claims *auth.Claims, meta ctxutil.AuditMeta, groupID, serverID string, bindingType model.BindingType) error {
	if err := r.authz.Require(ctx, claims, serverID, authz.OpBindingManage); err != nil {
		return err
	}

	audit := meta.Entry("binding.delete", serverID, map[string]any{
		"groupId":     groupID,
		"bindingType": string(bindingType),
	}, model.AuditSuccess, nil)
	return r.db.DeleteBindingByTriple(ctx, groupID, serverID, bindingType, audit)
}

// validateConfig rejects binding configs the router could not execute.
func validateConfig(cfg model.BindingConfig) error {
	for _, rule := range cfg.FilterRules {
		if err := model.ValidateFilterRule(rule); err != nil {
			return invalidf("%s", err)
		}
	}
	if rl := cfg.RateLimit; rl != nil {
		if rl.WindowMs <= 0 || rl.MaxMessages <= 0 {
			return invalidf("rateLimit requires positive windowMs and maxMessages")
		}
	}
	for _, t := range cfg.EventTypes {
		if strings.TrimSpace(t) == "" {
			return invalidf("eventTypes entries must be non-empty")
		}
	}
	for _, f := range cfg.EventFilters {
		if strings.TrimSpace(f.Field) == "" {
			return invalidf("eventFilters entries require a field")
		}
	}
	return nil
}
