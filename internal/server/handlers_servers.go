package server

import (
	"net/http"
	"time"

	"github.com/mochi-link/mochi/internal/model"
)

// HandleListServers handles GET /api/servers. The service filters the result
// down to servers the caller can view.
func (h *Handlers) HandleListServers(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, offset := pageWindow(r)

	f := model.ServerFilter{
		OwnerID: r.URL.Query().Get("ownerId"),
		Tag:     r.URL.Query().Get("tag"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := model.ParseServerStatusFilter(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
			return
		}
		f.Status = status
	}

	list, total, err := h.servers.List(r.Context(), claims, f, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Server{}
	}
	writeList(w, r, list, total, limit, offset, len(list))
}

// HandleRegisterServer handles POST /api/servers. The raw connector token is
// returned exactly once.
func (h *Handlers) HandleRegisterServer(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.RegisterServerRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	reg, err := h.servers.Register(r.Context(), claims, auditMeta(r), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, reg)
}

// HandleGetServer handles GET /api/servers/{id}.
func (h *Handlers) HandleGetServer(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	srv, err := h.servers.Get(r.Context(), claims, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, srv)
}

// HandleUpdateServer handles PUT /api/servers/{id}.
func (h *Handlers) HandleUpdateServer(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.UpdateServerRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	srv, err := h.servers.Update(r.Context(), claims, auditMeta(r), r.PathValue("id"), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, srv)
}

// HandleDeleteServer handles DELETE /api/servers/{id}. Deletion cascades to
// tokens, ACLs, bindings, and pending operations.
func (h *Handlers) HandleDeleteServer(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	if err := h.servers.Delete(r.Context(), claims, auditMeta(r), r.PathValue("id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "server deleted")
}

// HandleServerStatus handles GET /api/servers/{id}/status.
func (h *Handlers) HandleServerStatus(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	st, err := h.servers.Status(r.Context(), claims, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// rotateTokenRequest is the optional body for POST /api/servers/{id}/token/rotate.
type rotateTokenRequest struct {
	ExpiresIn   int      `json:"expiresIn,omitempty"` // seconds; 0 = hub default
	IPWhitelist []string `json:"ipWhitelist,omitempty"`
}

// HandleRotateServerToken handles POST /api/servers/{id}/token/rotate. The
// old token stops working immediately; the new raw token is shown once.
func (h *Handlers) HandleRotateServerToken(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req rotateTokenRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
			return
		}
	}

	opts := model.TokenOptions{IPWhitelist: req.IPWhitelist}
	if req.ExpiresIn > 0 {
		opts.ExpiresIn = time.Duration(req.ExpiresIn) * time.Second
	}

	tok, err := h.servers.RotateToken(r.Context(), claims, auditMeta(r), r.PathValue("id"), opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.RotatedToken{APIToken: tok, Token: tok.Token})
}

// HandleListACL handles GET /api/servers/{id}/acl.
func (h *Handlers) HandleListACL(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	grants, err := h.servers.ListACL(r.Context(), claims, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if grants == nil {
		grants = []model.ServerACL{}
	}
	writeJSON(w, r, http.StatusOK, grants)
}

// grantACLRequest is the request body for POST /api/servers/{id}/acl.
type grantACLRequest struct {
	UserID      string   `json:"userId"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	ExpiresAt   *string  `json:"expiresAt,omitempty"` // RFC3339
}

// HandleGrantACL handles POST /api/servers/{id}/acl.
func (h *Handlers) HandleGrantACL(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req grantACLRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "userId is required")
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	grant := model.ServerACL{
		UserID:      req.UserID,
		ServerID:    r.PathValue("id"),
		Role:        role,
		Permissions: req.Permissions,
	}
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid expiresAt format (expected RFC3339)")
			return
		}
		grant.ExpiresAt = &t
	}

	if err := h.servers.GrantACL(r.Context(), claims, auditMeta(r), grant); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, grant)
}

// HandleRevokeACL handles DELETE /api/servers/{id}/acl/{userId}.
func (h *Handlers) HandleRevokeACL(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	err := h.servers.RevokeACL(r.Context(), claims, auditMeta(r), r.PathValue("userId"), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "grant revoked")
}
