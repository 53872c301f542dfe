package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/model"
)

// HandleCreateKey handles POST /api/keys (admin-only). Mints a new operator
// key and returns the raw key exactly once. After this response, only the
// prefix is available.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateOperatorKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	if req.OperatorID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "operatorId is required")
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}
	if err := model.ValidateKeyLabel(req.Label); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid expiresAt format (expected RFC3339)")
			return
		}
		if t.Before(time.Now()) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "expiresAt must be in the future")
			return
		}
		expiresAt = &t
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate operator key", err)
		return
	}
	hash, err := auth.HashOperatorKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash operator key", err)
		return
	}

	key := model.OperatorKey{
		Prefix:     prefix,
		KeyHash:    hash,
		OperatorID: req.OperatorID,
		Role:       role,
		Label:      req.Label,
		CreatedBy:  claims.UserID,
		ExpiresAt:  expiresAt,
	}

	audit := auditMeta(r).Entry("key.create", "", map[string]any{
		"operatorId": req.OperatorID,
		"role":       string(role),
		"label":      req.Label,
	}, model.AuditSuccess, nil)
	created, err := h.db.CreateOperatorKeyWithAudit(r.Context(), key, audit)
	if err != nil {
		h.writeInternalError(w, r, "failed to create operator key", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.OperatorKeyWithRawKey{
		OperatorKey: created,
		RawKey:      rawKey,
	})
}

// HandleListKeys handles GET /api/keys (admin-only). Key hashes are never
// exposed.
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageWindow(r)

	keys, total, err := h.db.ListOperatorKeys(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list operator keys", err)
		return
	}
	if keys == nil {
		keys = []model.OperatorKey{}
	}
	writeList(w, r, keys, total, limit, offset, len(keys))
}

// HandleRevokeKey handles DELETE /api/keys/{id} (admin-only). The key stops
// working immediately.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyIDStr := r.PathValue("id")
	keyID, err := uuid.Parse(keyIDStr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid key id")
		return
	}

	audit := auditMeta(r).Entry("key.revoke", "", map[string]any{"keyId": keyIDStr}, model.AuditSuccess, nil)
	if err := h.db.RevokeOperatorKeyWithAudit(r.Context(), keyID, audit); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "key revoked")
}

// HandleRotateKey handles POST /api/keys/{id}/rotate (admin-only).
// Atomically revokes the old key and creates a new one with the same
// operator, role, and label. Returns the new raw key exactly once.
func (h *Handlers) HandleRotateKey(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	oldKeyIDStr := r.PathValue("id")
	oldKeyID, err := uuid.Parse(oldKeyIDStr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid key id")
		return
	}

	oldKey, err := h.db.GetOperatorKeyByID(r.Context(), oldKeyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if oldKey.RevokedAt != nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "key is already revoked")
		return
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate operator key", err)
		return
	}
	hash, err := auth.HashOperatorKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash operator key", err)
		return
	}

	newKey := model.OperatorKey{
		Prefix:     prefix,
		KeyHash:    hash,
		OperatorID: oldKey.OperatorID,
		Role:       oldKey.Role,
		Label:      oldKey.Label,
		CreatedBy:  claims.UserID,
		ExpiresAt:  oldKey.ExpiresAt, // Inherit expiration.
	}

	audit := auditMeta(r).Entry("key.rotate", "", map[string]any{"keyId": oldKeyIDStr}, model.AuditSuccess, nil)
	created, err := h.db.RotateOperatorKeyWithAudit(r.Context(), oldKeyID, newKey, audit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.RotateOperatorKeyResponse{
		NewKey: model.OperatorKeyWithRawKey{
			OperatorKey: created,
			RawKey:      rawKey,
		},
		RevokedKeyID: oldKeyID,
	})
}
