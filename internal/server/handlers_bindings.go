package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/mochi-link/mochi/internal/model"
)

// HandleListBindings handles GET /api/bindings. Accepts ?groupId and
// ?serverId filters.
func (h *Handlers) HandleListBindings(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	bindings, err := h.router.ListBindings(r.Context(), claims,
		r.URL.Query().Get("groupId"), r.URL.Query().Get("serverId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if bindings == nil {
		bindings = []model.GroupBinding{}
	}
	writeJSON(w, r, http.StatusOK, bindings)
}

// HandleCreateBinding handles POST /api/bindings.
func (h *Handlers) HandleCreateBinding(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateBindingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	binding, err := h.router.CreateBinding(r.Context(), claims, auditMeta(r), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, binding)
}

// HandleGetBinding handles GET /api/bindings/{id}.
func (h *Handlers) HandleGetBinding(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid binding id")
		return
	}

	binding, err := h.router.GetBinding(r.Context(), claims, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, binding)
}

// HandleUpdateBinding handles PUT /api/bindings/{id}.
func (h *Handlers) HandleUpdateBinding(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid binding id")
		return
	}

	var req model.UpdateBindingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, bodyErrorMessage(err))
		return
	}

	binding, err := h.router.UpdateBinding(r.Context(), claims, auditMeta(r), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, binding)
}

// HandleDeleteBinding handles DELETE /api/bindings/{id}.
func (h *Handlers) HandleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid binding id")
		return
	}

	if err := h.router.DeleteBinding(r.Context(), claims, auditMeta(r), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeMessage(w, r, http.StatusOK, "binding deleted")
}
