package server

import (
	"net/http"
	"time"

	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/model"
)

// HandleListAudit handles GET /api/audit. Filters: ?userId, ?serverId,
// ?operation, ?from, ?to (RFC3339). A server-scoped query needs audit.view
// on that server; an unscoped query needs admin or better, because it spans
// servers the caller may not hold grants on.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	q := r.URL.Query()
	limit, offset := pageWindow(r)

	f := model.AuditFilter{
		UserID:    q.Get("userId"),
		ServerID:  q.Get("serverId"),
		Operation: q.Get("operation"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid from format (expected RFC3339)")
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid to format (expected RFC3339)")
			return
		}
		f.To = t
	}

	if f.ServerID != "" {
		if err := h.authz.Require(r.Context(), claims, f.ServerID, authz.OpAuditView); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	} else if !model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, model.ErrCodePermission, "global audit queries require the admin role")
		return
	}

	entries, total, err := h.db.ListAudit(r.Context(), f, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeList(w, r, entries, total, limit, offset, len(entries))
}

// HandleSearchPlayers handles GET /api/players. Filters: ?name, ?serverId,
// ?conflict. Results are restricted to servers the caller can view.
func (h *Handlers) HandleSearchPlayers(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	q := r.URL.Query()
	limit, offset := pageWindow(r)

	f := model.PlayerFilter{
		ServerID: q.Get("serverId"),
		Name:     q.Get("name"),
	}
	if v := q.Get("conflict"); v != "" {
		conflict := v == "true" || v == "1"
		f.Conflict = &conflict
	}

	entries, total, err := h.ops.PlayerSearch(r.Context(), claims, f, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.PlayerCacheEntry{}
	}
	writeList(w, r, entries, total, limit, offset, len(entries))
}

// HandleLookupPlayer handles GET /api/players/{identifier}. The identifier
// may be a name, uuid, or xuid.
func (h *Handlers) HandleLookupPlayer(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	entry, err := h.ops.PlayerLookup(r.Context(), claims, r.PathValue("identifier"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entry)
}
