package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/model"
)

// docsPage is a self-contained viewer for the embedded OpenAPI spec.
const docsPage = `<!DOCTYPE html>
<html>
<head>
  <title>Mochi-Link API</title>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <style>body { margin: 0; padding: 0; }</style>
</head>
<body>
  <redoc spec-url="/api/docs/openapi.yaml"></redoc>
  <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>
`

// HandleDocs handles GET /api/docs (no auth).
func (h *Handlers) HandleDocs(w http.ResponseWriter, r *http.Request) {
	if len(h.openAPISpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(docsPage))
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openAPISpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openAPISpec)
}

// HandleOpenAPISpecJSON serves the spec converted to JSON for tooling that
// does not parse YAML. Converted once on first request.
func (h *Handlers) HandleOpenAPISpecJSON(w http.ResponseWriter, r *http.Request) {
	if len(h.openAPISpec) == 0 {
		http.NotFound(w, r)
		return
	}
	h.openAPIJSONOnce.Do(func() {
		var doc any
		if err := yaml.Unmarshal(h.openAPISpec, &doc); err != nil {
			h.logger.Error("openapi spec: yaml parse failed", "error", err)
			return
		}
		out, err := json.Marshal(doc)
		if err != nil {
			h.logger.Error("openapi spec: json encode failed", "error", err)
			return
		}
		h.openAPIJSON = out
	})
	if len(h.openAPIJSON) == 0 {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "openapi spec conversion failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openAPIJSON)
}

// SeedAdminOperator installs the bootstrap key for operatorID if that
// operator has no active key yet. The raw key must be a well-formed operator
// key (use scripts/genkey to mint one).
func (h *Handlers) SeedAdminOperator(ctx context.Context, operatorID, rawKey string) error {
	if rawKey == "" {
		keys, _, err := h.db.ListOperatorKeys(ctx, 1, 0)
		if err != nil {
			return fmt.Errorf("seed admin: count operator keys: %w", err)
		}
		if len(keys) == 0 {
			return fmt.Errorf("seed admin: MOCHI_ADMIN_API_KEY is empty and no operator keys exist; set it to bootstrap access")
		}
		h.logger.Info("no admin key configured, skipping admin seed")
		return nil
	}

	prefix, _, err := model.ParseRawKey(rawKey)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	hash, err := auth.HashOperatorKey(rawKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	installed, err := h.db.SeedAdminKey(ctx, model.OperatorKey{
		Prefix:     prefix,
		KeyHash:    hash,
		OperatorID: operatorID,
		Role:       model.RoleOwner,
		Label:      "bootstrap admin",
		CreatedBy:  "system",
	})
	if err != nil {
		return err
	}
	if installed {
		h.logger.Info("bootstrap admin key installed", "prefix", prefix)
	}
	return nil
}
