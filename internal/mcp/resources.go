package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/model"
)

func (s *Server) registerResources() {
	// mochi://servers — the server catalogue visible to the caller.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mochi://servers",
			"Registered Servers",
			mcplib.WithResourceDescription("All Minecraft servers registered on this hub that the caller can access"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleServersResource,
	)

	// mochi://servers/{id} — one server's record plus its runtime status.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"mochi://servers/{id}",
			"Server Detail",
			mcplib.WithTemplateDescription("One server's registration record and live runtime status"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleServerResource,
	)
}

func (s *Server) handleServersResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	list, total, err := s.servers.List(ctx, claims, model.ServerFilter{}, 100, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: list servers: %w", err)
	}

	compact := make([]map[string]any, 0, len(list))
	for _, srv := range list {
		compact = append(compact, compactServer(srv))
	}

	data, err := json.MarshalIndent(map[string]any{
		"servers": compact,
		"total":   total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal servers: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mochi://servers",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleServerResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	// Extract the server id from mochi://servers/{id}.
	uri := request.Params.URI
	serverID := strings.TrimPrefix(uri, "mochi://servers/")
	if serverID == "" || serverID == uri || strings.Contains(serverID, "/") {
		return nil, fmt.Errorf("mcp: invalid server URI: %s", uri)
	}

	srv, err := s.servers.Get(ctx, claims, serverID)
	if err != nil {
		return nil, fmt.Errorf("mcp: get server: %w", err)
	}
	runtime, err := s.servers.Status(ctx, claims, serverID)
	if err != nil {
		return nil, fmt.Errorf("mcp: server status: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"server":  compactServer(srv),
		"runtime": runtime,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal server: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
