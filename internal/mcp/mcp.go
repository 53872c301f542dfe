// Package mcp implements the Model Context Protocol server for Mochi-Link.
//
// The MCP server exposes the hub's operator capabilities through MCP tools
// and resources, allowing MCP-compatible AI agents to inspect servers, manage
// whitelists, and run commands with the same permission checks as the HTTP
// API. Identity comes from the authenticated operator claims on the request
// context; the StreamableHTTP transport is mounted behind the normal auth
// middleware.
package mcp

import (
	"log/slog"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/service/ops"
	"github.com/mochi-link/mochi/internal/service/pending"
	"github.com/mochi-link/mochi/internal/service/servers"
	"github.com/mochi-link/mochi/internal/storage"
)

// statusCheckWindow is how long a get_server_status call counts as "recent"
// for the check-before-command nudge.
const statusCheckWindow = 5 * time.Minute

// Server wraps the MCP server with Mochi-Link's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	servers   *servers.Service
	ops       *ops.Service
	pending   *pending.Engine
	authz     *authz.Checker
	logger    *slog.Logger

	statusChecks *statusTracker
}

// New creates and configures a new MCP server with all resources, tools,
// and prompts.
func New(db *storage.DB, serverSvc *servers.Service, opsSvc *ops.Service, pendingEng *pending.Engine, checker *authz.Checker, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:           db,
		servers:      serverSvc,
		ops:          opsSvc,
		pending:      pendingEng,
		authz:        checker,
		logger:       logger,
		statusChecks: newStatusTracker(statusCheckWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mochi-link",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
