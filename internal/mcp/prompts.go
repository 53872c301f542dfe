package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-command — guides the agent through checking a server before acting on it.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-command",
			mcplib.WithPromptDescription("Check a server's state before running commands against it"),
			mcplib.WithArgument("server_id",
				mcplib.ArgumentDescription("The server you're about to run a command on"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeCommandPrompt,
	)

	// operator-setup — full system prompt snippet explaining the hub workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("operator-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to operate Minecraft servers through this hub"),
		),
		s.handleOperatorSetupPrompt,
	)
}

func (s *Server) handleBeforeCommandPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	serverID := request.Params.Arguments["server_id"]
	if serverID == "" {
		return nil, fmt.Errorf("server_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Check server %s before running commands", serverID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before running a command on server "%s", follow these steps:

1. CALL get_server_status with server_id="%s".

2. REVIEW the runtime block:
   - If status is "online", commands run immediately and you get output back.
   - If status is "offline", mutations (whitelist changes, bans, kicks) queue
     until the server reconnects, and interactive commands will not run now.
     Decide whether queueing is acceptable for what you're doing.
   - If status is "maintenance" or "error", check the context note before
     assuming the server will come back on its own.

3. CHECK list_pending_operations with server_id="%s" if you queued work
   earlier; redundant operations cancel out before the queue drains.

4. RUN execute_command only once you know the server's state. Remember the
   server's command policy applies: blocked commands are rejected outright.`, serverID, serverID, serverID),
				},
			},
		},
	}, nil
}

func (s *Server) handleOperatorSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Mochi-Link server operation workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Mochi-Link, a management hub for Minecraft servers. Servers
connect to the hub over WebSocket; you operate them through the hub's tools.
Your permissions are per-server: tools fail with an authorization error on
servers you hold no grant for.

## The Pattern: Check Before, Act, Verify After

### Before acting:
Call list_servers to see what exists, then get_server_status for the server
you care about. The status tells you whether your action applies now or
queues for later.

### Acting:
Mutations (whitelist_add, whitelist_remove, execute_command) apply
immediately on online servers. On offline servers they queue and run in
order when the server reconnects; the response carries queued=true.

### After acting:
If a response said queued=true, use list_pending_operations to watch the
queue. Use query_audit_log to confirm what actually happened; every
mutation writes exactly one audit entry.

## Available Tools

- list_servers: The server catalogue you can access (use FIRST)
- get_server_status: One server's record and live runtime state
- whitelist_list / whitelist_add / whitelist_remove: Whitelist management
- execute_command: Run a console command (check status first)
- list_pending_operations: Inspect a server's offline queue
- query_audit_log: Who did what, when (server-scoped unless you're admin)

## Queue Semantics

Offline servers don't lose your changes. They queue in order and drain on
reconnect, after the hub cancels out redundant pairs (adding then removing
the same player). Commands are never reordered or cancelled; they run in
the order you issued them.

## Stale Data

Read tools against offline servers return the last state the hub saw with
stale=true. Treat stale lists as approximate; verify after the server
reconnects if the answer matters.`,
				},
			},
		},
	}, nil
}
