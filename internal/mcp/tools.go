package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/model"
)

func (s *Server) registerTools() {
	// list_servers — the server catalogue visible to the caller.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_servers",
			mcplib.WithDescription(`List the Minecraft servers registered on this hub that you can access.

WHEN TO USE: At the start of a session to see what servers exist, their
connection state, and their ids. Most other tools take a server id from
this list.

WHAT YOU GET BACK:
- servers: compact records (id, name, core type, status, tags)
- total: how many servers matched

Servers you hold no grant on are filtered out, not errored.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Optional: only servers in this state (offline, connecting, online, error, maintenance)"),
			),
			mcplib.WithString("tag",
				mcplib.Description("Optional: only servers carrying this tag"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListServers,
	)

	// get_server_status — record + live runtime view of one server.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_server_status",
			mcplib.WithDescription(`Get one server's record and live runtime status.

WHEN TO USE: BEFORE running commands or mutations against a server. The
runtime block tells you whether the server is online right now; mutations
sent to an offline server queue until it reconnects instead of applying
immediately.

WHAT YOU GET BACK:
- server: the registration record (id, name, core, tags)
- runtime: status, last_seen, capabilities, player_count, tps when online`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("server_id",
				mcplib.Description("The server id from list_servers"),
				mcplib.Required(),
			),
		),
		s.handleGetServerStatus,
	)

	// whitelist_list — current whitelist, live or last-known.
	s.mcpServer.AddTool(
		mcplib.NewTool("whitelist_list",
			mcplib.WithDescription(`List a server's whitelist.

Returns the live list when the server is online. When it is offline you get
the last list the hub saw plus stale=true; treat stale data as approximate.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("server_id",
				mcplib.Description("The server id from list_servers"),
				mcplib.Required(),
			),
		),
		s.handleWhitelistList,
	)

	// whitelist_add — add a player, queueing when the server is offline.
	s.mcpServer.AddTool(
		mcplib.NewTool("whitelist_add",
			mcplib.WithDescription(`Add a player to a server's whitelist.

If the server is online the change applies immediately. If it is offline the
change is queued and applies when the server reconnects; the response carries
queued=true in that case. Use list_pending_operations to inspect the queue.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("server_id",
				mcplib.Description("The server id from list_servers"),
				mcplib.Required(),
			),
			mcplib.WithString("player",
				mcplib.Description("Minecraft player name to whitelist"),
				mcplib.Required(),
			),
		),
		s.handleWhitelistAdd,
	)

	// whitelist_remove — remove a player, queueing when the server is offline.
	s.mcpServer.AddTool(
		mcplib.NewTool("whitelist_remove",
			mcplib.WithDescription(`Remove a player from a server's whitelist.

Same queue semantics as whitelist_add: offline servers get the removal when
they reconnect, and the response carries queued=true.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("server_id",
				mcplib.Description("The server id from list_servers"),
				mcplib.Required(),
			),
			mcplib.WithString("player",
				mcplib.Description("Minecraft player name to remove"),
				mcplib.Required(),
			),
		),
		s.handleWhitelistRemove,
	)

	// execute_command — run a console command on a server.
	s.mcpServer.AddTool(
		mcplib.NewTool("execute_command",
			mcplib.WithDescription(`Execute a console command on a Minecraft server.

IMPORTANT: Call get_server_status FIRST. Commands sent to an offline server
are queued and run later, which is rarely what you want for interactive
commands like "say" or "tp".

The server's command policy applies: blocked commands are rejected, and when
an allowlist is configured only listed commands run. Output is truncated to
a reasonable length for context.

EXAMPLE: server_id="survival-1", command="say Scheduled restart in 5 minutes"`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("server_id",
				mcplib.Description("The server id from list_servers"),
				mcplib.Required(),
			),
			mcplib.WithString("command",
				mcplib.Description("Console command to run, without the leading slash"),
				mcplib.Required(),
			),
			mcplib.WithNumber("timeout_ms",
				mcplib.Description("How long to wait for the server's reply, in milliseconds"),
				mcplib.Min(100),
				mcplib.Max(60000),
			),
		),
		s.handleExecuteCommand,
	)

	// list_pending_operations — inspect a server's offline queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_pending_operations",
			mcplib.WithDescription(`List the operations queued for a server while it was offline.

WHEN TO USE: After a mutation returned queued=true, or to understand what
will happen when an offline server reconnects. Queued operations execute in
order on reconnect, after redundant pairs (add then remove of the same
player) are cancelled out.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("server_id",
				mcplib.Description("The server id from list_servers"),
				mcplib.Required(),
			),
			mcplib.WithString("status",
				mcplib.Description("Optional: filter by state (pending, running, done, failed)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListPending,
	)

	// query_audit_log — who did what, when.
	s.mcpServer.AddTool(
		mcplib.NewTool("query_audit_log",
			mcplib.WithDescription(`Query the hub's audit log.

Every mutation that goes through the hub writes exactly one audit entry, so
this is the authoritative record of who did what. Scope a query to one
server with server_id; hub-wide queries require the admin role.

FILTER EXAMPLES:
- Everything on one server: server_id="survival-1"
- One operator's actions: user_id="alice"
- All whitelist changes: operation="whitelist.add"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("server_id",
				mcplib.Description("Optional: only entries for this server"),
			),
			mcplib.WithString("user_id",
				mcplib.Description("Optional: only entries by this operator"),
			),
			mcplib.WithString("operation",
				mcplib.Description("Optional: only this operation, e.g. whitelist.add, command.execute, server.delete"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleQueryAudit,
	)
}

func (s *Server) handleListServers(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	f := model.ServerFilter{Tag: request.GetString("tag", "")}
	if status := request.GetString("status", ""); status != "" {
		st, err := model.ParseServerStatusFilter(status)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		f.Status = st
	}
	limit := request.GetInt("limit", 20)

	list, total, err := s.servers.List(ctx, claims, f, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}

	compact := make([]map[string]any, 0, len(list))
	for _, srv := range list {
		compact = append(compact, compactServer(srv))
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"servers": compact,
		"total":   total,
	}, "", "  ")

	return textResult(string(resultData)), nil
}

func (s *Server) handleGetServerStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	serverID := request.GetString("server_id", "")
	if serverID == "" {
		return errorResult("server_id is required"), nil
	}

	srv, err := s.servers.Get(ctx, claims, serverID)
	if err != nil {
		return errorResult(fmt.Sprintf("get server failed: %v", err)), nil
	}
	runtime, err := s.servers.Status(ctx, claims, serverID)
	if err != nil {
		return errorResult(fmt.Sprintf("status failed: %v", err)), nil
	}

	// Record that this caller looked at the server. handleExecuteCommand
	// uses this to detect the check-before-command workflow.
	if claims != nil {
		s.statusChecks.Record(claims.UserID, serverID)
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"server":  compactServer(srv),
		"runtime": runtime,
	}, "", "  ")

	return textResult(string(resultData)), nil
}

func (s *Server) handleWhitelistList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	serverID := request.GetString("server_id", "")
	if serverID == "" {
		return errorResult("server_id is required"), nil
	}

	players, stale, err := s.ops.WhitelistList(ctx, claims, serverID)
	if err != nil {
		return errorResult(fmt.Sprintf("whitelist list failed: %v", err)), nil
	}
	if players == nil {
		players = []string{}
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"players": players,
		"count":   len(players),
		"stale":   stale,
	}, "", "  ")

	return textResult(string(resultData)), nil
}

func (s *Server) handleWhitelistAdd(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.handleWhitelistMutation(ctx, request, "whitelist_add")
}

func (s *Server) handleWhitelistRemove(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.handleWhitelistMutation(ctx, request, "whitelist_remove")
}

func (s *Server) handleWhitelistMutation(ctx context.Context, request mcplib.CallToolRequest, tool string) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	serverID := request.GetString("server_id", "")
	player := request.GetString("player", "")
	if serverID == "" || player == "" {
		return errorResult("server_id and player are required"), nil
	}

	meta := metaFromContext(ctx, tool)
	var (
		queued bool
		err    error
	)
	if tool == "whitelist_add" {
		queued, err = s.ops.WhitelistAdd(ctx, claims, meta, serverID, player)
	} else {
		queued, err = s.ops.WhitelistRemove(ctx, claims, meta, serverID, player)
	}
	if err != nil {
		return errorResult(fmt.Sprintf("%s failed: %v", tool, err)), nil
	}

	status := "applied"
	if queued {
		status = "queued until the server reconnects"
	}
	resultData, _ := json.Marshal(map[string]any{
		"player": player,
		"queued": queued,
		"status": status,
	})

	return textResult(string(resultData)), nil
}

func (s *Server) handleExecuteCommand(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	serverID := request.GetString("server_id", "")
	command := request.GetString("command", "")
	if serverID == "" || command == "" {
		return errorResult("server_id and command are required"), nil
	}

	meta := metaFromContext(ctx, "execute_command")
	res, err := s.ops.CommandExecute(ctx, claims, meta, serverID, model.CommandRequest{
		Command:   command,
		TimeoutMs: request.GetInt("timeout_ms", 0),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("command failed: %v", err)), nil
	}
	res.Output = truncate(res.Output, maxCompactOutput)

	resultData, _ := json.Marshal(res)
	contents := []mcplib.Content{
		mcplib.TextContent{Type: "text", Text: string(resultData)},
	}

	// Nudge: if the caller didn't check this server's status recently,
	// include a reminder. The command still ran (or queued); this is
	// advisory, not a gate.
	callerID := ""
	if claims != nil {
		callerID = claims.UserID
	}
	if callerID != "" && !s.statusChecks.WasChecked(callerID, serverID) {
		contents = append(contents, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: get_server_status was not called for server \"" + serverID + "\" before this command. " +
				"Checking first tells you whether the server is online and the command will run now or queue. " +
				"Next time, call get_server_status before execute_command.",
		})
	}

	return &mcplib.CallToolResult{Content: contents}, nil
}

func (s *Server) handleListPending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	serverID := request.GetString("server_id", "")
	if serverID == "" {
		return errorResult("server_id is required"), nil
	}

	statuses := []model.PendingStatus{model.PendingQueued, model.PendingRunning}
	if st := request.GetString("status", ""); st != "" {
		parsed, err := parsePendingStatus(st)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		statuses = []model.PendingStatus{parsed}
	}
	limit := request.GetInt("limit", 20)

	list, total, err := s.pending.List(ctx, claims, serverID, statuses, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}
	if list == nil {
		list = []model.PendingOperation{}
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"operations": list,
		"total":      total,
	}, "", "  ")

	return textResult(string(resultData)), nil
}

func (s *Server) handleQueryAudit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)

	f := model.AuditFilter{
		UserID:    request.GetString("user_id", ""),
		ServerID:  request.GetString("server_id", ""),
		Operation: request.GetString("operation", ""),
	}

	// Same scoping as the HTTP audit endpoint: a server-scoped query needs
	// audit.view on that server, a hub-wide query needs the admin role.
	if f.ServerID != "" {
		if err := s.authz.Require(ctx, claims, f.ServerID, authz.OpAuditView); err != nil {
			return errorResult(fmt.Sprintf("authorization failed: %v", err)), nil
		}
	} else {
		if claims == nil || !model.RoleAtLeast(claims.Role, model.RoleAdmin) {
			return errorResult("hub-wide audit queries require the admin role; pass server_id to scope the query"), nil
		}
	}

	limit := request.GetInt("limit", 20)

	entries, total, err := s.db.ListAudit(ctx, f, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}

	compact := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		compact = append(compact, compactAudit(e))
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"entries": compact,
		"total":   total,
	}, "", "  ")

	return textResult(string(resultData)), nil
}

func parsePendingStatus(s string) (model.PendingStatus, error) {
	switch st := model.PendingStatus(s); st {
	case model.PendingQueued, model.PendingRunning, model.PendingDone, model.PendingFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown pending status %q", s)
	}
}

// metaFromContext assembles the audit metadata for a tool call. MCP requests
// carry no client address, so transport fields stay empty.
func metaFromContext(ctx context.Context, tool string) ctxutil.AuditMeta {
	m := ctxutil.AuditMeta{
		RequestID: ctxutil.RequestIDFromContext(ctx),
		Endpoint:  "mcp:" + tool,
	}
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		m.UserID = claims.UserID
		m.Role = string(claims.Role)
	}
	return m
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
