package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/ctxutil"
	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/service/ops"
	"github.com/mochi-link/mochi/internal/service/pending"
	"github.com/mochi-link/mochi/internal/service/servers"
	"github.com/mochi-link/mochi/internal/storage"
	"github.com/mochi-link/mochi/internal/testutil"
)

var (
	testDB     *storage.DB
	testServer *Server
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	broker := events.NewBroker(logger)
	h := hub.New(testDB, broker, logger, hub.Options{Version: "test"})
	checker := authz.NewChecker(testDB, time.Minute, logger)
	defer checker.Close()
	serverSvc := servers.New(testDB, h, checker, broker, logger, 0)
	h.SetBinder(serverSvc)
	pendingEng := pending.New(testDB, h, checker, broker, logger, 2*time.Second)
	opsSvc := ops.New(testDB, h, pendingEng, checker, logger)

	testServer = New(testDB, serverSvc, opsSvc, pendingEng, checker, logger, "test")

	return m.Run()
}

// ownerCtx returns a context carrying hub-owner claims. Owners bypass
// per-server grants, so most tests use this identity.
func ownerCtx() context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{
		UserID: "test-owner",
		Role:   model.RoleOwner,
	})
}

// viewerCtx returns claims for an operator holding no grants at all.
func viewerCtx() context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{
		UserID: "test-viewer",
		Role:   model.RoleViewer,
	})
}

// toolRequest builds a CallToolRequest with the given arguments.
func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in tool result")
	return ""
}

// registerTestServer registers a server through the service layer and
// returns its id.
func registerTestServer(t *testing.T, id string) string {
	t.Helper()
	claims := ctxutil.ClaimsFromContext(ownerCtx())
	meta := ctxutil.AuditMeta{RequestID: "test", UserID: claims.UserID, Role: string(claims.Role)}
	_, err := testServer.servers.Register(ownerCtx(), claims, meta, model.RegisterServerRequest{
		ID:             id,
		Name:           "Server " + id,
		CoreType:       "java",
		CoreName:       "paper",
		ConnectionMode: "plugin",
	})
	require.NoError(t, err)
	return id
}

func TestListServersTool(t *testing.T) {
	registerTestServer(t, "mcp-list-1")
	registerTestServer(t, "mcp-list-2")

	result, err := testServer.handleListServers(ownerCtx(), toolRequest("list_servers", map[string]any{}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		Servers []map[string]any `json:"servers"`
		Total   int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &parsed))
	assert.GreaterOrEqual(t, parsed.Total, 2)

	ids := make([]string, 0, len(parsed.Servers))
	for _, srv := range parsed.Servers {
		ids = append(ids, srv["id"].(string))
		// Compact records never expose connection config.
		_, hasConfig := srv["connection_config"]
		assert.False(t, hasConfig)
	}
	assert.Contains(t, ids, "mcp-list-1")
	assert.Contains(t, ids, "mcp-list-2")
}

func TestListServersTool_StatusFilter(t *testing.T) {
	registerTestServer(t, "mcp-filter-1")

	result, err := testServer.handleListServers(ownerCtx(), toolRequest("list_servers", map[string]any{
		"status": "online",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		Servers []map[string]any `json:"servers"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &parsed))
	for _, srv := range parsed.Servers {
		assert.Equal(t, "online", srv["status"])
	}

	// Unknown status values are rejected, not silently ignored.
	result, err = testServer.handleListServers(ownerCtx(), toolRequest("list_servers", map[string]any{
		"status": "sleeping",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListServersTool_ViewerSeesNothing(t *testing.T) {
	registerTestServer(t, "mcp-hidden-1")

	result, err := testServer.handleListServers(viewerCtx(), toolRequest("list_servers", map[string]any{}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		Servers []map[string]any `json:"servers"`
		Total   int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &parsed))
	assert.Empty(t, parsed.Servers)
}

func TestGetServerStatusTool(t *testing.T) {
	id := registerTestServer(t, "mcp-status-1")

	result, err := testServer.handleGetServerStatus(ownerCtx(), toolRequest("get_server_status", map[string]any{
		"server_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		Server  map[string]any            `json:"server"`
		Runtime model.ServerRuntimeStatus `json:"runtime"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &parsed))
	assert.Equal(t, id, parsed.Server["id"])
	assert.Equal(t, model.StatusOffline, parsed.Runtime.Status)

	// Offline-and-never-seen servers carry a context note.
	assert.Contains(t, parsed.Server["context_note"], "never connected")

	// The check is recorded for the command nudge.
	assert.True(t, testServer.statusChecks.WasChecked("test-owner", id))
}

func TestGetServerStatusTool_Missing(t *testing.T) {
	result, err := testServer.handleGetServerStatus(ownerCtx(), toolRequest("get_server_status", map[string]any{
		"server_id": "no-such-server",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = testServer.handleGetServerStatus(ownerCtx(), toolRequest("get_server_status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "server_id is required")
}

func TestWhitelistTools_QueueWhenOffline(t *testing.T) {
	id := registerTestServer(t, "mcp-wl-1")

	// Add queues because no connector is attached.
	result, err := testServer.handleWhitelistAdd(ownerCtx(), toolRequest("whitelist_add", map[string]any{
		"server_id": id,
		"player":    "Steve",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var added struct {
		Player string `json:"player"`
		Queued bool   `json:"queued"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &added))
	assert.Equal(t, "Steve", added.Player)
	assert.True(t, added.Queued)
	assert.Contains(t, added.Status, "queued")

	// The queued mutation shows up in the pending list.
	result, err = testServer.handleListPending(ownerCtx(), toolRequest("list_pending_operations", map[string]any{
		"server_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var pendingList struct {
		Operations []model.PendingOperation `json:"operations"`
		Total      int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &pendingList))
	require.Len(t, pendingList.Operations, 1)
	assert.Equal(t, "whitelist.add", pendingList.Operations[0].OperationType)
	assert.Equal(t, "Steve", pendingList.Operations[0].Target)

	// The offline whitelist read reports stale data.
	result, err = testServer.handleWhitelistList(ownerCtx(), toolRequest("whitelist_list", map[string]any{
		"server_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var listed struct {
		Players []string `json:"players"`
		Stale   bool     `json:"stale"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &listed))
	assert.True(t, listed.Stale)
}

func TestWhitelistTools_Denied(t *testing.T) {
	id := registerTestServer(t, "mcp-wl-denied")

	result, err := testServer.handleWhitelistAdd(viewerCtx(), toolRequest("whitelist_add", map[string]any{
		"server_id": id,
		"player":    "Steve",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = testServer.handleWhitelistAdd(ownerCtx(), toolRequest("whitelist_add", map[string]any{
		"server_id": id,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "required")
}

func TestExecuteCommandTool_NudgesWithoutStatusCheck(t *testing.T) {
	id := registerTestServer(t, "mcp-cmd-1")

	// No get_server_status call for this server yet: expect the advisory
	// note alongside the queued result.
	result, err := testServer.handleExecuteCommand(ownerCtx(), toolRequest("execute_command", map[string]any{
		"server_id": id,
		"command":   "say queued hello",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 2)

	var res model.CommandResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &res))
	assert.True(t, res.Queued)

	note, ok := result.Content[1].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, note.Text, "get_server_status")

	// After a status check the nudge disappears.
	_, err = testServer.handleGetServerStatus(ownerCtx(), toolRequest("get_server_status", map[string]any{
		"server_id": id,
	}))
	require.NoError(t, err)

	result, err = testServer.handleExecuteCommand(ownerCtx(), toolRequest("execute_command", map[string]any{
		"server_id": id,
		"command":   "say checked hello",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Len(t, result.Content, 1)
}

func TestExecuteCommandTool_Denied(t *testing.T) {
	id := registerTestServer(t, "mcp-cmd-denied")

	result, err := testServer.handleExecuteCommand(viewerCtx(), toolRequest("execute_command", map[string]any{
		"server_id": id,
		"command":   "stop",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListPendingTool_StatusFilter(t *testing.T) {
	id := registerTestServer(t, "mcp-pending-1")

	_, err := testServer.handleWhitelistAdd(ownerCtx(), toolRequest("whitelist_add", map[string]any{
		"server_id": id,
		"player":    "Alex",
	}))
	require.NoError(t, err)

	// Failed filter matches nothing yet.
	result, err := testServer.handleListPending(ownerCtx(), toolRequest("list_pending_operations", map[string]any{
		"server_id": id,
		"status":    "failed",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		Operations []model.PendingOperation `json:"operations"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &parsed))
	assert.Empty(t, parsed.Operations)

	// Garbage status values are rejected.
	result, err = testServer.handleListPending(ownerCtx(), toolRequest("list_pending_operations", map[string]any{
		"server_id": id,
		"status":    "exploded",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryAuditTool(t *testing.T) {
	id := registerTestServer(t, "mcp-audit-1")

	// Registration wrote an audit row; a server-scoped query finds it.
	result, err := testServer.handleQueryAudit(ownerCtx(), toolRequest("query_audit_log", map[string]any{
		"server_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var parsed struct {
		Entries []map[string]any `json:"entries"`
		Total   int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &parsed))
	require.NotEmpty(t, parsed.Entries)

	found := false
	for _, e := range parsed.Entries {
		if e["operation"] == "server.register" {
			found = true
			// Transport metadata never leaves the hub through MCP.
			_, hasIP := e["ip_address"]
			assert.False(t, hasIP)
		}
	}
	assert.True(t, found, "expected a server.register audit entry")
}

func TestQueryAuditTool_GlobalRequiresAdmin(t *testing.T) {
	result, err := testServer.handleQueryAudit(viewerCtx(), toolRequest("query_audit_log", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "admin role")

	// Owner claims pass the hub-wide gate.
	result, err = testServer.handleQueryAudit(ownerCtx(), toolRequest("query_audit_log", map[string]any{
		"operation": "server.register",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestServersResource(t *testing.T) {
	id := registerTestServer(t, "mcp-res-1")

	contents, err := testServer.handleServersResource(ownerCtx(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "mochi://servers"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text := contents[0].(mcplib.TextResourceContents)
	assert.Equal(t, "application/json", text.MIMEType)
	assert.Contains(t, text.Text, id)
}

func TestServerResource(t *testing.T) {
	id := registerTestServer(t, "mcp-res-2")

	contents, err := testServer.handleServerResource(ownerCtx(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "mochi://servers/" + id},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	var parsed struct {
		Server  map[string]any            `json:"server"`
		Runtime model.ServerRuntimeStatus `json:"runtime"`
	}
	text := contents[0].(mcplib.TextResourceContents)
	require.NoError(t, json.Unmarshal([]byte(text.Text), &parsed))
	assert.Equal(t, id, parsed.Server["id"])

	// Malformed URIs error rather than leaking data.
	_, err = testServer.handleServerResource(ownerCtx(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "mochi://servers/a/b"},
	})
	assert.Error(t, err)
}

func TestBeforeCommandPrompt(t *testing.T) {
	result, err := testServer.handleBeforeCommandPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "before-command",
			Arguments: map[string]string{"server_id": "survival-1"},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	text := result.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, "get_server_status")
	assert.Contains(t, text, "survival-1")

	_, err = testServer.handleBeforeCommandPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "before-command"},
	})
	assert.Error(t, err)
}

func TestOperatorSetupPrompt(t *testing.T) {
	result, err := testServer.handleOperatorSetupPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "operator-setup"},
	})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	text := result.Messages[0].Content.(mcplib.TextContent).Text
	for _, tool := range []string{"list_servers", "execute_command", "list_pending_operations", "query_audit_log"} {
		assert.True(t, strings.Contains(text, tool), "setup prompt should mention %s", tool)
	}
}
