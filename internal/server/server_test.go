package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-link/mochi/internal/auth"
	"github.com/mochi-link/mochi/internal/authz"
	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/hub"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/router"
	"github.com/mochi-link/mochi/internal/server"
	"github.com/mochi-link/mochi/internal/service/ops"
	"github.com/mochi-link/mochi/internal/service/pending"
	"github.com/mochi-link/mochi/internal/service/servers"
	"github.com/mochi-link/mochi/internal/storage"
	"github.com/mochi-link/mochi/internal/testutil"
)

var (
	testSrv     *httptest.Server
	testDB      *storage.DB
	adminRawKey string
	adminToken  string
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	tc := testutil.MustStartPostgres()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	jwtMgr, _ := auth.NewJWTManager("", "", 24*time.Hour)
	broker := events.NewBroker(logger)
	h := hub.New(testDB, broker, logger, hub.Options{Version: "test"})
	checker := authz.NewChecker(testDB, time.Minute, logger)
	serverSvc := servers.New(testDB, h, checker, broker, logger, 0)
	h.SetBinder(serverSvc)
	pendingEng := pending.New(testDB, h, checker, broker, logger, 2*time.Second)
	opsSvc := ops.New(testDB, h, pendingEng, checker, logger)
	rt := router.New(testDB, h, checker, broker, nil, logger)

	srv := server.New(server.Config{
		DB:      testDB,
		JWTMgr:  jwtMgr,
		Hub:     h,
		Servers: serverSvc,
		Ops:     opsSvc,
		Pending: pendingEng,
		Router:  rt,
		Authz:   checker,
		Broker:      broker,
		Logger:      logger,
		Version:     "test",
		CORSEnabled: true,
		OpenAPISpec: []byte("openapi: 3.1.0\ninfo:\n  title: Mochi-Link\n  version: \"test\"\npaths: {}\n"),
	})

	adminRawKey, _, err = model.GenerateRawKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate admin key: %v\n", err)
		os.Exit(1)
	}
	if err := srv.Handlers().SeedAdminOperator(ctx, "admin", adminRawKey); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed admin: %v\n", err)
		os.Exit(1)
	}

	testSrv = httptest.NewServer(srv.Handler())
	adminToken = getToken(testSrv.URL, adminRawKey)

	code := m.Run()

	testSrv.Close()
	checker.Close()
	testDB.Close(ctx)
	cancel()
	tc.Terminate()
	os.Exit(code)
}

func getToken(baseURL, rawKey string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{Key: rawKey})
	resp, err := http.Post(baseURL+"/api/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("getToken: request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("getToken: status %d, body: %s", resp.StatusCode, string(data)))
	}
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("getToken: unmarshal failed: %v, body: %s", err, string(data)))
	}
	if result.Data.Token == "" {
		panic(fmt.Sprintf("getToken: empty token, body: %s", string(data)))
	}
	return result.Data.Token
}

func authedRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", string(data))
	if target != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, target), "data: %s", string(envelope.Data))
	}
}

func registerServer(t *testing.T, id, name string) model.RegisteredServer {
	t.Helper()
	resp := authedRequest(t, "POST", testSrv.URL+"/api/servers", adminToken, model.RegisterServerRequest{
		ID: id, Name: name, CoreType: "java", CoreName: "paper", ConnectionMode: "plugin",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var reg model.RegisteredServer
	decodeData(t, resp, &reg)
	return reg
}

// createOperatorKey mints a key for a non-admin operator and returns the raw key.
func createOperatorKey(t *testing.T, operatorID, role string) string {
	t.Helper()
	resp := authedRequest(t, "POST", testSrv.URL+"/api/keys", adminToken, model.CreateOperatorKeyRequest{
		OperatorID: operatorID, Role: role, Label: operatorID + " key",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.OperatorKeyWithRawKey
	decodeData(t, resp, &created)
	require.NotEmpty(t, created.RawKey)
	return created.RawKey
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Postgres)
	assert.NotEmpty(t, health.ProtocolVer)
}

func TestAuthFlow(t *testing.T) {
	token := getToken(testSrv.URL, adminRawKey)
	assert.NotEmpty(t, token)

	body, _ := json.Marshal(model.AuthTokenRequest{Key: "mk_deadbeef_0123456789abcdef0123456789abcdef"})
	resp, err := http.Post(testSrv.URL+"/api/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/api/servers")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRawKeyAsBearer(t *testing.T) {
	// The raw operator key works directly as a bearer credential, without
	// exchanging it for a JWT first.
	resp := authedRequest(t, "GET", testSrv.URL+"/api/servers", adminRawKey, nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResponseEnvelope(t *testing.T) {
	req, _ := http.NewRequest("GET", testSrv.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "test-req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "test-req-42", resp.Header.Get("X-Request-ID"))

	data, _ := io.ReadAll(resp.Body)
	var envelope struct {
		Success   bool      `json:"success"`
		RequestID string    `json:"requestId"`
		Timestamp time.Time `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.True(t, envelope.Success)
	assert.Equal(t, "test-req-42", envelope.RequestID)
	assert.False(t, envelope.Timestamp.IsZero())
}

func TestVersionNegotiation(t *testing.T) {
	// Path pin.
	resp, err := http.Get(testSrv.URL + "/api/v1/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Header pin, supported.
	req, _ := http.NewRequest("GET", testSrv.URL+"/api/health", nil)
	req.Header.Set("X-API-Version", "1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Header pin, unsupported.
	req, _ = http.NewRequest("GET", testSrv.URL+"/api/health", nil)
	req.Header.Set("X-API-Version", "2")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), "VERSION_NOT_SUPPORTED")

	// Accept header pin, unsupported.
	req, _ = http.NewRequest("GET", testSrv.URL+"/api/health", nil)
	req.Header.Set("Accept", "application/vnd.mochi-link.v9+json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Query pin, supported.
	resp, err = http.Get(testSrv.URL + "/api/health?version=1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPathTraversalRejected(t *testing.T) {
	req, _ := http.NewRequest("GET", testSrv.URL+"/api/servers/../keys", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerLifecycle(t *testing.T) {
	reg := registerServer(t, "lifecycle-1", "Lifecycle One")
	assert.Equal(t, "lifecycle-1", reg.ID)
	assert.Len(t, reg.Token, 64)
	assert.Equal(t, model.StatusOffline, reg.Status)

	// Get.
	resp := authedRequest(t, "GET", testSrv.URL+"/api/servers/lifecycle-1", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Server
	decodeData(t, resp, &got)
	assert.Equal(t, "Lifecycle One", got.Name)

	// The stored server row never exposes the token.
	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers/lifecycle-1", adminToken, nil)
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.NotContains(t, string(data), reg.Token)

	// Update.
	newName := "Lifecycle Renamed"
	resp = authedRequest(t, "PUT", testSrv.URL+"/api/servers/lifecycle-1", adminToken,
		model.UpdateServerRequest{Name: &newName})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated model.Server
	decodeData(t, resp, &updated)
	assert.Equal(t, newName, updated.Name)

	// Status for an offline server.
	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers/lifecycle-1/status", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st model.ServerRuntimeStatus
	decodeData(t, resp, &st)
	assert.Equal(t, model.StatusOffline, st.Status)

	// Rotate the connector token; the new raw token comes back once.
	resp = authedRequest(t, "POST", testSrv.URL+"/api/servers/lifecycle-1/token/rotate", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok model.RotatedToken
	decodeData(t, resp, &tok)
	assert.Len(t, tok.Token, 64)
	assert.NotEqual(t, reg.Token, tok.Token)

	// Delete.
	resp = authedRequest(t, "DELETE", testSrv.URL+"/api/servers/lifecycle-1", adminToken, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers/lifecycle-1", adminToken, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRegisterValidation(t *testing.T) {
	cases := []model.RegisterServerRequest{
		{ID: "bad id!", Name: "x", CoreType: "java", ConnectionMode: "plugin"},
		{ID: "ok-id", Name: "x", CoreType: "cobblestone", ConnectionMode: "plugin"},
		{ID: "ok-id", Name: "x", CoreType: "java", ConnectionMode: "telepathy"},
		{ID: "ok-id", Name: "", CoreType: "java", ConnectionMode: "plugin"},
	}
	for _, req := range cases {
		resp := authedRequest(t, "POST", testSrv.URL+"/api/servers", adminToken, req)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "request: %+v", req)
	}
}

func TestDuplicateServerConflict(t *testing.T) {
	registerServer(t, "dup-1", "Dup One")
	resp := authedRequest(t, "POST", testSrv.URL+"/api/servers", adminToken, model.RegisterServerRequest{
		ID: "dup-1", Name: "Dup Again", CoreType: "java", CoreName: "paper", ConnectionMode: "plugin",
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWhitelistQueuedWhenOffline(t *testing.T) {
	registerServer(t, "wl-1", "Whitelist One")

	// The server is offline, so the mutation queues.
	resp := authedRequest(t, "POST", testSrv.URL+"/api/servers/wl-1/whitelist", adminToken,
		model.WhitelistRequest{Player: "Steve"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var res struct {
		Player string `json:"player"`
		Queued bool   `json:"queued"`
	}
	decodeData(t, resp, &res)
	assert.True(t, res.Queued)
	assert.Equal(t, "Steve", res.Player)

	// It shows up in the pending queue.
	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers/wl-1/pending", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pendingOps []model.PendingOperation
	decodeData(t, resp, &pendingOps)
	require.Len(t, pendingOps, 1)
	assert.Equal(t, "whitelist.add", pendingOps[0].OperationType)
	assert.Equal(t, "Steve", pendingOps[0].Target)

	// Cancel it.
	resp = authedRequest(t, "DELETE",
		testSrv.URL+"/api/servers/wl-1/pending/"+pendingOps[0].ID.String(), adminToken, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers/wl-1/pending", adminToken, nil)
	pendingOps = nil
	decodeData(t, resp, &pendingOps)
	assert.Empty(t, pendingOps)
}

func TestCommandIdempotency(t *testing.T) {
	registerServer(t, "idem-1", "Idem One")

	body := model.CommandRequest{Command: "say hello"}
	data, _ := json.Marshal(body)

	send := func(key string, payload []byte) *http.Response {
		req, _ := http.NewRequest("POST", testSrv.URL+"/api/servers/idem-1/commands", bytes.NewReader(payload))
		req.Header.Set("Authorization", "Bearer "+adminToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// First call queues the command (server offline) and records the outcome.
	resp := send("idem-key-1", data)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var first model.CommandResult
	decodeData(t, resp, &first)
	assert.True(t, first.Queued)

	// Replay returns the recorded outcome without queueing a second op.
	resp = send("idem-key-1", data)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var second model.CommandResult
	decodeData(t, resp, &second)
	assert.Equal(t, first, second)

	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers/idem-1/pending", adminToken, nil)
	var queue []model.PendingOperation
	decodeData(t, resp, &queue)
	assert.Len(t, queue, 1)

	// Same key with a different payload is a conflict.
	other, _ := json.Marshal(model.CommandRequest{Command: "say goodbye"})
	resp = send("idem-key-1", other)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestOperatorKeyManagement(t *testing.T) {
	rawKey := createOperatorKey(t, "km-viewer", "viewer")
	viewerToken := getToken(testSrv.URL, rawKey)

	// Key management is fenced off from non-admin roles.
	resp := authedRequest(t, "GET", testSrv.URL+"/api/keys", viewerToken, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// List as admin includes the new key; hashes never leak.
	resp = authedRequest(t, "GET", testSrv.URL+"/api/keys?limit=100", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(data), "km-viewer")
	assert.NotContains(t, string(data), "keyHash")

	var listEnvelope struct {
		Data []model.OperatorKey `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &listEnvelope))
	var keyID string
	for _, k := range listEnvelope.Data {
		if k.OperatorID == "km-viewer" {
			keyID = k.ID.String()
		}
	}
	require.NotEmpty(t, keyID)

	// Rotate: the old key stops working, the new one works.
	resp = authedRequest(t, "POST", testSrv.URL+"/api/keys/"+keyID+"/rotate", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated model.RotateOperatorKeyResponse
	decodeData(t, resp, &rotated)
	assert.Equal(t, keyID, rotated.RevokedKeyID.String())
	assert.NotEmpty(t, rotated.NewKey.RawKey)

	body, _ := json.Marshal(model.AuthTokenRequest{Key: rawKey})
	tokenResp, err := http.Post(testSrv.URL+"/api/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	_ = tokenResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, tokenResp.StatusCode)

	newToken := getToken(testSrv.URL, rotated.NewKey.RawKey)
	assert.NotEmpty(t, newToken)

	// Revoke the rotated key.
	resp = authedRequest(t, "DELETE", testSrv.URL+"/api/keys/"+rotated.NewKey.ID.String(), adminToken, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ = json.Marshal(model.AuthTokenRequest{Key: rotated.NewKey.RawKey})
	tokenResp, err = http.Post(testSrv.URL+"/api/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	_ = tokenResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, tokenResp.StatusCode)
}

func TestACLLifecycle(t *testing.T) {
	registerServer(t, "acl-1", "ACL One")

	rawKey := createOperatorKey(t, "acl-operator", "operator")
	opToken := getToken(testSrv.URL, rawKey)

	// No grant: the server is invisible.
	resp := authedRequest(t, "GET", testSrv.URL+"/api/servers/acl-1", opToken, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers", opToken, nil)
	var visible []model.Server
	decodeData(t, resp, &visible)
	for _, s := range visible {
		assert.NotEqual(t, "acl-1", s.ID)
	}

	// Grant operator access.
	resp = authedRequest(t, "POST", testSrv.URL+"/api/servers/acl-1/acl", adminToken, map[string]any{
		"userId": "acl-operator",
		"role":   "operator",
	})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Now the server is visible and whitelist mutations are allowed.
	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers/acl-1", opToken, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = authedRequest(t, "POST", testSrv.URL+"/api/servers/acl-1/whitelist", opToken,
		model.WhitelistRequest{Player: "Alex"})
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Operator role does not cover server updates.
	newName := "ACL Renamed"
	resp = authedRequest(t, "PUT", testSrv.URL+"/api/servers/acl-1", opToken,
		model.UpdateServerRequest{Name: &newName})
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Grants are listed.
	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers/acl-1/acl", adminToken, nil)
	var grants []model.ServerACL
	decodeData(t, resp, &grants)
	require.Len(t, grants, 1)
	assert.Equal(t, "acl-operator", grants[0].UserID)
	assert.Equal(t, model.RoleOperator, grants[0].Role)

	// Revoke: access disappears immediately.
	resp = authedRequest(t, "DELETE", testSrv.URL+"/api/servers/acl-1/acl/acl-operator", adminToken, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers/acl-1", opToken, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuditTrail(t *testing.T) {
	registerServer(t, "audit-1", "Audit One")

	resp := authedRequest(t, "GET", testSrv.URL+"/api/audit?serverId=audit-1", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []model.AuditEntry
	decodeData(t, resp, &entries)
	require.NotEmpty(t, entries)
	assert.Equal(t, "server.register", entries[0].Operation)
	require.NotNil(t, entries[0].UserID)
	assert.Equal(t, "admin", *entries[0].UserID)

	// Global audit queries are admin-only.
	rawKey := createOperatorKey(t, "audit-viewer", "viewer")
	viewerToken := getToken(testSrv.URL, rawKey)
	resp = authedRequest(t, "GET", testSrv.URL+"/api/audit", viewerToken, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBindingCRUD(t *testing.T) {
	registerServer(t, "bind-1", "Bind One")

	resp := authedRequest(t, "POST", testSrv.URL+"/api/bindings", adminToken, model.CreateBindingRequest{
		GroupID: "group-100", ServerID: "bind-1", BindingType: "chat",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var binding model.GroupBinding
	decodeData(t, resp, &binding)
	assert.Equal(t, "group-100", binding.GroupID)

	resp = authedRequest(t, "GET", testSrv.URL+"/api/bindings/"+binding.ID.String(), adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.GroupBinding
	decodeData(t, resp, &got)
	assert.Equal(t, binding.ID, got.ID)

	resp = authedRequest(t, "GET", testSrv.URL+"/api/bindings?groupId=group-100", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []model.GroupBinding
	decodeData(t, resp, &list)
	require.Len(t, list, 1)

	// Duplicate (group, server, type) conflicts.
	resp = authedRequest(t, "POST", testSrv.URL+"/api/bindings", adminToken, model.CreateBindingRequest{
		GroupID: "group-100", ServerID: "bind-1", BindingType: "chat",
	})
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = authedRequest(t, "DELETE", testSrv.URL+"/api/bindings/"+binding.ID.String(), adminToken, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = authedRequest(t, "GET", testSrv.URL+"/api/bindings/"+binding.ID.String(), adminToken, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerListPagination(t *testing.T) {
	for i := 1; i <= 3; i++ {
		registerServer(t, fmt.Sprintf("page-%d", i), fmt.Sprintf("Page %d", i))
	}

	resp := authedRequest(t, "GET", testSrv.URL+"/api/servers?page=1&limit=2", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	var page struct {
		Data    []model.Server `json:"data"`
		Total   int            `json:"total"`
		HasMore bool           `json:"hasMore"`
		Limit   int            `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, page.Limit)
	assert.GreaterOrEqual(t, page.Total, 3)

	// Limits clamp to 100.
	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers?limit=9999", adminToken, nil)
	data, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Equal(t, 100, page.Limit)
}

func TestBodyTooLarge(t *testing.T) {
	big := strings.Repeat("x", 2<<20)
	resp := authedRequest(t, "POST", testSrv.URL+"/api/servers", adminToken, model.RegisterServerRequest{
		ID: "too-big", Name: big, CoreType: "java", ConnectionMode: "plugin",
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownFieldRejected(t *testing.T) {
	payload := []byte(`{"id":"unknown-field-1","name":"X","coreType":"java","connectionMode":"plugin","surprise":true}`)
	req, _ := http.NewRequest("POST", testSrv.URL+"/api/servers", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatisticsEndpoint(t *testing.T) {
	registerServer(t, "stats-1", "Stats One")

	resp := authedRequest(t, "GET", testSrv.URL+"/api/statistics", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats model.StatisticsResponse
	decodeData(t, resp, &stats)
	assert.GreaterOrEqual(t, stats.Servers.Total, 1)
	assert.GreaterOrEqual(t, stats.Servers.ByCore["java"], 1)
	assert.False(t, stats.CollectedAt.IsZero())
}

func TestOfflineServerReportsStaleData(t *testing.T) {
	registerServer(t, "stale-1", "Stale One")

	resp := authedRequest(t, "GET", testSrv.URL+"/api/servers/stale-1/players", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var players struct {
		Players []json.RawMessage `json:"players"`
		Stale   bool              `json:"stale"`
	}
	decodeData(t, resp, &players)
	assert.True(t, players.Stale)
	assert.Empty(t, players.Players)

	// A ban list has no cached fallback; an offline server is a 503.
	resp = authedRequest(t, "GET", testSrv.URL+"/api/servers/stale-1/bans", adminToken, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestBroadcastRequiresOnlineServer(t *testing.T) {
	registerServer(t, "bc-1", "Broadcast One")

	resp := authedRequest(t, "POST", testSrv.URL+"/api/servers/bc-1/broadcast", adminToken,
		model.BroadcastRequest{Message: "maintenance in 5"})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOpenAPISpec(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/api/docs/openapi.yaml")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "openapi:")

	resp, err = http.Get(testSrv.URL + "/api/docs/openapi.json")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "3.1.0", doc["openapi"])
}

func TestCORSPreflight(t *testing.T) {
	req, _ := http.NewRequest(http.MethodOptions, testSrv.URL+"/api/servers", nil)
	req.Header.Set("Origin", "https://panel.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	// Preflights carry no credentials, so they must be answered before auth.
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://panel.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, resp.Header.Values("Vary"), "Origin")
}

func TestCORSActualRequest(t *testing.T) {
	req, _ := http.NewRequest("GET", testSrv.URL+"/api/health", nil)
	req.Header.Set("Origin", "https://panel.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://panel.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	// Requests without an Origin header get no CORS decoration.
	resp, err = http.Get(testSrv.URL + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
