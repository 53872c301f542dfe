package mochi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer builds a test server from handlers keyed by "METHOD /path".
// The auth endpoint is registered automatically unless the test overrides it.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	if _, ok := handlers["POST /api/auth/token"]; !ok {
		mux.HandleFunc("POST /api/auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": map[string]any{
					"token":     "test-token-xyz",
					"expiresAt": time.Now().Add(time.Hour),
				},
			})
		})
	}
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   map[string]any{"code": code, "message": message},
	})
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	client, err := NewClient(Config{
		BaseURL: srv.URL,
		Key:     "mk_test_0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(Config{Key: "mk_test_x"}); err == nil {
		t.Error("expected error for missing BaseURL")
	}
	if _, err := NewClient(Config{BaseURL: "http://localhost:8081"}); err == nil {
		t.Error("expected error for missing Key")
	}
	if _, err := NewClient(Config{BaseURL: "http://localhost:8081/", Key: "mk_test_x"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRegisterServer(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/servers": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer test-token-xyz" {
				t.Errorf("Authorization = %q, want bearer token", got)
			}
			var req RegisterServerRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.ID != "lobby-1" {
				t.Errorf("id = %q", req.ID)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"success": true,
				"data": map[string]any{
					"id":       req.ID,
					"name":     req.Name,
					"coreType": req.CoreType,
					"status":   "offline",
					"token":    "mchk_a1b2c3d4.e5f6",
				},
			})
		},
	})

	client := newTestClient(t, srv)
	reg, err := client.RegisterServer(context.Background(), RegisterServerRequest{
		ID:       "lobby-1",
		Name:     "Lobby",
		CoreType: "paper",
	})
	if err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	if reg.ID != "lobby-1" {
		t.Errorf("ID = %q", reg.ID)
	}
	if reg.Token != "mchk_a1b2c3d4.e5f6" {
		t.Errorf("Token = %q, want raw connector token", reg.Token)
	}
}

func TestListServers_QueryParams(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/servers": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("status") != "online" {
				t.Errorf("status = %q", q.Get("status"))
			}
			if q.Get("ownerId") != "alice" {
				t.Errorf("ownerId = %q", q.Get("ownerId"))
			}
			if q.Get("tag") != "survival" {
				t.Errorf("tag = %q", q.Get("tag"))
			}
			if q.Get("page") != "2" || q.Get("limit") != "5" {
				t.Errorf("page/limit = %q/%q", q.Get("page"), q.Get("limit"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": []map[string]any{
					{"id": "lobby-1", "name": "Lobby", "status": "online"},
				},
			})
		},
	})

	client := newTestClient(t, srv)
	servers, err := client.ListServers(context.Background(), &ListServersOptions{
		Status:  StatusOnline,
		OwnerID: "alice",
		Tag:     "survival",
		Page:    2,
		Limit:   5,
	})
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 1 || servers[0].ID != "lobby-1" {
		t.Errorf("servers = %+v", servers)
	}
}

func TestGetServer_NotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/servers/ghost": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "server not found")
		},
	})

	client := newTestClient(t, srv)
	_, err := client.GetServer(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound = false for %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error is not *Error: %v", err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Errorf("Code = %q", apiErr.Code)
	}
	if apiErr.Message != "server not found" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestListBans_ServerOffline(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/servers/lobby-1/bans": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusServiceUnavailable, "SERVER_OFFLINE", "server lobby-1 is offline")
		},
	})

	client := newTestClient(t, srv)
	_, err := client.ListBans(context.Background(), "lobby-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsServerOffline(err) {
		t.Errorf("IsServerOffline = false for %v", err)
	}
}

func TestListBans_Unwrap(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/servers/lobby-1/bans": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": map[string]any{
					"bans": []map[string]any{
						{"player": "griefer", "reason": "grief", "bannedBy": "alice"},
					},
					"count": 1,
				},
			})
		},
	})

	client := newTestClient(t, srv)
	bans, err := client.ListBans(context.Background(), "lobby-1")
	if err != nil {
		t.Fatalf("ListBans: %v", err)
	}
	if len(bans) != 1 || bans[0].Player != "griefer" {
		t.Errorf("bans = %+v", bans)
	}
}

func TestExecuteCommand_IdempotencyKey(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/servers/lobby-1/commands": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Idempotency-Key"); got != "retry-abc-1" {
				t.Errorf("Idempotency-Key = %q", got)
			}
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["command"] != "say hello" {
				t.Errorf("command = %v", body["command"])
			}
			if body["timeoutMs"] != float64(2000) {
				t.Errorf("timeoutMs = %v", body["timeoutMs"])
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": map[string]any{
					"serverId": "lobby-1",
					"command":  "say hello",
					"output":   "hello",
					"success":  true,
				},
			})
		},
	})

	client := newTestClient(t, srv)
	result, err := client.ExecuteCommand(context.Background(), "lobby-1", "say hello", &CommandOptions{
		TimeoutMs:      2000,
		IdempotencyKey: "retry-abc-1",
	})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if result.Output != "hello" || !result.Success {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteCommand_QueuedOffline(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/servers/lobby-1/commands": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"success": true,
				"data": map[string]any{
					"serverId": "lobby-1",
					"command":  "whitelist add newbie",
					"queued":   true,
				},
			})
		},
	})

	client := newTestClient(t, srv)
	result, err := client.ExecuteCommand(context.Background(), "lobby-1", "whitelist add newbie", nil)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if !result.Queued {
		t.Error("Queued = false, want true for offline server")
	}
}

func TestKickPlayer_Queued(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/servers/lobby-1/players/steve/kick": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["reason"] != "afk farming" {
				t.Errorf("reason = %v", body["reason"])
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"success": true,
				"data":    map[string]any{"player": "steve", "queued": true},
			})
		},
	})

	client := newTestClient(t, srv)
	result, err := client.KickPlayer(context.Background(), "lobby-1", "steve", "afk farming")
	if err != nil {
		t.Fatalf("KickPlayer: %v", err)
	}
	if result.Player != "steve" || !result.Queued {
		t.Errorf("result = %+v", result)
	}
}

func TestWhitelistSync(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PUT /api/servers/lobby-1/whitelist": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Players []string `json:"players"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if len(body.Players) != 2 {
				t.Errorf("players = %v", body.Players)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"players": 2, "synced": true},
			})
		},
	})

	client := newTestClient(t, srv)
	if err := client.WhitelistSync(context.Background(), "lobby-1", []string{"alice", "bob"}); err != nil {
		t.Fatalf("WhitelistSync: %v", err)
	}
}

func TestPendingOperations_StatusFilter(t *testing.T) {
	opID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/servers/lobby-1/pending": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("status"); got != "failed" {
				t.Errorf("status = %q", got)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": []map[string]any{
					{"id": opID.String(), "serverId": "lobby-1", "operationType": "command", "status": "failed"},
				},
			})
		},
	})

	client := newTestClient(t, srv)
	ops, err := client.PendingOperations(context.Background(), "lobby-1", &PendingOptions{Status: "failed"})
	if err != nil {
		t.Fatalf("PendingOperations: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != opID {
		t.Errorf("ops = %+v", ops)
	}
}

func TestRotateOperatorKey(t *testing.T) {
	keyID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/keys/" + keyID.String() + "/rotate": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": map[string]any{
					"newKey": map[string]any{
						"operatorId": "ops-bot",
						"role":       "admin",
						"rawKey":     "mk_fresh_secret",
					},
					"revokedKeyId": keyID.String(),
				},
			})
		},
	})

	client := newTestClient(t, srv)
	resp, err := client.RotateOperatorKey(context.Background(), keyID)
	if err != nil {
		t.Fatalf("RotateOperatorKey: %v", err)
	}
	if resp.NewKey.RawKey != "mk_fresh_secret" {
		t.Errorf("RawKey = %q", resp.NewKey.RawKey)
	}
	if resp.RevokedKeyID != keyID {
		t.Errorf("RevokedKeyID = %s", resp.RevokedKeyID)
	}
}

func TestQueryAudit_TimeRange(t *testing.T) {
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/audit": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("from") != from.Format(time.RFC3339) {
				t.Errorf("from = %q", q.Get("from"))
			}
			if q.Get("to") != to.Format(time.RFC3339) {
				t.Errorf("to = %q", q.Get("to"))
			}
			if q.Get("operation") != "command_execute" {
				t.Errorf("operation = %q", q.Get("operation"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": []map[string]any{
					{"userId": "alice", "operation": "command_execute", "serverId": "lobby-1", "result": "success"},
				},
			})
		},
	})

	client := newTestClient(t, srv)
	entries, err := client.QueryAudit(context.Background(), AuditQuery{
		Operation: "command_execute",
		From:      from,
		To:        to,
	})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].UserID != "alice" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	authCalls := 0
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCalls++
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"token": "t", "expiresAt": time.Now().Add(time.Hour)},
			})
		},
		"GET /api/health": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Error("health check should not send Authorization")
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"status": "ok", "postgres": "ok"},
			})
		},
	})

	client := newTestClient(t, srv)
	h, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("Status = %q", h.Status)
	}
	if authCalls != 0 {
		t.Errorf("authCalls = %d, want 0", authCalls)
	}
}

func TestTokenRefresh_NearExpiry(t *testing.T) {
	authCalls := 0
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCalls++
			// Always inside the refresh margin, so every request re-authenticates.
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": map[string]any{
					"token":     "short-lived",
					"expiresAt": time.Now().Add(5 * time.Second),
				},
			})
		},
		"GET /api/statistics": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{},
			})
		},
	})

	client := newTestClient(t, srv)
	ctx := context.Background()
	if _, err := client.Statistics(ctx); err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if _, err := client.Statistics(ctx); err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if authCalls != 2 {
		t.Errorf("authCalls = %d, want 2 (token inside refresh margin)", authCalls)
	}
}

func TestTokenReuse_WhileValid(t *testing.T) {
	authCalls := 0
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCalls++
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": map[string]any{
					"token":     "long-lived",
					"expiresAt": time.Now().Add(time.Hour),
				},
			})
		},
		"GET /api/statistics": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{},
			})
		},
	})

	client := newTestClient(t, srv)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.Statistics(ctx); err != nil {
			t.Fatalf("Statistics: %v", err)
		}
	}
	if authCalls != 1 {
		t.Errorf("authCalls = %d, want 1", authCalls)
	}
}

func TestAuthFailure(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/auth/token": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown operator key")
		},
	})

	client := newTestClient(t, srv)
	_, err := client.ListServers(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "auth failed") {
		t.Errorf("err = %v, want auth failure", err)
	}
}

func TestErrorFallback_NonEnvelopeBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/servers/x": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream exploded"))
		},
	})

	client := newTestClient(t, srv)
	_, err := client.GetServer(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error is not *Error: %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if apiErr.Message != "upstream exploded" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestDeleteServer(t *testing.T) {
	called := false
	srv := mockServer(t, map[string]http.HandlerFunc{
		"DELETE /api/servers/lobby-1": func(w http.ResponseWriter, r *http.Request) {
			called = true
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"message": "server deleted",
			})
		},
	})

	client := newTestClient(t, srv)
	if err := client.DeleteServer(context.Background(), "lobby-1"); err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}
	if !called {
		t.Error("DELETE handler not called")
	}
}

func TestCreateBinding(t *testing.T) {
	bindingID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/bindings": func(w http.ResponseWriter, r *http.Request) {
			var req CreateBindingRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.GroupID != "qq:12345" || req.ServerID != "lobby-1" {
				t.Errorf("request = %+v", req)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"success": true,
				"data": map[string]any{
					"id":          bindingID.String(),
					"groupId":     req.GroupID,
					"serverId":    req.ServerID,
					"bindingType": "chat",
					"status":      "active",
					"config":      map[string]any{"enabled": true},
				},
			})
		},
	})

	client := newTestClient(t, srv)
	binding, err := client.CreateBinding(context.Background(), CreateBindingRequest{
		GroupID:     "qq:12345",
		ServerID:    "lobby-1",
		BindingType: "chat",
	})
	if err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	if binding.ID != bindingID || !binding.Config.Enabled {
		t.Errorf("binding = %+v", binding)
	}
}
