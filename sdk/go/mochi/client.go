package mochi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the hub's admin API (e.g. "http://localhost:8081").
	BaseURL string

	// Key is the operator key (mk_...) used to obtain a JWT token.
	Key string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Mochi-Link hub admin API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or Key is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mochi: BaseURL is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("mochi: Key is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.Key, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Servers
// ---------------------------------------------------------------------------

// RegisterServer registers a server and returns the record together with its
// first connector token. The raw token is readable exactly once, here.
func (c *Client) RegisterServer(ctx context.Context, req RegisterServerRequest) (*RegisteredServer, error) {
	var resp RegisteredServer
	if err := c.post(ctx, "/api/servers", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListServersOptions are optional filters for ListServers.
type ListServersOptions struct {
	Status  ServerStatus
	OwnerID string
	Tag     string
	Page    int
	Limit   int
}

// ListServers returns the servers visible to the caller.
func (c *Client) ListServers(ctx context.Context, opts *ListServersOptions) ([]Server, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.OwnerID != "" {
			params.Set("ownerId", opts.OwnerID)
		}
		if opts.Tag != "" {
			params.Set("tag", opts.Tag)
		}
		addPage(params, opts.Page, opts.Limit)
	}

	var resp []Server
	if err := c.get(ctx, withQuery("/api/servers", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetServer retrieves one server record.
func (c *Client) GetServer(ctx context.Context, serverID string) (*Server, error) {
	var resp Server
	if err := c.get(ctx, "/api/servers/"+url.PathEscape(serverID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateServer updates the mutable fields of a server record.
func (c *Client) UpdateServer(ctx context.Context, serverID string, req UpdateServerRequest) (*Server, error) {
	var resp Server
	if err := c.put(ctx, "/api/servers/"+url.PathEscape(serverID), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteServer removes a server and everything attached to it (tokens,
// grants, bindings, pending operations). A live connector is disconnected.
func (c *Client) DeleteServer(ctx context.Context, serverID string) error {
	return c.doDelete(ctx, "/api/servers/"+url.PathEscape(serverID), nil)
}

// ServerStatus returns the live runtime status of a server. For offline
// servers the runtime fields hold the last known values.
func (c *Client) ServerStatus(ctx context.Context, serverID string) (*RuntimeStatus, error) {
	var resp RuntimeStatus
	if err := c.get(ctx, "/api/servers/"+url.PathEscape(serverID)+"/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RotateTokenOptions are optional settings for RotateServerToken.
type RotateTokenOptions struct {
	ExpiresIn   time.Duration
	IPWhitelist []string
}

// RotateServerToken replaces the server's connector token. All previous
// tokens stop working immediately; the raw token is readable exactly once.
func (c *Client) RotateServerToken(ctx context.Context, serverID string, opts *RotateTokenOptions) (*RotatedToken, error) {
	body := map[string]any{}
	if opts != nil {
		if opts.ExpiresIn > 0 {
			body["expiresIn"] = int(opts.ExpiresIn / time.Second)
		}
		if len(opts.IPWhitelist) > 0 {
			body["ipWhitelist"] = opts.IPWhitelist
		}
	}
	var resp RotatedToken
	if err := c.post(ctx, "/api/servers/"+url.PathEscape(serverID)+"/token/rotate", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Access control
// ---------------------------------------------------------------------------

// GrantAccess grants a user a role on a server. Re-granting an existing
// (user, server) pair replaces the grant.
func (c *Client) GrantAccess(ctx context.Context, serverID string, req GrantRequest) (*Grant, error) {
	var resp Grant
	if err := c.post(ctx, "/api/servers/"+url.PathEscape(serverID)+"/acl", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListGrants returns the access grants on a server.
func (c *Client) ListGrants(ctx context.Context, serverID string) ([]Grant, error) {
	var resp []Grant
	if err := c.get(ctx, "/api/servers/"+url.PathEscape(serverID)+"/acl", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RevokeAccess removes a user's grant on a server.
func (c *Client) RevokeAccess(ctx context.Context, serverID, userID string) error {
	return c.doDelete(ctx, "/api/servers/"+url.PathEscape(serverID)+"/acl/"+url.PathEscape(userID), nil)
}

// ---------------------------------------------------------------------------
// Players
// ---------------------------------------------------------------------------

// OnlinePlayers asks the live connector for the current player list. For an
// offline server the list is empty and Stale is true.
func (c *Client) OnlinePlayers(ctx context.Context, serverID string) (*PlayerList, error) {
	var resp PlayerList
	if err := c.get(ctx, "/api/servers/"+url.PathEscape(serverID)+"/players", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PlayerOnServer looks up a player's cached identity scoped to one server.
func (c *Client) PlayerOnServer(ctx context.Context, serverID, playerID string) (*PlayerIdentity, error) {
	var resp PlayerIdentity
	if err := c.get(ctx, "/api/servers/"+url.PathEscape(serverID)+"/players/"+url.PathEscape(playerID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// KickPlayer kicks a player. The kick is queued when the server is offline.
func (c *Client) KickPlayer(ctx context.Context, serverID, player, reason string) (*QueuedResult, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp QueuedResult
	path := "/api/servers/" + url.PathEscape(serverID) + "/players/" + url.PathEscape(player) + "/kick"
	if err := c.post(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LookupPlayer resolves a player by name, UUID, or XUID from the hub's
// cross-server identity cache.
func (c *Client) LookupPlayer(ctx context.Context, identifier string) (*PlayerIdentity, error) {
	var resp PlayerIdentity
	if err := c.get(ctx, "/api/players/"+url.PathEscape(identifier), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchPlayersOptions are optional filters for SearchPlayers.
type SearchPlayersOptions struct {
	Name     string
	ServerID string
	Conflict bool
	Page     int
	Limit    int
}

// SearchPlayers searches the player identity cache.
func (c *Client) SearchPlayers(ctx context.Context, opts *SearchPlayersOptions) ([]PlayerIdentity, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Name != "" {
			params.Set("name", opts.Name)
		}
		if opts.ServerID != "" {
			params.Set("serverId", opts.ServerID)
		}
		if opts.Conflict {
			params.Set("conflict", "true")
		}
		addPage(params, opts.Page, opts.Limit)
	}

	var resp []PlayerIdentity
	if err := c.get(ctx, withQuery("/api/players", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Whitelist
// ---------------------------------------------------------------------------

// GetWhitelist returns the server's whitelist. Stale is true when the list
// comes from the hub's offline cache.
func (c *Client) GetWhitelist(ctx context.Context, serverID string) (*Whitelist, error) {
	var resp Whitelist
	if err := c.get(ctx, "/api/servers/"+url.PathEscape(serverID)+"/whitelist", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WhitelistAdd adds a player to the whitelist, queueing when offline.
func (c *Client) WhitelistAdd(ctx context.Context, serverID, player string) (*QueuedResult, error) {
	var resp QueuedResult
	body := map[string]any{"player": player}
	if err := c.post(ctx, "/api/servers/"+url.PathEscape(serverID)+"/whitelist", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WhitelistRemove removes a player from the whitelist, queueing when offline.
func (c *Client) WhitelistRemove(ctx context.Context, serverID, player string) (*QueuedResult, error) {
	var resp QueuedResult
	path := "/api/servers/" + url.PathEscape(serverID) + "/whitelist/" + url.PathEscape(player)
	if err := c.doDelete(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WhitelistSync replaces the whole whitelist. The server must be online.
func (c *Client) WhitelistSync(ctx context.Context, serverID string, players []string) error {
	body := map[string]any{"players": players}
	return c.put(ctx, "/api/servers/"+url.PathEscape(serverID)+"/whitelist", body, nil)
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

// ListBans returns the server's ban list. The list lives on the server, so
// this requires it to be online.
func (c *Client) ListBans(ctx context.Context, serverID string) ([]BanEntry, error) {
	var resp struct {
		Bans  []BanEntry `json:"bans"`
		Count int        `json:"count"`
	}
	if err := c.get(ctx, "/api/servers/"+url.PathEscape(serverID)+"/bans", &resp); err != nil {
		return nil, err
	}
	return resp.Bans, nil
}

// BanPlayer bans a player, queueing when offline.
func (c *Client) BanPlayer(ctx context.Context, serverID string, req BanRequest) (*QueuedResult, error) {
	var resp QueuedResult
	if err := c.post(ctx, "/api/servers/"+url.PathEscape(serverID)+"/bans", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateBan re-issues a ban with a new reason or duration.
func (c *Client) UpdateBan(ctx context.Context, serverID, player, reason, duration string) (*QueuedResult, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	if duration != "" {
		body["duration"] = duration
	}
	var resp QueuedResult
	path := "/api/servers/" + url.PathEscape(serverID) + "/bans/" + url.PathEscape(player)
	if err := c.put(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UnbanPlayer lifts a ban, queueing when offline.
func (c *Client) UnbanPlayer(ctx context.Context, serverID, player string) (*QueuedResult, error) {
	var resp QueuedResult
	path := "/api/servers/" + url.PathEscape(serverID) + "/bans/" + url.PathEscape(player)
	if err := c.doDelete(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// CommandOptions are optional settings for ExecuteCommand and BatchExecute.
type CommandOptions struct {
	// TimeoutMs overrides the hub's per-dispatch timeout.
	TimeoutMs int

	// IdempotencyKey makes the request safely retryable: a retry with the
	// same key replays the recorded outcome instead of running the command
	// again.
	IdempotencyKey string
}

// ExecuteCommand runs a console command on a server. The command is queued
// when the server is offline; Queued is set on the result.
func (c *Client) ExecuteCommand(ctx context.Context, serverID, command string, opts *CommandOptions) (*CommandResult, error) {
	body := map[string]any{"command": command}
	idemKey := ""
	if opts != nil {
		if opts.TimeoutMs > 0 {
			body["timeoutMs"] = opts.TimeoutMs
		}
		idemKey = opts.IdempotencyKey
	}
	var resp CommandResult
	path := "/api/servers/" + url.PathEscape(serverID) + "/commands"
	if err := c.postIdempotent(ctx, path, body, idemKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchExecute runs one command on many servers and reports per-server
// outcomes.
func (c *Client) BatchExecute(ctx context.Context, req BatchCommandRequest, opts *CommandOptions) (*BatchCommandResponse, error) {
	idemKey := ""
	if opts != nil {
		if opts.TimeoutMs > 0 && req.TimeoutMs == 0 {
			req.TimeoutMs = opts.TimeoutMs
		}
		idemKey = opts.IdempotencyKey
	}
	var resp BatchCommandResponse
	if err := c.postIdempotent(ctx, "/api/batch/commands", req, idemKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Broadcast sends a chat message to everyone on the server.
func (c *Client) Broadcast(ctx context.Context, serverID, message string) error {
	body := map[string]any{"message": message}
	return c.post(ctx, "/api/servers/"+url.PathEscape(serverID)+"/broadcast", body, nil)
}

// ---------------------------------------------------------------------------
// Pending operations
// ---------------------------------------------------------------------------

// PendingOptions are optional filters for PendingOperations.
type PendingOptions struct {
	Status string // pending | running | done | failed
	Page   int
	Limit  int
}

// PendingOperations returns a server's queued offline operations in enqueue
// order. Without a status filter, only operations still waiting are returned.
func (c *Client) PendingOperations(ctx context.Context, serverID string, opts *PendingOptions) ([]PendingOperation, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		addPage(params, opts.Page, opts.Limit)
	}

	var resp []PendingOperation
	path := withQuery("/api/servers/"+url.PathEscape(serverID)+"/pending", params)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelPendingOperation cancels an operation that has not started running.
func (c *Client) CancelPendingOperation(ctx context.Context, serverID string, opID uuid.UUID) error {
	return c.doDelete(ctx, "/api/servers/"+url.PathEscape(serverID)+"/pending/"+opID.String(), nil)
}

// ---------------------------------------------------------------------------
// Bindings
// ---------------------------------------------------------------------------

// BindingOptions are optional filters for ListBindings.
type BindingOptions struct {
	GroupID  string
	ServerID string
}

// ListBindings returns group bindings, optionally filtered.
func (c *Client) ListBindings(ctx context.Context, opts *BindingOptions) ([]GroupBinding, error) {
	params := url.Values{}
	if opts != nil {
		if opts.GroupID != "" {
			params.Set("groupId", opts.GroupID)
		}
		if opts.ServerID != "" {
			params.Set("serverId", opts.ServerID)
		}
	}

	var resp []GroupBinding
	if err := c.get(ctx, withQuery("/api/bindings", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateBinding binds a chat group to a server.
func (c *Client) CreateBinding(ctx context.Context, req CreateBindingRequest) (*GroupBinding, error) {
	var resp GroupBinding
	if err := c.post(ctx, "/api/bindings", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetBinding retrieves one binding.
func (c *Client) GetBinding(ctx context.Context, id uuid.UUID) (*GroupBinding, error) {
	var resp GroupBinding
	if err := c.get(ctx, "/api/bindings/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateBinding updates a binding's config or status.
func (c *Client) UpdateBinding(ctx context.Context, id uuid.UUID, req UpdateBindingRequest) (*GroupBinding, error) {
	var resp GroupBinding
	if err := c.put(ctx, "/api/bindings/"+id.String(), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteBinding removes a binding.
func (c *Client) DeleteBinding(ctx context.Context, id uuid.UUID) error {
	return c.doDelete(ctx, "/api/bindings/"+id.String(), nil)
}

// ---------------------------------------------------------------------------
// Operator keys (admin-only)
// ---------------------------------------------------------------------------

// CreateOperatorKey creates an operator key. The raw key is readable exactly
// once, in the response. Requires admin role.
func (c *Client) CreateOperatorKey(ctx context.Context, req CreateKeyRequest) (*OperatorKeyWithRawKey, error) {
	var resp OperatorKeyWithRawKey
	if err := c.post(ctx, "/api/keys", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListOperatorKeys lists operator keys, raw secrets omitted. Requires admin
// role.
func (c *Client) ListOperatorKeys(ctx context.Context, page, limit int) ([]OperatorKey, error) {
	params := url.Values{}
	addPage(params, page, limit)

	var resp []OperatorKey
	if err := c.get(ctx, withQuery("/api/keys", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RevokeOperatorKey revokes an operator key. Requires admin role.
func (c *Client) RevokeOperatorKey(ctx context.Context, id uuid.UUID) error {
	return c.doDelete(ctx, "/api/keys/"+id.String(), nil)
}

// RotateOperatorKey atomically revokes a key and mints a replacement with
// the same identity and role. Requires admin role.
func (c *Client) RotateOperatorKey(ctx context.Context, id uuid.UUID) (*RotateKeyResponse, error) {
	var resp RotateKeyResponse
	if err := c.post(ctx, "/api/keys/"+id.String()+"/rotate", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Audit, statistics, and health
// ---------------------------------------------------------------------------

// AuditQuery filters QueryAudit. A server-scoped query needs audit access on
// that server; an unscoped query needs the admin role.
type AuditQuery struct {
	UserID    string
	ServerID  string
	Operation string
	From      time.Time
	To        time.Time
	Page      int
	Limit     int
}

// QueryAudit returns audit log entries, newest first.
func (c *Client) QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	params := url.Values{}
	if q.UserID != "" {
		params.Set("userId", q.UserID)
	}
	if q.ServerID != "" {
		params.Set("serverId", q.ServerID)
	}
	if q.Operation != "" {
		params.Set("operation", q.Operation)
	}
	if !q.From.IsZero() {
		params.Set("from", q.From.Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.Format(time.RFC3339))
	}
	addPage(params, q.Page, q.Limit)

	var resp []AuditEntry
	if err := c.get(ctx, withQuery("/api/audit", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Statistics returns hub-wide counters and gauges.
func (c *Client) Statistics(ctx context.Context) (*Statistics, error) {
	var resp Statistics
	if err := c.get(ctx, "/api/statistics", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the hub's health. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.getNoAuth(ctx, "/api/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

func addPage(params url.Values, page, limit int) {
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.postIdempotent(ctx, path, body, "", dest)
}

func (c *Client) postIdempotent(ctx context.Context, path string, body any, idempotencyKey string, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mochi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("mochi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mochi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("mochi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mochi: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mochi: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mochi: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mochi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mochi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mochi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("mochi: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
