package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/storage"
	"github.com/mochi-link/mochi/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func auditFor(op, serverID string) model.AuditEntry {
	user := "test-operator"
	sid := serverID
	return model.AuditEntry{
		RequestID: uuid.NewString(),
		UserID:    &user,
		ServerID:  &sid,
		Operation: op,
		Result:    model.AuditSuccess,
	}
}

func tokenFor(serverID string) model.APIToken {
	raw := uuid.NewString() + uuid.NewString()
	return model.APIToken{
		ID:        uuid.New(),
		ServerID:  serverID,
		Token:     raw,
		TokenHash: "hash-" + raw,
	}
}

// mustRegisterServer registers a server with its first token and owner grant.
func mustRegisterServer(t *testing.T, id string) (model.Server, model.APIToken) {
	t.Helper()

	srv := model.Server{
		ID:             id,
		Name:           "Server " + id,
		CoreType:       model.CoreJava,
		CoreName:       "paper",
		CoreVersion:    "1.21.4",
		ConnectionMode: model.ModePlugin,
		OwnerID:        "owner-" + id,
		Tags:           []string{"test"},
	}
	tok := tokenFor(id)

	created, err := testDB.CreateServerWithToken(context.Background(), srv, tok, auditFor("server_register", id))
	require.NoError(t, err)
	return created, tok
}

// ---------------------------------------------------------------------------
// Servers
// ---------------------------------------------------------------------------

func TestCreateServerWithToken_Atomic(t *testing.T) {
	ctx := context.Background()
	srv, tok := mustRegisterServer(t, "reg-atomic")

	assert.Equal(t, model.StatusOffline, srv.Status)
	assert.False(t, srv.CreatedAt.IsZero())

	got, err := testDB.GetServer(ctx, "reg-atomic")
	require.NoError(t, err)
	assert.Equal(t, srv.Name, got.Name)
	assert.Equal(t, []string{"test"}, got.Tags)

	// The first token and the owner grant land in the same transaction.
	stored, err := testDB.GetTokenForServer(ctx, "reg-atomic")
	require.NoError(t, err)
	assert.Equal(t, tok.TokenHash, stored.TokenHash)

	grant, err := testDB.GetACL(ctx, "owner-reg-atomic", "reg-atomic")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, grant.Role)

	entries, _, err := testDB.ListAudit(ctx, model.AuditFilter{ServerID: "reg-atomic", Operation: "server_register"}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreateServerWithToken_Duplicate(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "reg-dup")

	dup := model.Server{
		ID:             "reg-dup",
		Name:           "Second",
		CoreType:       model.CoreJava,
		CoreName:       "paper",
		ConnectionMode: model.ModePlugin,
		OwnerID:        "someone-else",
	}
	loserToken := tokenFor("reg-dup")
	_, err := testDB.CreateServerWithToken(ctx, dup, loserToken, auditFor("server_register", "reg-dup"))
	require.ErrorIs(t, err, storage.ErrDuplicateServer)

	got, err := testDB.GetServer(ctx, "reg-dup")
	require.NoError(t, err)
	assert.Equal(t, "Server reg-dup", got.Name, "existing registration untouched")

	// The loser's whole transaction rolled back, token included.
	_, err = testDB.GetTokenByHash(ctx, loserToken.TokenHash)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetServer_NotFound(t *testing.T) {
	_, err := testDB.GetServer(context.Background(), "no-such-server")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListServers_Filters(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "list-a")
	mustRegisterServer(t, "list-b")
	require.NoError(t, testDB.SetServerStatus(ctx, "list-b", model.StatusOnline))

	byOwner, total, err := testDB.ListServers(ctx, model.ServerFilter{OwnerID: "owner-list-a"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byOwner, 1)
	assert.Equal(t, "list-a", byOwner[0].ID)

	online, _, err := testDB.ListServers(ctx, model.ServerFilter{Status: model.StatusOnline, OwnerID: "owner-list-b"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "list-b", online[0].ID)
	assert.NotNil(t, online[0].LastSeen, "going online stamps last_seen")

	byTag, _, err := testDB.ListServers(ctx, model.ServerFilter{Tag: "test", OwnerID: "owner-list-a"}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, byTag, 1)
}

func TestUpdateServerWithAudit(t *testing.T) {
	ctx := context.Background()
	srv, _ := mustRegisterServer(t, "upd-1")

	srv.Name = "Renamed"
	srv.CoreVersion = "1.21.5"
	srv.Tags = []string{"prod"}
	updated, err := testDB.UpdateServerWithAudit(ctx, srv, auditFor("server_update", srv.ID))
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	got, err := testDB.GetServer(ctx, "upd-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, []string{"prod"}, got.Tags)
}

func TestDeleteServer_Cascades(t *testing.T) {
	ctx := context.Background()
	srv, _ := mustRegisterServer(t, "del-cascade")

	_, err := testDB.CreateBindingWithAudit(ctx, model.GroupBinding{
		GroupID:     "qq:777",
		ServerID:    srv.ID,
		BindingType: model.BindingChat,
		CreatedBy:   "test-operator",
	}, auditFor("binding_create", srv.ID))
	require.NoError(t, err)

	_, err = testDB.EnqueuePendingWithAudit(ctx, model.PendingOperation{
		ServerID:      srv.ID,
		OperationType: "command",
		Target:        "say hi",
	}, auditFor("command_queue", srv.ID))
	require.NoError(t, err)

	require.NoError(t, testDB.InsertMonitoringSamples(ctx, []model.MonitoringSample{
		{ServerID: srv.ID, PlayerCount: intp(3)},
	}))

	require.NoError(t, testDB.DeleteServerWithAudit(ctx, srv.ID, auditFor("server_delete", srv.ID)))

	_, err = testDB.GetServer(ctx, srv.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetTokenForServer(ctx, srv.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	grants, err := testDB.ListACLByServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Empty(t, grants)

	bindings, err := testDB.ListBindings(ctx, "", srv.ID)
	require.NoError(t, err)
	assert.Empty(t, bindings)

	ops, _, err := testDB.ListPendingByServer(ctx, srv.ID, nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)

	// Audit rows carry no FK and must survive the cascade.
	entries, _, err := testDB.ListAudit(ctx, model.AuditFilter{ServerID: srv.ID}, 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestResetOnlineServers(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "reset-1")
	require.NoError(t, testDB.SetServerStatus(ctx, "reset-1", model.StatusOnline))

	n, err := testDB.ResetOnlineServers(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := testDB.GetServer(ctx, "reset-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, got.Status)
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func TestRotateToken_RevokesPrevious(t *testing.T) {
	ctx := context.Background()
	_, first := mustRegisterServer(t, "tok-rotate")

	replacement := tokenFor("tok-rotate")
	rotated, err := testDB.RotateTokenWithAudit(ctx, replacement, auditFor("token_rotate", "tok-rotate"))
	require.NoError(t, err)
	assert.Equal(t, replacement.TokenHash, rotated.TokenHash)

	_, err = testDB.GetTokenByHash(ctx, first.TokenHash)
	require.ErrorIs(t, err, storage.ErrNotFound, "old token must stop resolving immediately")

	current, err := testDB.GetTokenForServer(ctx, "tok-rotate")
	require.NoError(t, err)
	assert.Equal(t, replacement.TokenHash, current.TokenHash)
}

func TestDeleteExpiredTokens(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "tok-expiry")

	past := time.Now().Add(-time.Hour).UTC()
	expired := tokenFor("tok-expiry")
	expired.ExpiresAt = &past
	_, err := testDB.CreateToken(ctx, expired)
	require.NoError(t, err)

	n, err := testDB.DeleteExpiredTokens(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, err = testDB.GetTokenByHash(ctx, expired.TokenHash)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTouchTokenUsed(t *testing.T) {
	ctx := context.Background()
	_, tok := mustRegisterServer(t, "tok-touch")

	require.NoError(t, testDB.TouchTokenUsed(ctx, tok.ID))

	got, err := testDB.GetTokenByHash(ctx, tok.TokenHash)
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsed)
}

// ---------------------------------------------------------------------------
// ACL
// ---------------------------------------------------------------------------

func TestACL_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "acl-upsert")

	grant := model.ServerACL{
		UserID:    "alice",
		ServerID:  "acl-upsert",
		Role:      model.RoleOperator,
		GrantedBy: "owner-acl-upsert",
	}
	require.NoError(t, testDB.UpsertACLWithAudit(ctx, grant, auditFor("acl_grant", "acl-upsert")))

	got, err := testDB.GetACL(ctx, "alice", "acl-upsert")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, got.Role)

	// Re-granting the same pair replaces, not duplicates.
	grant.Role = model.RoleAdmin
	grant.Permissions = []string{"command.execute"}
	require.NoError(t, testDB.UpsertACLWithAudit(ctx, grant, auditFor("acl_grant", "acl-upsert")))

	got, err = testDB.GetACL(ctx, "alice", "acl-upsert")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, got.Role)
	assert.Equal(t, []string{"command.execute"}, got.Permissions)

	grants, err := testDB.ListACLByServer(ctx, "acl-upsert")
	require.NoError(t, err)
	assert.Len(t, grants, 2, "owner grant plus alice")
}

func TestACL_ExpiredGrantsInvisible(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "acl-exp")

	past := time.Now().Add(-time.Minute).UTC()
	lapsed := model.ServerACL{
		UserID:    "bob",
		ServerID:  "acl-exp",
		Role:      model.RoleViewer,
		GrantedBy: "owner-acl-exp",
		ExpiresAt: &past,
	}
	require.NoError(t, testDB.UpsertACLWithAudit(ctx, lapsed, auditFor("acl_grant", "acl-exp")))

	_, err := testDB.GetACL(ctx, "bob", "acl-exp")
	require.ErrorIs(t, err, storage.ErrNotFound, "expired grants never reach callers")

	grants, err := testDB.ListACLByServer(ctx, "acl-exp")
	require.NoError(t, err)
	for _, g := range grants {
		assert.NotEqual(t, "bob", g.UserID)
	}

	n, err := testDB.DeleteExpiredACL(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestACL_DeleteNotFound(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "acl-del")

	grant := model.ServerACL{
		UserID:    "carol",
		ServerID:  "acl-del",
		Role:      model.RoleViewer,
		GrantedBy: "owner-acl-del",
	}
	require.NoError(t, testDB.UpsertACLWithAudit(ctx, grant, auditFor("acl_grant", "acl-del")))
	require.NoError(t, testDB.DeleteACLWithAudit(ctx, "carol", "acl-del", auditFor("acl_revoke", "acl-del")))

	err := testDB.DeleteACLWithAudit(ctx, "carol", "acl-del", auditFor("acl_revoke", "acl-del"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Audit log and proofs
// ---------------------------------------------------------------------------

func TestListAudit_FiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	user := "audit-user"
	sid := "audit-filter-srv"

	for i := 0; i < 3; i++ {
		e := model.AuditEntry{
			RequestID: fmt.Sprintf("audit-req-%d", i),
			UserID:    &user,
			ServerID:  &sid,
			Operation: "command_execute",
			Result:    model.AuditSuccess,
		}
		require.NoError(t, testDB.InsertAudit(ctx, e))
	}
	other := model.AuditEntry{UserID: &user, ServerID: &sid, Operation: "server_update", Result: model.AuditSuccess}
	require.NoError(t, testDB.InsertAudit(ctx, other))

	entries, total, err := testDB.ListAudit(ctx, model.AuditFilter{
		ServerID:  sid,
		Operation: "command_execute",
	}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i-1].ID, entries[i].ID, "newest first")
	}

	// Window filters by created_at.
	none, _, err := testDB.ListAudit(ctx, model.AuditFilter{
		ServerID: sid,
		To:       time.Now().Add(-time.Hour),
	}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAuditProofs_ChainAndPurge(t *testing.T) {
	ctx := context.Background()
	sid := "audit-proof-srv"
	user := "proof-user"

	for i := 0; i < 5; i++ {
		require.NoError(t, testDB.InsertAudit(ctx, model.AuditEntry{
			UserID: &user, ServerID: &sid, Operation: "proof_seed", Result: model.AuditSuccess,
		}))
	}

	maxID, err := testDB.MaxAuditID(ctx)
	require.NoError(t, err)
	require.Greater(t, maxID, int64(0))

	prev, err := testDB.GetLatestAuditProof(ctx)
	require.NoError(t, err)
	start := int64(1)
	prevRoot := ""
	if prev != nil {
		start = prev.BatchEnd + 1
		prevRoot = prev.RootHash
	}

	batch, err := testDB.GetAuditRange(ctx, start, maxID)
	require.NoError(t, err)
	require.NotEmpty(t, batch)
	for i := 1; i < len(batch); i++ {
		assert.Greater(t, batch[i].ID, batch[i-1].ID, "range reads ascending by id")
	}

	proof, err := testDB.CreateAuditProof(ctx, model.AuditProof{
		BatchStart:   start,
		BatchEnd:     maxID,
		EntryCount:   len(batch),
		RootHash:     "roothash-" + uuid.NewString(),
		PreviousRoot: prevRoot,
	})
	require.NoError(t, err)
	assert.NotZero(t, proof.ID)

	latest, err := testDB.GetLatestAuditProof(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, proof.RootHash, latest.RootHash)

	// A second proof over the same range must fail instead of forking.
	_, err = testDB.CreateAuditProof(ctx, model.AuditProof{
		BatchStart: start,
		BatchEnd:   maxID,
		EntryCount: len(batch),
		RootHash:   "roothash-dup",
	})
	require.Error(t, err)

	// Purge removes only entries at or behind the proof frontier.
	purged, err := testDB.PurgeAudit(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(5))

	require.NoError(t, testDB.InsertAudit(ctx, model.AuditEntry{
		UserID: &user, ServerID: &sid, Operation: "post_frontier", Result: model.AuditSuccess,
	}))
	again, err := testDB.PurgeAudit(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, again, "entries past the frontier survive any cutoff")
}

// ---------------------------------------------------------------------------
// Pending operations
// ---------------------------------------------------------------------------

func TestPendingQueue_ClaimOrderAndExclusivity(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "pend-claim")

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		op, err := testDB.EnqueuePendingWithAudit(ctx, model.PendingOperation{
			ServerID:      "pend-claim",
			OperationType: "command",
			Target:        fmt.Sprintf("say %d", i),
		}, auditFor("command_queue", "pend-claim"))
		require.NoError(t, err)
		assert.Equal(t, model.PendingQueued, op.Status)
		ids = append(ids, op.ID)
	}

	first, err := testDB.ClaimPendingBatch(ctx, "pend-claim", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[0], first[0].ID, "enqueue order")
	assert.Equal(t, ids[1], first[1].ID)
	assert.Equal(t, model.PendingRunning, first[0].Status)

	second, err := testDB.ClaimPendingBatch(ctx, "pend-claim", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1, "claimed rows are invisible to the next claim")
	assert.Equal(t, ids[2], second[0].ID)

	empty, err := testDB.ClaimPendingBatch(ctx, "pend-claim", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, testDB.MarkPendingDone(ctx, first[0].ID))
	require.NoError(t, testDB.MarkPendingFailed(ctx, first[1].ID, "server rejected"))

	done, err := testDB.GetPendingOperation(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingDone, done.Status)
	assert.NotNil(t, done.ExecutedAt)

	failed, err := testDB.GetPendingOperation(ctx, first[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "server rejected", *failed.ErrorMessage)

	// Requeue returns the still-running claim to the queue.
	require.NoError(t, testDB.RequeuePendingByIDs(ctx, []uuid.UUID{second[0].ID}))
	requeued, err := testDB.GetPendingOperation(ctx, second[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingQueued, requeued.Status)
}

func TestPending_StatusFilterAndDefault(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "pend-filter")

	op, err := testDB.EnqueuePendingWithAudit(ctx, model.PendingOperation{
		ServerID:      "pend-filter",
		OperationType: "whitelist_add",
		Target:        "alice",
	}, auditFor("whitelist_add", "pend-filter"))
	require.NoError(t, err)

	claimed, err := testDB.ClaimPendingBatch(ctx, "pend-filter", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, testDB.MarkPendingFailed(ctx, op.ID, "boom"))

	failedOnly, total, err := testDB.ListPendingByServer(ctx, "pend-filter",
		[]model.PendingStatus{model.PendingFailed}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, failedOnly, 1)
	assert.Equal(t, op.ID, failedOnly[0].ID)

	all, _, err := testDB.ListPendingByServer(ctx, "pend-filter", nil, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1, "nil statuses means no filter")
}

func TestPending_StaleLockRecovery(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "pend-stale")

	op, err := testDB.EnqueuePendingWithAudit(ctx, model.PendingOperation{
		ServerID:      "pend-stale",
		OperationType: "command",
		Target:        "stop",
	}, auditFor("command_queue", "pend-stale"))
	require.NoError(t, err)

	claimed, err := testDB.ClaimPendingBatch(ctx, "pend-stale", 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(50 * time.Millisecond)

	n, err := testDB.RequeueStalePending(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := testDB.GetPendingOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PendingQueued, got.Status)
}

func TestPending_DeleteOnlyQueued(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "pend-del")

	queued, err := testDB.EnqueuePendingWithAudit(ctx, model.PendingOperation{
		ServerID: "pend-del", OperationType: "ban", Target: "griefer",
	}, auditFor("ban_add", "pend-del"))
	require.NoError(t, err)

	running, err := testDB.EnqueuePendingWithAudit(ctx, model.PendingOperation{
		ServerID: "pend-del", OperationType: "unban", Target: "griefer",
	}, auditFor("ban_remove", "pend-del"))
	require.NoError(t, err)

	claimed, err := testDB.ClaimPendingBatch(ctx, "pend-del", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, queued.ID, claimed[0].ID)

	// Both ids requested; only the still-queued row may be deleted.
	n, err := testDB.DeletePendingByIDs(ctx, "pend-del", []uuid.UUID{queued.ID, running.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = testDB.GetPendingOperation(ctx, running.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetPendingOperation(ctx, queued.ID)
	require.NoError(t, err, "claimed row stays for its drain")
}

func TestPurgeFinishedPending(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "pend-purge")

	op, err := testDB.EnqueuePendingWithAudit(ctx, model.PendingOperation{
		ServerID: "pend-purge", OperationType: "command", Target: "noop",
	}, auditFor("command_queue", "pend-purge"))
	require.NoError(t, err)

	_, err = testDB.ClaimPendingBatch(ctx, "pend-purge", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, testDB.MarkPendingDone(ctx, op.ID))

	n, err := testDB.PurgeFinishedPending(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, err = testDB.GetPendingOperation(ctx, op.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Bindings
// ---------------------------------------------------------------------------

func TestBindings_CRUDAndNaturalKey(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "bind-crud")

	b, err := testDB.CreateBindingWithAudit(ctx, model.GroupBinding{
		GroupID:     "qq:1000",
		ServerID:    "bind-crud",
		BindingType: model.BindingChat,
		CreatedBy:   "test-operator",
		Config:      model.BindingConfig{Enabled: true, MessageFormat: "[{group}] {username}: {content}"},
	}, auditFor("binding_create", "bind-crud"))
	require.NoError(t, err)
	assert.Equal(t, model.BindingActive, b.Status)

	// Same triple again is a conflict.
	_, err = testDB.CreateBindingWithAudit(ctx, model.GroupBinding{
		GroupID:     "qq:1000",
		ServerID:    "bind-crud",
		BindingType: model.BindingChat,
		CreatedBy:   "test-operator",
	}, auditFor("binding_create", "bind-crud"))
	require.ErrorIs(t, err, storage.ErrDuplicateBinding)

	got, err := testDB.GetBinding(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Config.Enabled)
	assert.Equal(t, "[{group}] {username}: {content}", got.Config.MessageFormat)

	got.Config.Enabled = false
	got.Status = model.BindingInactive
	_, err = testDB.UpdateBindingWithAudit(ctx, got, auditFor("binding_update", "bind-crud"))
	require.NoError(t, err)

	listed, err := testDB.ListBindings(ctx, "qq:1000", "bind-crud")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, model.BindingInactive, listed[0].Status)
	assert.False(t, listed[0].Config.Enabled)

	err = testDB.DeleteBindingByTriple(ctx, "qq:1000", "bind-crud", model.BindingChat, auditFor("binding_delete", "bind-crud"))
	require.NoError(t, err)
	err = testDB.DeleteBindingByTriple(ctx, "qq:1000", "bind-crud", model.BindingChat, auditFor("binding_delete", "bind-crud"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBindings_ListOrderDeterministic(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "bind-order")

	types := []model.BindingType{model.BindingChat, model.BindingEvent, model.BindingCommand}
	for _, bt := range types {
		_, err := testDB.CreateBindingWithAudit(ctx, model.GroupBinding{
			GroupID:     "qq:2000",
			ServerID:    "bind-order",
			BindingType: bt,
			CreatedBy:   "test-operator",
		}, auditFor("binding_create", "bind-order"))
		require.NoError(t, err)
	}

	listed, err := testDB.ListBindings(ctx, "qq:2000", "")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i := 1; i < len(listed); i++ {
		assert.False(t, listed[i].CreatedAt.Before(listed[i-1].CreatedAt), "oldest first")
	}
}

// ---------------------------------------------------------------------------
// Player cache
// ---------------------------------------------------------------------------

func TestRecordSighting_MergeAndConflict(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "plr-a")
	mustRegisterServer(t, "plr-b")

	first, err := testDB.RecordSighting(ctx, model.PlayerSighting{
		UUID:     "11111111-aaaa-bbbb-cccc-000000000001",
		Name:     "Miner42",
		ServerID: "plr-a",
		IP:       "198.51.100.4",
		SeenAt:   time.Now().Add(-time.Minute).UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, first.IdentityConfidence)
	assert.False(t, first.IdentityConflict)

	// Same uuid seen elsewhere merges into the same entry.
	merged, err := testDB.RecordSighting(ctx, model.PlayerSighting{
		UUID:     "11111111-aaaa-bbbb-cccc-000000000001",
		Name:     "Miner42",
		ServerID: "plr-b",
		SeenAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, "plr-b", merged.LastServerID)

	// Same name with a contradicting uuid marks the identity conflicted.
	conflicted, err := testDB.RecordSighting(ctx, model.PlayerSighting{
		UUID:     "22222222-dddd-eeee-ffff-000000000002",
		Name:     "miner42",
		ServerID: "plr-a",
		SeenAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, conflicted.ID)
	assert.True(t, conflicted.IdentityConflict)
	assert.Equal(t, 0.5, conflicted.IdentityConfidence)
}

func TestLookupPlayer_IdentifierKinds(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "plr-lookup")

	_, err := testDB.RecordSighting(ctx, model.PlayerSighting{
		UUID:     "33333333-aaaa-bbbb-cccc-000000000003",
		XUID:     "2535400000000001",
		Name:     "CrossPlay",
		ServerID: "plr-lookup",
		SeenAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	byUUID, err := testDB.LookupPlayer(ctx, "33333333-aaaa-bbbb-cccc-000000000003")
	require.NoError(t, err)
	byXUID, err := testDB.LookupPlayer(ctx, "2535400000000001")
	require.NoError(t, err)
	byName, err := testDB.LookupPlayer(ctx, "crossplay")
	require.NoError(t, err)

	assert.Equal(t, byUUID.ID, byXUID.ID)
	assert.Equal(t, byUUID.ID, byName.ID)

	_, err = testDB.LookupPlayer(ctx, "nobody-here")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListPlayers_ConflictFilter(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "plr-filter")

	_, err := testDB.RecordSighting(ctx, model.PlayerSighting{
		UUID:     "44444444-aaaa-bbbb-cccc-000000000004",
		Name:     "CleanRecord",
		ServerID: "plr-filter",
		SeenAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	conflictTrue := true
	conflicted, _, err := testDB.ListPlayers(ctx, model.PlayerFilter{
		ServerID: "plr-filter",
		Conflict: &conflictTrue,
	}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, conflicted)

	byName, total, err := testDB.ListPlayers(ctx, model.PlayerFilter{Name: "cleanrecord"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byName, 1)
	assert.Equal(t, "CleanRecord", byName[0].Name)
}

// ---------------------------------------------------------------------------
// Operator keys
// ---------------------------------------------------------------------------

func TestOperatorKeys_LifecycleAndRotation(t *testing.T) {
	ctx := context.Background()

	key := model.OperatorKey{
		Prefix:     "opk1aaaa",
		KeyHash:    "argon2-hash-1",
		OperatorID: "ops-bot",
		Role:       model.RoleAdmin,
		Label:      "ci bot",
		CreatedBy:  "root",
	}
	created, err := testDB.CreateOperatorKeyWithAudit(ctx, key, auditFor("key_create", ""))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)

	byPrefix, err := testDB.GetOperatorKeyByPrefix(ctx, "opk1aaaa")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byPrefix.ID)

	replacement := model.OperatorKey{
		Prefix:     "opk1bbbb",
		KeyHash:    "argon2-hash-2",
		OperatorID: "ops-bot",
		Role:       model.RoleAdmin,
		Label:      "ci bot",
		CreatedBy:  "root",
	}
	rotated, err := testDB.RotateOperatorKeyWithAudit(ctx, created.ID, replacement, auditFor("key_rotate", ""))
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, rotated.ID)

	old, err := testDB.GetOperatorKeyByID(ctx, created.ID)
	require.NoError(t, err)
	assert.NotNil(t, old.RevokedAt)

	_, err = testDB.GetOperatorKeyByPrefix(ctx, "opk1aaaa")
	require.ErrorIs(t, err, storage.ErrNotFound, "revoked prefix stops resolving")

	// Rotating an already-revoked key fails.
	_, err = testDB.RotateOperatorKeyWithAudit(ctx, created.ID, replacement, auditFor("key_rotate", ""))
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.RevokeOperatorKeyWithAudit(ctx, rotated.ID, auditFor("key_revoke", "")))
	err = testDB.RevokeOperatorKeyWithAudit(ctx, rotated.ID, auditFor("key_revoke", ""))
	require.ErrorIs(t, err, storage.ErrNotFound)

	keys, total, err := testDB.ListOperatorKeys(ctx, 100, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 2)
	found := 0
	for _, k := range keys {
		if k.OperatorID == "ops-bot" {
			found++
			assert.NotNil(t, k.RevokedAt, "revoked keys stay listed")
		}
	}
	assert.Equal(t, 2, found)
}

func TestSeedAdminKey_Idempotent(t *testing.T) {
	ctx := context.Background()

	seed := model.OperatorKey{
		Prefix:     "seedpref",
		KeyHash:    "argon2-seed-hash",
		OperatorID: "bootstrap-admin",
		Role:       model.RoleAdmin,
		Label:      "bootstrap",
	}
	installed, err := testDB.SeedAdminKey(ctx, seed)
	require.NoError(t, err)
	assert.True(t, installed)

	seed.Prefix = "seedpre2"
	seed.KeyHash = "argon2-seed-hash-2"
	installed, err = testDB.SeedAdminKey(ctx, seed)
	require.NoError(t, err)
	assert.False(t, installed, "an active key for the operator blocks re-seeding")
}

// ---------------------------------------------------------------------------
// Monitoring history
// ---------------------------------------------------------------------------

func intp(v int) *int { return &v }

func floatp(v float64) *float64 { return &v }

func TestMonitoring_BatchLatestWindowPurge(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "mon-1")

	base := time.Now().Add(-10 * time.Minute).UTC()
	samples := []model.MonitoringSample{
		{ServerID: "mon-1", TPS: floatp(19.8), PlayerCount: intp(2), MaxPlayers: intp(20), CollectedAt: base},
		{ServerID: "mon-1", TPS: floatp(19.9), PlayerCount: intp(4), MaxPlayers: intp(20), CollectedAt: base.Add(time.Minute)},
		{ServerID: "mon-1", TPS: floatp(20.0), PlayerCount: intp(6), MaxPlayers: intp(20), CollectedAt: base.Add(2 * time.Minute)},
	}
	require.NoError(t, testDB.InsertMonitoringSamples(ctx, samples))

	latest, err := testDB.LatestMonitoringSample(ctx, "mon-1")
	require.NoError(t, err)
	require.NotNil(t, latest.PlayerCount)
	assert.Equal(t, 6, *latest.PlayerCount)
	require.NotNil(t, latest.TPS)
	assert.Equal(t, 20.0, *latest.TPS)

	window, err := testDB.MonitoringWindow(ctx, "mon-1", base.Add(-time.Second), base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, window.Samples, 2)
	assert.True(t, window.Samples[0].CollectedAt.Before(window.Samples[1].CollectedAt), "oldest first")

	require.NoError(t, testDB.SetServerStatus(ctx, "mon-1", model.StatusOnline))
	online, err := testDB.OnlinePlayerTotal(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, online, 6)
	require.NoError(t, testDB.SetServerStatus(ctx, "mon-1", model.StatusOffline))

	purged, err := testDB.PurgeMonitoring(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(2))

	latest, err = testDB.LatestMonitoringSample(ctx, "mon-1")
	require.NoError(t, err)
	require.NotNil(t, latest.PlayerCount)
	assert.Equal(t, 6, *latest.PlayerCount, "newest sample survives the purge")
}

func TestLatestMonitoringSample_NotFound(t *testing.T) {
	ctx := context.Background()
	mustRegisterServer(t, "mon-empty")

	_, err := testDB.LatestMonitoringSample(ctx, "mon-empty")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// Ensures errors.Is works through the wrapped sentinel chain the way every
// caller in the service layer relies on.
func TestSentinelWrapping(t *testing.T) {
	_, err := testDB.GetServer(context.Background(), "wrapped-sentinel-check")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.Contains(t, err.Error(), "wrapped-sentinel-check")
}
