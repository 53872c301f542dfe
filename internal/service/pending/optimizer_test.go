package pending

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
)

func op(t *testing.T, opType, target string, params map[string]any) model.PendingOperation {
	t.Helper()
	return model.PendingOperation{
		ID:            uuid.New(),
		ServerID:      "lobby-1",
		OperationType: opType,
		Target:        target,
		Parameters:    params,
		Status:        model.PendingQueued,
		CreatedAt:     time.Now().UTC(),
	}
}

func cancelledSet(queue []model.PendingOperation) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool)
	for _, id := range Cancellations(queue) {
		out[id] = true
	}
	return out
}

func TestCancellationsAddRemovePairAnnuls(t *testing.T) {
	add := op(t, protocol.OpWhitelistAdd, "Steve", nil)
	remove := op(t, protocol.OpWhitelistRemove, "Steve", nil)

	cancelled := cancelledSet([]model.PendingOperation{add, remove})

	assert.True(t, cancelled[add.ID])
	assert.True(t, cancelled[remove.ID])
}

func TestCancellationsRemoveAddPairAnnuls(t *testing.T) {
	remove := op(t, protocol.OpBanRemove, "Griefer", nil)
	add := op(t, protocol.OpBanAdd, "Griefer", nil)

	cancelled := cancelledSet([]model.PendingOperation{remove, add})

	assert.Len(t, cancelled, 2)
}

func TestCancellationsDifferentTargetsKept(t *testing.T) {
	a := op(t, protocol.OpWhitelistAdd, "Steve", nil)
	b := op(t, protocol.OpWhitelistRemove, "Alex", nil)

	assert.Empty(t, Cancellations([]model.PendingOperation{a, b}))
}

func TestCancellationsConsecutiveDuplicatesCollapse(t *testing.T) {
	a := op(t, protocol.OpWhitelistAdd, "Steve", nil)
	b := op(t, protocol.OpWhitelistAdd, "Steve", nil)
	c := op(t, protocol.OpWhitelistAdd, "Steve", nil)

	cancelled := cancelledSet([]model.PendingOperation{a, b, c})

	assert.False(t, cancelled[a.ID], "run head survives")
	assert.True(t, cancelled[b.ID])
	assert.True(t, cancelled[c.ID])
}

func TestCancellationsDuplicateRunThenRemoveEmptiesQueue(t *testing.T) {
	a := op(t, protocol.OpWhitelistAdd, "Steve", nil)
	b := op(t, protocol.OpWhitelistAdd, "Steve", nil)
	c := op(t, protocol.OpWhitelistRemove, "Steve", nil)

	cancelled := cancelledSet([]model.PendingOperation{a, b, c})

	assert.Len(t, cancelled, 3, "duplicate collapses, then the pair annuls")
}

func TestCancellationsInterveningOpBreaksRun(t *testing.T) {
	a := op(t, protocol.OpWhitelistAdd, "Steve", nil)
	kick := op(t, protocol.OpPlayerKick, "Steve", map[string]any{"reason": "afk"})
	b := op(t, protocol.OpWhitelistAdd, "Steve", nil)

	// The kick on the same target interrupts the run, so the second add is
	// not a consecutive duplicate; nothing is removed.
	assert.Empty(t, Cancellations([]model.PendingOperation{a, kick, b}))
}

func TestCancellationsAddRemoveAddKeepsFinalAdd(t *testing.T) {
	a1 := op(t, protocol.OpWhitelistAdd, "Steve", nil)
	r := op(t, protocol.OpWhitelistRemove, "Steve", nil)
	a2 := op(t, protocol.OpWhitelistAdd, "Steve", nil)

	cancelled := cancelledSet([]model.PendingOperation{a1, r, a2})

	assert.True(t, cancelled[a1.ID])
	assert.True(t, cancelled[r.ID])
	assert.False(t, cancelled[a2.ID], "the final add is the surviving intent")
}

func TestCancellationsCommandsNeverTouched(t *testing.T) {
	c1 := op(t, protocol.OpCommandExecute, "say hello", nil)
	c2 := op(t, protocol.OpCommandExecute, "say hello", nil)
	c3 := op(t, protocol.OpCommandExecute, "say hello", nil)

	assert.Empty(t, Cancellations([]model.PendingOperation{c1, c2, c3}),
		"identical commands are still distinct executions")
}

func TestCancellationsKicksWithDifferentReasonsKept(t *testing.T) {
	k1 := op(t, protocol.OpPlayerKick, "Steve", map[string]any{"reason": "afk"})
	k2 := op(t, protocol.OpPlayerKick, "Steve", map[string]any{"reason": "spam"})

	assert.Empty(t, Cancellations([]model.PendingOperation{k1, k2}))
}

func TestCancellationsKicksWithSameReasonCollapse(t *testing.T) {
	k1 := op(t, protocol.OpPlayerKick, "Steve", map[string]any{"reason": "afk"})
	k2 := op(t, protocol.OpPlayerKick, "Steve", map[string]any{"reason": "afk"})

	cancelled := cancelledSet([]model.PendingOperation{k1, k2})

	require.Len(t, cancelled, 1)
	assert.True(t, cancelled[k2.ID])
}

func TestCancellationsDuplicateCollapsesBeforePairing(t *testing.T) {
	a1 := op(t, protocol.OpWhitelistAdd, "Steve", nil)
	kick := op(t, protocol.OpPlayerKick, "Alex", nil)
	r1 := op(t, protocol.OpWhitelistRemove, "Steve", nil)
	r2 := op(t, protocol.OpWhitelistRemove, "Steve", nil)

	cancelled := cancelledSet([]model.PendingOperation{a1, kick, r1, r2})

	// r2 collapses as a duplicate of r1, then a1 and r1 annul. Only the
	// unrelated kick survives.
	assert.True(t, cancelled[a1.ID])
	assert.True(t, cancelled[r1.ID])
	assert.True(t, cancelled[r2.ID])
	assert.False(t, cancelled[kick.ID])
}

func TestCancellationsPairingIsEarliestFirst(t *testing.T) {
	r1 := op(t, protocol.OpWhitelistRemove, "Steve", nil)
	a1 := op(t, protocol.OpWhitelistAdd, "Steve", nil)
	r2 := op(t, protocol.OpWhitelistRemove, "Steve", nil)

	cancelled := cancelledSet([]model.PendingOperation{r1, a1, r2})

	assert.True(t, cancelled[r1.ID])
	assert.True(t, cancelled[a1.ID], "the add pairs with the earliest remove")
	assert.False(t, cancelled[r2.ID], "the later remove has no partner left")
}

func TestCancellationsEmptyQueue(t *testing.T) {
	assert.Empty(t, Cancellations(nil))
	assert.Empty(t, Cancellations([]model.PendingOperation{}))
}
