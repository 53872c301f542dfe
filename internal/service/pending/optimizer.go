package pending

import (
	"reflect"

	"github.com/google/uuid"

	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
)

// annulPartner maps each operation type to the type that cancels it out on
// the same target. Operations absent from this map never annul.
var annulPartner = map[string]string{
	protocol.OpWhitelistAdd:    protocol.OpWhitelistRemove,
	protocol.OpWhitelistRemove: protocol.OpWhitelistAdd,
	protocol.OpBanAdd:          protocol.OpBanRemove,
	protocol.OpBanRemove:       protocol.OpBanAdd,
}

// orderSensitive marks operation types that must drain exactly as enqueued:
// never collapsed, never annulled. Arbitrary commands can depend on each
// other, so the optimizer leaves them alone.
var orderSensitive = map[string]bool{
	protocol.OpCommandExecute: true,
}

// Cancellations computes which queued operations can be removed without
// changing the state the server converges to. queue must be in enqueue order
// and contain only status=pending rows. Two rules apply:
//
//  1. Adjacent duplicates (same type, target, and parameters, with no
//     intervening operation on the same target) collapse to the first.
//  2. An add and a later remove of the same target (or the reverse) annul
//     each other and both leave the queue.
//
// Relative order of everything kept is preserved; the optimizer only ever
// deletes rows, never reorders them.
func Cancellations(queue []model.PendingOperation) []uuid.UUID {
	var cancel []uuid.UUID
	cancelled := make(map[uuid.UUID]bool)

	// Rule 1: collapse duplicate runs per (type, target).
	var lastOnTarget = make(map[string]*model.PendingOperation)
	for i := range queue {
		op := &queue[i]
		if orderSensitive[op.OperationType] {
			continue
		}
		key := op.Target
		prev := lastOnTarget[key]
		if prev != nil && prev.OperationType == op.OperationType && equalParams(prev.Parameters, op.Parameters) {
			cancel = append(cancel, op.ID)
			cancelled[op.ID] = true
			continue // prev stays the run head for further duplicates
		}
		lastOnTarget[key] = op
	}

	// Rule 2: annul opposite pairs on the same target, earliest-first.
	unmatched := make(map[string][]*model.PendingOperation) // key: type+target
	for i := range queue {
		op := &queue[i]
		if cancelled[op.ID] {
			continue
		}
		partner, ok := annulPartner[op.OperationType]
		if !ok {
			continue
		}
		partnerKey := partner + "\x00" + op.Target
		if list := unmatched[partnerKey]; len(list) > 0 {
			other := list[0]
			unmatched[partnerKey] = list[1:]
			cancel = append(cancel, other.ID, op.ID)
			cancelled[other.ID] = true
			cancelled[op.ID] = true
			continue
		}
		selfKey := op.OperationType + "\x00" + op.Target
		unmatched[selfKey] = append(unmatched[selfKey], op)
	}

	return cancel
}

func equalParams(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
