// Package integrity provides tamper-evident hashing and Merkle tree construction
// for the audit log. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/mochi-link/mochi/internal/model"
)

// EntryHash produces a SHA-256 hex digest over the canonical fields of one
// audit entry. Each field is encoded as a 4-byte big-endian length prefix
// followed by the field bytes, which avoids delimiter collisions when
// freeform fields contain separator characters. Map-valued operation data is
// serialized with sorted keys so the digest is stable across encoders.
func EntryHash(e model.AuditEntry) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by HTTP request body limits (~1MB)
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	writeField(strconv.FormatInt(e.ID, 10))
	writeField(e.RequestID)
	writeField(deref(e.UserID))
	writeField(deref(e.ServerID))
	writeField(e.Operation)
	writeField(canonicalJSON(e.OperationData))
	writeField(string(e.Result))
	writeField(deref(e.ErrorMessage))
	writeField(e.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders a map with lexicographically sorted keys. Nested maps
// rely on encoding/json's own key sorting for map[string]any values.
func canonicalJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return string(buf)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves are taken in the order given; audit batches pass entries in id order.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	// Build tree bottom-up.
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node: hash with itself for structural binding to tree position.
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}

// BatchRoot hashes a contiguous batch of audit entries and chains it to the
// previous proof's root. The previous root is mixed in as the first leaf so
// removal or reordering of historical batches changes every later root.
func BatchRoot(entries []model.AuditEntry, previousRoot string) string {
	leaves := make([]string, 0, len(entries)+1)
	if previousRoot != "" {
		leaves = append(leaves, previousRoot)
	}
	for _, e := range entries {
		leaves = append(leaves, EntryHash(e))
	}
	return BuildMerkleRoot(leaves)
}
