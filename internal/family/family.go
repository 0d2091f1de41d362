// Package family implements the shared membership and history data model
// for one replicated unit: the deterministic address ordering used by
// election, the append-only operation history replayed onto backups, and
// the plain membership record (family_id, primary, backups) that peers
// and the router both read and write.
package family

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Member is a peer address, e.g. "10.0.0.4:7100". Addresses are compared
// under the deterministic ordering rule in OrderKey, never lexically.
type Member = string

// Verb identifies a client operation. Read-only verbs (Read, Exists) are
// never appended to History; the four mutating verbs are.
type Verb string

const (
	Read   Verb = "read"
	Write  Verb = "write"
	Delete Verb = "delete"
	Copy   Verb = "copy"
	Rename Verb = "rename"
	Exists Verb = "exists"
)

// IsMutating reports whether the verb is recorded in History and fanned
// out to backups. Read and Exists bypass fan-out entirely.
func (v Verb) IsMutating() bool {
	switch v {
	case Write, Delete, Copy, Rename:
		return true
	default:
		return false
	}
}

// OperationRecord is one accepted mutating operation: (verb, arg1, arg2?).
// Data carries the payload for Write; Arg2 carries the destination of
// Copy/Rename and is empty otherwise.
type OperationRecord struct {
	Verb Verb   `json:"verb"`
	Arg1 string `json:"arg1"`
	Arg2 string `json:"arg2,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Membership is the registration payload a router or family leader sends
// a peer: (family_id, current primary, current ordered backup list). It
// doubles as the on-disk shape of the two membership records each peer
// persists (current primary address and current ordered backup list),
// stored together here for simplicity.
type Membership struct {
	FamilyID int      `json:"family_id"`
	Primary  Member   `json:"primary"`
	Backups  []Member `json:"backups"`
}

// Candidates returns {primary} ∪ backups, primary first, with no
// ordering implied by position — callers sort with SortDescending.
func (m Membership) Candidates() []Member {
	out := make([]Member, 0, 1+len(m.Backups))
	if m.Primary != "" {
		out = append(out, m.Primary)
	}
	out = append(out, m.Backups...)
	return out
}

// OrderKey computes the deterministic ordering key for an address:
// strip every non-alphanumeric separator, parse the remainder as an
// integer, and order candidates by that value descending. Addresses that
// contain no digits at all key to 0, so they always sort last; this is
// acceptable because the rule only needs to be cheap and identical on
// every peer, not meaningful as a number.
func OrderKey(addr string) int64 {
	var b strings.Builder
	for _, r := range addr {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, b.String())
	if digits == "" {
		return 0
	}
	// A long digit run (e.g. an IPv4 address concatenated with a port)
	// can overflow int64; truncate from the left like the source's
	// integer-parse-on-a-bounded-width approach would.
	if len(digits) > 18 {
		digits = digits[len(digits)-18:]
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// SortDescending returns a copy of members sorted by OrderKey descending,
// the order election candidates are walked in. Ties
// (equal keys) fall back to a lexical comparison so the order stays a
// total order and every peer computes an identical walk.
func SortDescending(members []Member) []Member {
	out := make([]Member, len(members))
	copy(out, members)
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := OrderKey(out[i]), OrderKey(out[j])
		if ki != kj {
			return ki > kj
		}
		return out[i] > out[j]
	})
	return out
}

// History is the append-only, mutex-guarded log of mutating operations a
// family's current primary lineage has accepted. The primary appends on
// accept; replay to a newly onboarded or replaced backup
// iterates a Records() snapshot and re-applies each one in order.
type History struct {
	mu      sync.Mutex
	records []OperationRecord
}

// NewHistory returns an empty history log.
func NewHistory() *History {
	return &History{}
}

// Append adds a record to the end of the log.
func (h *History) Append(rec OperationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
}

// Records returns a snapshot copy of the log so replay and fan-out never
// race a concurrent Append.
func (h *History) Records() []OperationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]OperationRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Len returns the current record count.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
