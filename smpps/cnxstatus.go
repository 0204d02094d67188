package smpps

import (
	"sync"
	"time"
)

// BindType distinguishes the three SMPP bind flavors a session can hold.
type BindType int

// Bind type set, mirroring spec's bind_type ∈ {TX, RX, TRX}.
const (
	BindNone BindType = iota
	BindTx
	BindRx
	BindTRx
)

func (bt BindType) String() string {
	switch bt {
	case BindTx:
		return "TX"
	case BindRx:
		return "RX"
	case BindTRx:
		return "TRX"
	default:
		return "NONE"
	}
}

// CnxStatus is the per-user connection-status record: bind/unbind counts,
// bound connections by bind type, last activity timestamp and submit
// counter. All fields are mutated only while the owning statusTable entry's
// mutex is held.
type CnxStatus struct {
	BindCount             uint64
	UnbindCount           uint64
	BoundConnectionsCount map[BindType]int
	LastActivityAt        time.Time
	SubmitSmRequestCount  uint64
}

func newCnxStatus() *CnxStatus {
	return &CnxStatus{
		BoundConnectionsCount: make(map[BindType]int),
	}
}

// Snapshot returns a copy of the status safe to hand to a caller outside
// the statusTable's lock.
func (cs *CnxStatus) Snapshot() CnxStatus {
	out := CnxStatus{
		BindCount:            cs.BindCount,
		UnbindCount:          cs.UnbindCount,
		LastActivityAt:       cs.LastActivityAt,
		SubmitSmRequestCount: cs.SubmitSmRequestCount,
	}
	out.BoundConnectionsCount = make(map[BindType]int, len(cs.BoundConnectionsCount))
	for k, v := range cs.BoundConnectionsCount {
		out.BoundConnectionsCount[k] = v
	}
	return out
}

type statusEntry struct {
	mu     sync.Mutex
	status *CnxStatus
}

// statusTable serializes CnxStatus mutations per user, as required by the
// concurrency model: a shared per-user mutex stands in for a single-writer
// task per user.
type statusTable struct {
	mu      sync.Mutex
	entries map[string]*statusEntry
}

func newStatusTable() *statusTable {
	return &statusTable{
		entries: make(map[string]*statusEntry),
	}
}

func (t *statusTable) entry(userID string) *statusEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userID]
	if !ok {
		e = &statusEntry{status: newCnxStatus()}
		t.entries[userID] = e
	}
	return e
}

// Get returns a point-in-time copy of userID's CnxStatus.
func (t *statusTable) Get(userID string) CnxStatus {
	e := t.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.Snapshot()
}

// withLock runs fn with userID's status locked, for the duration of a
// single bookkeeping update.
func (t *statusTable) withLock(userID string, fn func(*CnxStatus)) {
	e := t.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.status)
}

func (t *statusTable) onBind(userID string, bindType BindType) {
	t.withLock(userID, func(cs *CnxStatus) {
		cs.BindCount++
		cs.BoundConnectionsCount[bindType]++
		cs.LastActivityAt = time.Now()
	})
}

func (t *statusTable) onUnbind(userID string, bindType BindType) {
	t.withLock(userID, func(cs *CnxStatus) {
		cs.UnbindCount++
		if cs.BoundConnectionsCount[bindType] > 0 {
			cs.BoundConnectionsCount[bindType]--
		}
		cs.LastActivityAt = time.Now()
	})
}

func (t *statusTable) touch(userID string) {
	t.withLock(userID, func(cs *CnxStatus) {
		cs.LastActivityAt = time.Now()
	})
}

func (t *statusTable) onSubmitSm(userID string) {
	t.withLock(userID, func(cs *CnxStatus) {
		cs.SubmitSmRequestCount++
	})
}
