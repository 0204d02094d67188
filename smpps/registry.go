package smpps

import (
	"fmt"
	"sync"
)

// bindEntry tracks a single user's bound sessions and the round-robin
// cursor used to pick among them for server→client delivery.
type bindEntry struct {
	sessions []*session
	cursor   int
}

// BindRegistry is the process-wide table user_id → set of bound sessions.
// A session appears in at most one user's set; quota checks and inserts
// are atomic with each other so a bind can never race past max_bindings.
type BindRegistry struct {
	mu     sync.Mutex
	byUser map[string]*bindEntry
	bySess map[*session]string
}

// NewBindRegistry creates an empty bind registry.
func NewBindRegistry() *BindRegistry {
	return &BindRegistry{
		byUser: make(map[string]*bindEntry),
		bySess: make(map[*session]string),
	}
}

// Count returns the number of sessions currently bound for userID.
func (r *BindRegistry) Count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	if !ok {
		return 0
	}
	return len(e.sessions)
}

// TryBind atomically checks userID's current bind count against maxBindings
// and, if under quota, registers sess. Returns false if over quota.
func (r *BindRegistry) TryBind(userID string, sess *session, maxBindings int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	if !ok {
		e = &bindEntry{}
		r.byUser[userID] = e
	}
	if len(e.sessions) >= maxBindings {
		return false
	}
	e.sessions = append(e.sessions, sess)
	r.bySess[sess] = userID
	return true
}

// Unbind removes sess from the registry. Idempotent: unbinding a session
// not present is a no-op.
func (r *BindRegistry) Unbind(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.bySess[sess]
	if !ok {
		return
	}
	delete(r.bySess, sess)
	e, ok := r.byUser[userID]
	if !ok {
		return
	}
	for i, s := range e.sessions {
		if s == sess {
			e.sessions = append(e.sessions[:i], e.sessions[i+1:]...)
			break
		}
	}
	if e.cursor >= len(e.sessions) {
		e.cursor = 0
	}
}

// ErrNoBoundReceiver is returned by Pick when userID has no session
// eligible to receive server-originated deliveries.
var ErrNoBoundReceiver = fmt.Errorf("smpps: no bound receiver")

// Pick selects the next eligible (RX or TRX) session for userID using a
// round-robin cursor, per spec's documented tie-break default.
func (r *BindRegistry) Pick(userID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	if !ok || len(e.sessions) == 0 {
		return nil, ErrNoBoundReceiver
	}
	n := len(e.sessions)
	for i := 0; i < n; i++ {
		idx := (e.cursor + i) % n
		s := e.sessions[idx]
		if s.bindType() == BindRx || s.bindType() == BindTRx {
			e.cursor = (idx + 1) % n
			return s, nil
		}
	}
	return nil, ErrNoBoundReceiver
}
