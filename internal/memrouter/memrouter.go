// Package memrouter is an in-memory smpps.Router used by tests and the
// example binary. It is a reference/test double, not a production user
// store: nothing here persists across process restarts.
package memrouter

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sendwave/smppd/pdu"
	"github.com/sendwave/smppd/smpps"
)

// Account is the registration record for one user: the credentials plus
// the snapshot fields handed back verbatim from GetUser.
type Account struct {
	SystemID string
	Password string

	SMPPSCredential smpps.SMPPSCredential
	MTCredential    smpps.MTCredential
}

// Router is an in-memory implementation of smpps.Router keyed by
// system_id. UserID and SystemID are the same string in this reference
// implementation.
type Router struct {
	mu       sync.RWMutex
	accounts map[string]Account

	mu2     sync.Mutex
	submits []submitRecord
}

type submitRecord struct {
	userID string
	p      pdu.PDU
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		accounts: make(map[string]Account),
	}
}

// AddUser registers or replaces an account.
func (r *Router) AddUser(acct Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[acct.SystemID] = acct
}

// Authenticate compares the supplied password against the stored one in
// constant time, per the Router contract.
func (r *Router) Authenticate(ctx context.Context, systemID, password string) (string, error) {
	r.mu.RLock()
	acct, ok := r.accounts[systemID]
	r.mu.RUnlock()
	if !ok {
		// Still run a comparison so the timing looks the same as a miss on
		// an existing user, not a fast-out on map lookup. The actual
		// comparison result is ignored.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return "", fmt.Errorf("memrouter: unknown system_id %q", systemID)
	}
	if subtle.ConstantTimeCompare([]byte(acct.Password), []byte(password)) != 1 {
		return "", fmt.Errorf("memrouter: bad password for %q", systemID)
	}
	return acct.SystemID, nil
}

// GetUser returns the credential/filter snapshot for userID.
func (r *Router) GetUser(ctx context.Context, userID string) (smpps.UserSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[userID]
	if !ok {
		return smpps.UserSnapshot{}, fmt.Errorf("memrouter: unknown user %q", userID)
	}
	return smpps.UserSnapshot{
		UserID:          acct.SystemID,
		SystemID:        acct.SystemID,
		SMPPSCredential: acct.SMPPSCredential,
		MTCredential:    acct.MTCredential,
	}, nil
}

// SubmitFromSmpps records the accepted PDU and mints a message_id. A real
// Router would enqueue this to downstream MT routing; this reference
// implementation only remembers it for inspection in tests.
func (r *Router) SubmitFromSmpps(ctx context.Context, userID string, p pdu.PDU) (string, error) {
	r.mu2.Lock()
	r.submits = append(r.submits, submitRecord{userID: userID, p: p})
	r.mu2.Unlock()
	return uuid.NewString(), nil
}

// Submits returns the PDUs accepted so far for userID, in submission order.
func (r *Router) Submits(userID string) []pdu.PDU {
	r.mu2.Lock()
	defer r.mu2.Unlock()
	var out []pdu.PDU
	for _, rec := range r.submits {
		if rec.userID == userID {
			out = append(out, rec.p)
		}
	}
	return out
}
