// Package smpps implements the server-side SMPP SMSC: bind registry,
// auth/authorization/filter pipeline on submit_sm, per-user connection
// status, and timers, composed on top of the smpp package's session
// engine and PDU codec.
package smpps

import (
	"context"
	"regexp"

	"github.com/sendwave/smppd/pdu"
)

// Router is the external user/group store and routing engine. smppd never
// persists users itself; it only ever asks its Router for a snapshot.
type Router interface {
	// Authenticate checks a bind's credentials and returns the user_id they
	// map to. Implementations must compare passwords in constant time.
	Authenticate(ctx context.Context, systemID, password string) (userID string, err error)
	// GetUser returns the credential/filter snapshot for userID, used for
	// the duration of a single submit_sm evaluation.
	GetUser(ctx context.Context, userID string) (UserSnapshot, error)
	// SubmitFromSmpps hands an accepted submit_sm to the downstream sink.
	// It always returns a message_id, even on internal failure; the actual
	// delivery outcome is carried later by a DLR.
	SubmitFromSmpps(ctx context.Context, userID string, p pdu.PDU) (messageID string, err error)
}

// SMPPSCredential authorizes a user to bind at all and bounds how many
// simultaneous bindings it may hold.
type SMPPSCredential struct {
	CanBind     bool
	MaxBindings int
}

// MTCredential authorizes what a bound user may do on submit_sm and
// carries the value filters applied to it.
type MTCredential struct {
	CanSmppsSend        bool
	CanSetDLRLevel      bool
	CanSetSourceAddress bool
	CanSetPriority      bool

	DefaultSourceAddress string

	SourceAddressFilter      *regexp.Regexp
	DestinationAddressFilter *regexp.Regexp
	PriorityFilter           *regexp.Regexp
	ContentFilter            *regexp.Regexp
}

// UserSnapshot is the read-copy of a user's credentials and policy used to
// evaluate exactly one submit_sm. Edits observed by the Router between
// PDUs are acceptable; the snapshot itself is never mutated in place.
type UserSnapshot struct {
	UserID   string
	SystemID string

	SMPPSCredential SMPPSCredential
	MTCredential    MTCredential
}
