package smpps

import (
	"fmt"

	"github.com/sendwave/smppd/pdu"
)

// ErrorKind names the internal reason a submit_sm or bind was rejected,
// independent of its SMPP wire encoding.
type ErrorKind int

const (
	// ErrAuthBadCredentials maps to ESME_RINVPASWD, for an unknown system_id
	// as well as for a wrong password.
	ErrAuthBadCredentials ErrorKind = iota
	// ErrBindOverQuota maps to ESME_RBINDFAIL.
	ErrBindOverQuota
	// ErrNotAuthorized maps to ESME_RINVSYSID; the session remains bound.
	ErrNotAuthorized
	// ErrFilterSrcMismatch maps to ESME_RINVSRCADR.
	ErrFilterSrcMismatch
	// ErrFilterDstMismatch maps to ESME_RINVDSTADR.
	ErrFilterDstMismatch
	// ErrFilterPrioMismatch maps to ESME_RINVPRTFLG.
	ErrFilterPrioMismatch
	// ErrFilterContentMismatch maps to ESME_RSYSERR. Preserved as-is for
	// bug-compatibility with the system this was distilled from; a
	// parameter-error status would fit better but isn't what's observed.
	ErrFilterContentMismatch
	// ErrIllegalState maps to ESME_RINVBNDSTS; the session is torn down.
	ErrIllegalState
)

var errorKindStatus = map[ErrorKind]pdu.Status{
	ErrAuthBadCredentials:    pdu.StatusInvPaswd,
	ErrBindOverQuota:         pdu.StatusBindFail,
	ErrNotAuthorized:         pdu.StatusInvSysID,
	ErrFilterSrcMismatch:     pdu.StatusInvSrcAdr,
	ErrFilterDstMismatch:     pdu.StatusInvDstAdr,
	ErrFilterPrioMismatch:    pdu.StatusInvPrtFlg,
	ErrFilterContentMismatch: pdu.StatusSysErr,
	ErrIllegalState:          pdu.StatusInvBnd,
}

// PolicyError is the result of a failed pipeline stage. It always carries
// the SMPP status the caller must reply with; it is never returned up the
// host process, only translated into a PDU response.
type PolicyError struct {
	Kind ErrorKind
	Msg  string
}

func (e PolicyError) Error() string {
	return fmt.Sprintf("smpps: %s (%s)", e.Msg, e.Status())
}

// Status returns the SMPP status code this error must be reported with.
func (e PolicyError) Status() pdu.Status {
	return errorKindStatus[e.Kind]
}

func newPolicyError(kind ErrorKind, msg string) PolicyError {
	return PolicyError{Kind: kind, Msg: msg}
}
