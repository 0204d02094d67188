package smpp_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/sendwave/smppd"
	"github.com/sendwave/smppd/pdu"
)

// TestSessionRejectsOversizedPDU verifies that a PDU declaring a length
// beyond SessionConf.MaxPDUSize is answered with generic_nack(ESME_RINVCMDLEN)
// and the connection is then closed, per the framing rule enforced in
// Session.serve.
func TestSessionRejectsOversizedPDU(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sess := smpp.NewSession(serverConn, smpp.SessionConf{MaxPDUSize: 32})
	defer sess.Close()

	var oversized [16]byte
	binary.BigEndian.PutUint32(oversized[0:4], 64)
	binary.BigEndian.PutUint32(oversized[4:8], uint32(pdu.EnquireLinkID))
	binary.BigEndian.PutUint32(oversized[8:12], 0)
	binary.BigEndian.PutUint32(oversized[12:16], 7)

	clientConn.SetDeadline(time.Now().Add(time.Second))
	if _, err := clientConn.Write(oversized[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	dec := pdu.NewDecoder(clientConn)
	h, _, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode nack: %v", err)
	}
	if h.CommandID() != pdu.GenericNackID {
		t.Errorf("CommandID() => %s, expected generic_nack", h.CommandID())
	}
	if h.Status() != pdu.StatusInvCmdLen {
		t.Errorf("Status() => %s, expected ESME_RINVCMDLEN", h.Status())
	}
	if h.Sequence() != 7 {
		t.Errorf("Sequence() => %d, expected 7", h.Sequence())
	}

	select {
	case <-sess.NotifyClosed():
	case <-time.After(time.Second):
		t.Error("session was not closed after rejecting oversized pdu")
	}
}
