package smpps_test

import (
	"context"
	"net"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sendwave/smppd"
	"github.com/sendwave/smppd/internal/memrouter"
	"github.com/sendwave/smppd/pdu"
	"github.com/sendwave/smppd/smpps"
)

// testClient wraps the client side of a session with a handler that
// auto-responds to whatever the server sends unsolicited (enquire_link,
// deliver_sm, unbind) and records what it saw.
type testClient struct {
	mu       sync.Mutex
	received []pdu.PDU
	gotOne   chan struct{}
}

func newTestClient() *testClient {
	return &testClient{gotOne: make(chan struct{}, 16)}
}

func (tc *testClient) record(p pdu.PDU) {
	tc.mu.Lock()
	tc.received = append(tc.received, p)
	tc.mu.Unlock()
	select {
	case tc.gotOne <- struct{}{}:
	default:
	}
}

func (tc *testClient) Received() []pdu.PDU {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]pdu.PDU, len(tc.received))
	copy(out, tc.received)
	return out
}

func (tc *testClient) handle(ctx *smpp.Context) {
	switch ctx.CommandID() {
	case pdu.DeliverSmID:
		p, err := ctx.DeliverSm()
		if err != nil {
			return
		}
		tc.record(p)
		ctx.Respond(p.Response(""), pdu.StatusOK)
	case pdu.EnquireLinkID:
		el, err := ctx.EnquireLink()
		if err != nil {
			return
		}
		ctx.Respond(el.Response(), pdu.StatusOK)
	case pdu.UnbindID:
		ub, err := ctx.Unbind()
		if err != nil {
			return
		}
		ctx.Respond(ub.Response(), pdu.StatusOK)
		ctx.CloseSession()
	default:
		ctx.Respond(&pdu.GenericNack{}, pdu.StatusInvCmdID)
	}
}

// startServer starts srv listening on an ephemeral local port and returns
// its address plus a cleanup func.
func startServer(t *testing.T, srv *smpps.Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().String()
}

func testConfig(addr string) smpps.Config {
	return smpps.Config{
		ID:              "smppd-test",
		Addr:            addr,
		ResponseTimeout: 2 * time.Second,
		MaxPDUSize:      4096,
	}
}

func newAccount(systemID, password string, maxBindings int) memrouter.Account {
	return memrouter.Account{
		SystemID: systemID,
		Password: password,
		SMPPSCredential: smpps.SMPPSCredential{
			CanBind:     true,
			MaxBindings: maxBindings,
		},
		MTCredential: smpps.MTCredential{
			CanSmppsSend:        true,
			CanSetSourceAddress: true,
		},
	}
}

func bindClient(t *testing.T, addr, systemID, password string, bindFn func(smpp.SessionConf, smpp.BindConf) (*smpp.Session, error), tc *testClient) (*smpp.Session, error) {
	t.Helper()
	sc := smpp.SessionConf{
		Type:          smpp.ESME,
		WindowTimeout: 2 * time.Second,
	}
	if tc != nil {
		sc.Handler = smpp.HandlerFunc(tc.handle)
	}
	bc := smpp.BindConf{Addr: addr, SystemID: systemID, Password: password}
	return bindFn(sc, bc)
}

func TestBindSuccessPaths(t *testing.T) {
	router := memrouter.New()
	router.AddUser(newAccount("u1", "foo", 5))
	srv := smpps.NewServer(router, testConfig(""), nil, nil)
	addr := startServer(t, srv)

	txSess, err := bindClient(t, addr, "u1", "foo", smpp.BindTx, nil)
	require.NoError(t, err)
	defer txSess.Close()

	rxSess, err := bindClient(t, addr, "u1", "foo", smpp.BindRx, newTestClient())
	require.NoError(t, err)
	defer rxSess.Close()

	trxSess, err := bindClient(t, addr, "u1", "foo", smpp.BindTRx, newTestClient())
	require.NoError(t, err)
	defer trxSess.Close()

	require.Eventually(t, func() bool {
		st := srv.Status("u1")
		return st.BindCount == 3 &&
			st.BoundConnectionsCount[smpps.BindTx] == 1 &&
			st.BoundConnectionsCount[smpps.BindRx] == 1 &&
			st.BoundConnectionsCount[smpps.BindTRx] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBindBadCredentials(t *testing.T) {
	router := memrouter.New()
	router.AddUser(newAccount("u1", "foo", 5))
	srv := smpps.NewServer(router, testConfig(""), nil, nil)
	addr := startServer(t, srv)

	_, err := bindClient(t, addr, "u1", "wrong", smpp.BindTx, nil)
	require.Error(t, err)
	statusErr, ok := err.(smpp.StatusError)
	require.True(t, ok, "expected smpp.StatusError, got %T", err)
	require.Equal(t, pdu.StatusInvPaswd, statusErr.Status())
}

func TestBindOverQuota(t *testing.T) {
	router := memrouter.New()
	router.AddUser(newAccount("u1", "foo", 1))
	srv := smpps.NewServer(router, testConfig(""), nil, nil)
	addr := startServer(t, srv)

	first, err := bindClient(t, addr, "u1", "foo", smpp.BindTx, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = bindClient(t, addr, "u1", "foo", smpp.BindTx, nil)
	require.Error(t, err)
	statusErr, ok := err.(smpp.StatusError)
	require.True(t, ok, "expected smpp.StatusError, got %T", err)
	require.Equal(t, pdu.StatusBindFail, statusErr.Status())
}

func TestSubmitSmFromRxSessionTearsDownSession(t *testing.T) {
	router := memrouter.New()
	router.AddUser(newAccount("u1", "foo", 5))
	srv := smpps.NewServer(router, testConfig(""), nil, nil)
	addr := startServer(t, srv)

	rxSess, err := bindClient(t, addr, "u1", "foo", smpp.BindRx, newTestClient())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = rxSess.Send(ctx, &pdu.SubmitSm{SourceAddr: "1", DestinationAddr: "2", ShortMessage: "hi"})
	require.Error(t, err)

	select {
	case <-rxSess.NotifyClosed():
	case <-time.After(time.Second):
		t.Fatal("expected session to be closed after submit_sm on a BOUND_RX session")
	}

	st := srv.Status("u1")
	require.Equal(t, uint64(1), st.UnbindCount)
	require.Equal(t, 0, st.BoundConnectionsCount[smpps.BindRx])
}

func TestSubmitSmAcceptedAndRouted(t *testing.T) {
	router := memrouter.New()
	router.AddUser(newAccount("u1", "foo", 5))
	srv := smpps.NewServer(router, testConfig(""), nil, nil)
	addr := startServer(t, srv)

	txSess, err := bindClient(t, addr, "u1", "foo", smpp.BindTx, nil)
	require.NoError(t, err)
	defer txSess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := txSess.Send(ctx, &pdu.SubmitSm{SourceAddr: "1", DestinationAddr: "2", ShortMessage: "hi"})
	require.NoError(t, err)
	smResp, ok := resp.(*pdu.SubmitSmResp)
	require.True(t, ok)
	require.NotEmpty(t, smResp.MessageID)

	submits := router.Submits("u1")
	require.Len(t, submits, 1)

	st := srv.Status("u1")
	require.Equal(t, uint64(1), st.SubmitSmRequestCount)
}

func TestSubmitSmDeniedByPolicy(t *testing.T) {
	router := memrouter.New()
	router.AddUser(memrouter.Account{
		SystemID: "u1",
		Password: "foo",
		SMPPSCredential: smpps.SMPPSCredential{
			CanBind:     true,
			MaxBindings: 5,
		},
		MTCredential: smpps.MTCredential{
			CanSmppsSend: false,
		},
	})
	srv := smpps.NewServer(router, testConfig(""), nil, nil)
	addr := startServer(t, srv)

	txSess, err := bindClient(t, addr, "u1", "foo", smpp.BindTx, nil)
	require.NoError(t, err)
	defer txSess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = txSess.Send(ctx, &pdu.SubmitSm{SourceAddr: "1", DestinationAddr: "2", ShortMessage: "hi"})
	require.Error(t, err)
	statusErr, ok := err.(smpp.StatusError)
	require.True(t, ok, "expected smpp.StatusError, got %T", err)
	require.Equal(t, pdu.StatusInvSysID, statusErr.Status())

	require.Empty(t, router.Submits("u1"))
}

func TestSubmitSmFilterMismatch(t *testing.T) {
	router := memrouter.New()
	router.AddUser(memrouter.Account{
		SystemID: "u1",
		Password: "foo",
		SMPPSCredential: smpps.SMPPSCredential{
			CanBind:     true,
			MaxBindings: 5,
		},
		MTCredential: smpps.MTCredential{
			CanSmppsSend:             true,
			CanSetSourceAddress:      true,
			DestinationAddressFilter: regexp.MustCompile(`^99`),
		},
	})
	srv := smpps.NewServer(router, testConfig(""), nil, nil)
	addr := startServer(t, srv)

	txSess, err := bindClient(t, addr, "u1", "foo", smpp.BindTx, nil)
	require.NoError(t, err)
	defer txSess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = txSess.Send(ctx, &pdu.SubmitSm{SourceAddr: "1", DestinationAddr: "12345", ShortMessage: "hi"})
	require.Error(t, err)
	statusErr, ok := err.(smpp.StatusError)
	require.True(t, ok, "expected smpp.StatusError, got %T", err)
	require.Equal(t, pdu.StatusInvDstAdr, statusErr.Status())
}

func TestSendToUserRoutesToRxSession(t *testing.T) {
	router := memrouter.New()
	router.AddUser(newAccount("u1", "foo", 5))
	srv := smpps.NewServer(router, testConfig(""), nil, nil)
	addr := startServer(t, srv)

	tc := newTestClient()
	rxSess, err := bindClient(t, addr, "u1", "foo", smpp.BindRx, tc)
	require.NoError(t, err)
	defer rxSess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ids, err := srv.SendToUser(ctx, "u1", &pdu.DeliverSm{SourceAddr: "2", DestinationAddr: "1", ShortMessage: "hi"})
	require.NoError(t, err)
	require.Equal(t, []string{rxSess.ID()}, ids)

	select {
	case <-tc.gotOne:
	case <-time.After(time.Second):
		t.Fatal("expected the bound rx session to receive the deliver_sm")
	}
	received := tc.Received()
	require.Len(t, received, 1)
	dsm, ok := received[0].(*pdu.DeliverSm)
	require.True(t, ok)
	require.Equal(t, "hi", dsm.ShortMessage)
}

func TestSendToUserWithNoBoundReceiverFails(t *testing.T) {
	router := memrouter.New()
	router.AddUser(newAccount("u1", "foo", 5))
	srv := smpps.NewServer(router, testConfig(""), nil, nil)
	_ = startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := srv.SendToUser(ctx, "u1", &pdu.DeliverSm{})
	require.Error(t, err)
}
