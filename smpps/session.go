package smpps

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log/level"

	"github.com/sendwave/smppd"
	"github.com/sendwave/smppd/pdu"
)

// session is smppd's view of one bound TCP connection: the teacher's
// smpp.Session handles framing, state legality and request/response
// correlation; session adds bind-time auth/quota, the submit_sm policy
// pipeline, the RX-submits-tears-down rule and the four timers.
type session struct {
	srv *Server
	raw *smpp.Session

	mu     sync.Mutex
	userID string
	bType  BindType

	stopTimers    chan struct{}
	pulse         chan struct{}
	enquireTicker *time.Ticker

	closeOnce sync.Once
}

func newSession(conn net.Conn, srv *Server) *session {
	s := &session{
		srv:        srv,
		stopTimers: make(chan struct{}),
		pulse:      make(chan struct{}, 1),
	}
	conf := smpp.SessionConf{
		Type:          smpp.SMSC,
		Logger:        srv.smppLogger,
		Handler:       smpp.HandlerFunc(s.serveSMPP),
		SessionState:  s.onStateChange,
		WindowTimeout: srv.conf.ResponseTimeout,
		MaxPDUSize:    uint32(srv.conf.MaxPDUSize),
	}
	s.raw = smpp.NewSession(conn, conf)
	s.armSessionInitTimer()
	return s
}

func (s *session) bindType() BindType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bType
}

func (s *session) boundUserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.bType != BindNone
}

// armSessionInitTimer closes the connection if no successful bind happens
// before sessionInitTimerSecs elapses, per the session_init_timer rule.
func (s *session) armSessionInitTimer() {
	if s.srv.conf.SessionInitTimeout <= 0 {
		return
	}
	timer := time.AfterFunc(s.srv.conf.SessionInitTimeout, func() {
		if _, bound := s.boundUserID(); !bound {
			level.Info(s.srv.logger).Log("event", "session_init_timeout", "session_id", s.raw.ID())
			s.raw.Close()
		}
	})
	go func() {
		<-s.stopTimers
		timer.Stop()
	}()
}

// onStateChange is the teacher's SessionConf.SessionState hook. It starts
// the post-bind timers on entering a bound state and, on close, runs
// teardown (registry removal and unbind bookkeeping). Registry insertion
// and bind bookkeeping happen in handleBind.
func (s *session) onStateChange(sessionID, systemID string, state smpp.SessionState) {
	switch state {
	case smpp.StateBoundTx, smpp.StateBoundRx, smpp.StateBoundTRx:
		s.startPostBindTimers()
	case smpp.StateClosed:
		s.teardown()
	}
}

func (s *session) startPostBindTimers() {
	if s.srv.conf.EnquireLinkTimeout > 0 {
		s.enquireTicker = time.NewTicker(s.srv.conf.EnquireLinkTimeout)
		go s.runEnquireLink()
	}
	if s.srv.conf.InactivityTimeout > 0 {
		go s.runInactivity()
	}
}

func (s *session) runEnquireLink() {
	for {
		select {
		case <-s.enquireTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.srv.conf.ResponseTimeout)
			_, err := smpp.SendEnquireLink(ctx, s.raw, &pdu.EnquireLink{})
			cancel()
			if err != nil {
				level.Error(s.srv.logger).Log("event", "enquire_link_failed", "session_id", s.raw.ID(), "err", err)
				continue
			}
			if userID, ok := s.boundUserID(); ok {
				s.srv.status.touch(userID)
			}
		case <-s.stopTimers:
			return
		}
	}
}

// runInactivity restarts whenever serveSMPP handles an inbound request (via
// touchActivity); inbound responses and server-originated requests do not
// restart it. On firing, it
// initiates a graceful unbind; if unbind_resp doesn't arrive within the
// bounded grace the connection is forcibly aborted.
func (s *session) runInactivity() {
	timer := time.NewTimer(s.srv.conf.InactivityTimeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.srv.conf.InactivityGrace())
			err := smpp.Unbind(ctx, s.raw)
			cancel()
			if err != nil {
				level.Info(s.srv.logger).Log("event", "inactivity_abort", "session_id", s.raw.ID())
			} else {
				level.Info(s.srv.logger).Log("event", "inactivity_unbind", "session_id", s.raw.ID())
			}
			s.raw.Close()
			return
		case <-s.activityPulse():
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.srv.conf.InactivityTimeout)
		case <-s.stopTimers:
			return
		}
	}
}

// activityPulse yields a channel good for a single receive whenever
// touchActivity runs; it's intentionally cheap (a one-slot buffered channel)
// rather than a fan-out broadcaster since only runInactivity reads it.
func (s *session) activityPulse() <-chan struct{} {
	return s.pulse
}

func (s *session) touchActivity() {
	select {
	case s.pulse <- struct{}{}:
	default:
	}
	if userID, ok := s.boundUserID(); ok {
		s.srv.status.touch(userID)
	}
}

func (s *session) teardown() {
	s.closeOnce.Do(func() {
		close(s.stopTimers)
		if s.enquireTicker != nil {
			s.enquireTicker.Stop()
		}
		if userID, bound := s.boundUserID(); bound {
			bType := s.bindType()
			s.srv.registry.Unbind(s)
			s.srv.status.onUnbind(userID, bType)
			s.srv.metrics.observeUnbind(userID, bType)
		}
		s.srv.untrack(s)
	})
}

// serveSMPP is the single shared request handler for every accepted
// connection; per-connection state lives on the session the Handler
// closure was built for, not in a global keyed-by-ID table, matching the
// teacher's one-goroutine-per-session-one-handler-instance shape.
func (s *session) serveSMPP(ctx *smpp.Context) {
	s.touchActivity()
	switch ctx.CommandID() {
	case pdu.BindTransmitterID:
		s.handleBind(ctx, BindTx)
	case pdu.BindReceiverID:
		s.handleBind(ctx, BindRx)
	case pdu.BindTransceiverID:
		s.handleBind(ctx, BindTRx)
	case pdu.SubmitSmID:
		s.handleSubmitSm(ctx)
	case pdu.DataSmID:
		s.handleDataSm(ctx)
	case pdu.EnquireLinkID:
		s.handleEnquireLink(ctx)
	case pdu.UnbindID:
		s.handleUnbind(ctx)
	default:
		ctx.Respond(&pdu.GenericNack{}, pdu.StatusInvCmdID)
	}
}

type bindRequest struct {
	systemID string
	password string
}

func (s *session) handleBind(ctx *smpp.Context, bType BindType) {
	req, respond, ok := s.extractBindRequest(ctx, bType)
	if !ok {
		return
	}

	userID, err := s.srv.auth.Authenticate(ctx.Context(), req.systemID, req.password)
	if err != nil {
		respond(newPolicyError(ErrAuthBadCredentials, "bad bind credentials").Status())
		ctx.CloseSession()
		return
	}

	user, err := s.srv.router.GetUser(ctx.Context(), userID)
	if err != nil || !user.SMPPSCredential.CanBind {
		respond(newPolicyError(ErrNotAuthorized, "bind not authorized").Status())
		ctx.CloseSession()
		return
	}

	if !s.srv.registry.TryBind(userID, s, user.SMPPSCredential.MaxBindings) {
		respond(newPolicyError(ErrBindOverQuota, "bind quota exceeded").Status())
		ctx.CloseSession()
		return
	}

	s.mu.Lock()
	s.userID = userID
	s.bType = bType
	s.mu.Unlock()

	s.srv.status.onBind(userID, bType)
	s.srv.metrics.observeBind(userID, bType)
	respond(pdu.StatusOK)
}

// extractBindRequest dispatches on the concrete bind PDU type and returns
// the credentials plus a respond closure bound to the right response PDU,
// so handleBind stays type-agnostic over TX/RX/TRX.
func (s *session) extractBindRequest(ctx *smpp.Context, bType BindType) (bindRequest, func(pdu.Status), bool) {
	switch bType {
	case BindTx:
		p, err := ctx.BindTx()
		if err != nil {
			return bindRequest{}, nil, false
		}
		return bindRequest{systemID: p.SystemID, password: p.Password}, func(status pdu.Status) {
			ctx.Respond(p.Response(s.srv.conf.ID), status)
		}, true
	case BindRx:
		p, err := ctx.BindRx()
		if err != nil {
			return bindRequest{}, nil, false
		}
		return bindRequest{systemID: p.SystemID, password: p.Password}, func(status pdu.Status) {
			ctx.Respond(p.Response(s.srv.conf.ID), status)
		}, true
	default:
		p, err := ctx.BindTRx()
		if err != nil {
			return bindRequest{}, nil, false
		}
		return bindRequest{systemID: p.SystemID, password: p.Password}, func(status pdu.Status) {
			ctx.Respond(p.Response(s.srv.conf.ID), status)
		}, true
	}
}

// handleSubmitSm implements the §4.1 rule that a BOUND_RX session which
// sends submit_sm is torn down rather than merely rejected.
func (s *session) handleSubmitSm(ctx *smpp.Context) {
	bType := s.bindType()
	if bType == BindRx {
		ctx.Respond(&pdu.GenericNack{}, newPolicyError(ErrIllegalState, "submit_sm on a BOUND_RX session").Status())
		ctx.CloseSession()
		return
	}

	p, err := ctx.SubmitSm()
	if err != nil {
		ctx.Respond(&pdu.GenericNack{}, pdu.StatusSysErr)
		return
	}

	userID, _ := s.boundUserID()
	s.srv.status.onSubmitSm(userID)
	s.srv.metrics.observeSubmitSm(userID)

	user, err := s.srv.router.GetUser(ctx.Context(), userID)
	if err != nil {
		ctx.Respond(p.Response(""), pdu.StatusSysErr)
		return
	}

	if perr := evalSubmitSm(user, p); perr != nil {
		pe := perr.(PolicyError)
		ctx.Respond(p.Response(""), pe.Status())
		return
	}

	msgID, _ := s.srv.router.SubmitFromSmpps(ctx.Context(), userID, p)
	ctx.Respond(p.Response(msgID), pdu.StatusOK)
}

func (s *session) handleDataSm(ctx *smpp.Context) {
	p, err := ctx.DataSm()
	if err != nil {
		ctx.Respond(&pdu.GenericNack{}, pdu.StatusSysErr)
		return
	}

	userID, bound := s.boundUserID()
	if !bound || s.bindType() == BindRx {
		ctx.Respond(&pdu.GenericNack{}, newPolicyError(ErrIllegalState, "data_sm on an unbound or BOUND_RX session").Status())
		ctx.CloseSession()
		return
	}

	user, err := s.srv.router.GetUser(ctx.Context(), userID)
	if err != nil {
		ctx.Respond(p.Response(""), pdu.StatusSysErr)
		return
	}

	if perr := evalDataSm(user, p); perr != nil {
		pe := perr.(PolicyError)
		ctx.Respond(p.Response(""), pe.Status())
		return
	}

	msgID, _ := s.srv.router.SubmitFromSmpps(ctx.Context(), userID, p)
	ctx.Respond(p.Response(msgID), pdu.StatusOK)
}

func (s *session) handleEnquireLink(ctx *smpp.Context) {
	el, err := ctx.EnquireLink()
	if err != nil {
		ctx.Respond(&pdu.GenericNack{}, pdu.StatusSysErr)
		return
	}
	ctx.Respond(el.Response(), pdu.StatusOK)
}

func (s *session) handleUnbind(ctx *smpp.Context) {
	ub, err := ctx.Unbind()
	if err != nil {
		ctx.Respond(&pdu.GenericNack{}, pdu.StatusSysErr)
		return
	}
	ctx.Respond(ub.Response(), pdu.StatusOK)
	ctx.CloseSession()
}
