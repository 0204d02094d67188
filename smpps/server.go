package smpps

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sendwave/smppd"
	"github.com/sendwave/smppd/pdu"
)

// Sender is the interface the rest of the application drives delivery
// through: hand it a user_id and a PDU, get back which sessions actually
// received it.
type Sender interface {
	SendToUser(ctx context.Context, userID string, p pdu.PDU) (deliveredSessionIDs []string, err error)
}

// Server is the SMPPS server factory: it accepts TCP connections, builds
// sessions and owns the BindRegistry, per-user CnxStatus table and
// Prometheus instrumentation. It runs its own accept loop directly on
// smpp.NewSession, because routing needs the concrete *smpp.Session behind
// each bind, and the sessions it builds must be registered in the
// BindRegistry as they come up.
type Server struct {
	conf   Config
	router Router
	auth   *AuthService
	logger log.Logger

	registry *BindRegistry
	status   *statusTable
	metrics  *metrics

	smppLogger smpp.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[*session]struct{}
	doneChan  chan struct{}
	wg        sync.WaitGroup
}

// NewServer wires router and conf into a ready-to-serve Server. Metrics
// are registered against reg; pass nil to skip registration (tests).
func NewServer(router Router, conf Config, logger log.Logger, reg prometheus.Registerer) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		conf:       conf,
		router:     router,
		auth:       NewAuthService(router),
		logger:     logger,
		registry:   NewBindRegistry(),
		status:     newStatusTable(),
		metrics:    newMetrics(reg),
		smppLogger: smppLoggerAdapter{logger},
	}
}

// ListenAndServe starts the server on conf.Addr. Blocking call.
func (srv *Server) ListenAndServe() error {
	addr := srv.conf.Addr
	if addr == "" {
		addr = ":2775"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

// Serve accepts connections off ln and starts a session per connection.
// Retry delay on temporary accept errors is handled by an exponential
// backoff instead of a hand-rolled doubling delay.
func (srv *Server) Serve(ln net.Listener) error {
	defer ln.Close()
	srv.trackListener(ln, true)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-srv.getDoneChan():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				d := b.NextBackOff()
				level.Error(srv.logger).Log("event", "accept_temporary_error", "err", err, "retry_in", d)
				time.Sleep(d)
				continue
			}
			return err
		}
		b.Reset()

		srv.wg.Add(1)
		go func(conn net.Conn) {
			defer srv.wg.Done()
			s := newSession(conn, srv)
			srv.track(s)
			<-s.raw.NotifyClosed()
		}(conn)
	}
}

// SendToUser implements Sender: it hands the PDU to the BindRegistry's
// round-robin pick among the user's RX/TRX sessions.
func (srv *Server) SendToUser(ctx context.Context, userID string, p pdu.PDU) ([]string, error) {
	s, err := srv.registry.Pick(userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.raw.Send(ctx, p); err != nil {
		return nil, err
	}
	return []string{s.raw.ID()}, nil
}

// Status returns a point-in-time copy of userID's CnxStatus.
func (srv *Server) Status(userID string) CnxStatus {
	return srv.status.Get(userID)
}

// Close stops accepting new connections and waits until every accepted
// session has closed; it does not close open sessions itself.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	err := srv.closeListenersLocked()
	srv.mu.Unlock()
	srv.wg.Wait()
	return err
}

// Shutdown closes the listener then drains bound sessions by sending
// unbind to each and waiting up to grace before aborting the rest.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	srv.closeListenersLocked()
	sessions := make([]*session, 0, len(srv.sessions))
	for s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			smpp.Unbind(ctx, s.raw)
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return srv.Close()
}

func (srv *Server) track(s *session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.sessions == nil {
		srv.sessions = make(map[*session]struct{})
	}
	srv.sessions[s] = struct{}{}
}

func (srv *Server) untrack(s *session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.sessions, s)
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (srv *Server) trackListener(ln net.Listener, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	if add {
		if len(srv.listeners) == 0 && len(srv.sessions) == 0 {
			srv.doneChan = nil
		}
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
}

func (srv *Server) closeListenersLocked() error {
	var err error
	for ln := range srv.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(srv.listeners, ln)
	}
	return err
}

// smppLoggerAdapter bridges the smpp package's InfoF/ErrorF logging
// interface onto a structured go-kit/log logger, so the low-level codec
// and session engine log through the same sink as the rest of smppd.
type smppLoggerAdapter struct {
	logger log.Logger
}

func (a smppLoggerAdapter) InfoF(msg string, params ...interface{}) {
	level.Debug(a.logger).Log("msg", fmt.Sprintf(msg, params...))
}

func (a smppLoggerAdapter) ErrorF(msg string, params ...interface{}) {
	level.Error(a.logger).Log("msg", fmt.Sprintf(msg, params...))
}
