package proxy

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/auth"
	"github.com/die-net/omniproxy/internal/dialer"
	"github.com/die-net/omniproxy/internal/relay"
)

// session is one client connection.
type session struct {
	srv    *Server
	id     uint64
	client *relay.Endpoint
	base   *zap.Logger

	mu  sync.Mutex
	log *zap.Logger

	// ctx is cancelled when the client endpoint closes.
	ctx    context.Context
	cancel context.CancelFunc

	protocol string
	target   address.Address
	creds    *auth.Credentials
}

func (s *Server) newSession(c net.Conn) *session {
	id := s.nextID.Inc()
	log := s.log.With(zap.Uint64("session", id), zap.Stringer("client", c.RemoteAddr()))

	opts := s.cfg.Relay
	opts.Logger = log
	client := relay.NewEndpoint(c, opts)

	ctx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(s.ctx, func() { _ = client.Close() })

	s.active.Inc()
	sess := &session{srv: s, id: id, client: client, base: log, log: log, ctx: ctx, cancel: cancel}
	client.OnClose(func() {
		stop()
		cancel()
		s.active.Dec()
		if ce := sess.logger().Check(zap.DebugLevel, "session closed"); ce != nil {
			ce.Write(zap.Int64("sent", client.BytesWritten()))
		}
	})
	return sess
}

type handshaker interface {
	handshake(s *session) error
}

func (s *session) setProtocol(p string) {
	s.mu.Lock()
	s.protocol = p
	s.rebuildLogger()
	s.mu.Unlock()
}

func (s *session) setTarget(a address.Address) {
	s.mu.Lock()
	s.target = a
	s.rebuildLogger()
	s.mu.Unlock()
}

func (s *session) rebuildLogger() {
	fields := []zap.Field{zap.String("protocol", s.protocol)}
	if !s.target.IsZero() {
		fields = append(fields, zap.Stringer("target", s.target))
	}
	s.log = s.base.With(fields...)
}

// logger returns the session logger with the current protocol and target.
func (s *session) logger() *zap.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

func (s *session) relayOptions() relay.Options {
	opts := s.srv.cfg.Relay
	opts.Logger = s.logger()
	return opts
}

// deadline bounds reads from the client; zero clears it.
func (s *session) deadline(d time.Duration) {
	_ = s.client.SetReadDeadline(deadlineAfter(d))
}

func (s *session) route(req *http.Request, target address.Address) []dialer.Hop {
	if s.srv.cfg.Upstreams == nil {
		return nil
	}
	return s.srv.cfg.Upstreams.Lookup(req, s.creds, s.client.RemoteAddr(), target)
}

func (s *session) connect(target address.Address, hops []dialer.Hop) (net.Conn, error) {
	conn, err := s.srv.cfg.Connector.Connect(s.ctx, target, hops)
	if err != nil {
		return nil, newError(ErrUpstreamConnect, "connect "+target.String(), err)
	}
	if !s.client.Active() {
		_ = conn.Close()
		return nil, newError(ErrUpstreamConnect, "connect "+target.String(), relay.ErrClosed)
	}
	if ce := s.logger().Check(zap.DebugLevel, "upstream connected"); ce != nil {
		ce.Write(zap.Int("hops", len(hops)))
	}
	return conn, nil
}

// dial connects to target on the calling goroutine.
func (s *session) dial(req *http.Request, target address.Address) (net.Conn, error) {
	return s.connect(target, s.route(req, target))
}

// attachAsync connects to target in the background and attaches the
// connection to the pending endpoint up. onFail runs if the connect fails;
// up is closed afterwards.
func (s *session) attachAsync(req *http.Request, target address.Address, up *relay.Endpoint, onFail func(error)) {
	hops := s.route(req, target)
	s.goSafe(func() {
		conn, err := s.connect(target, hops)
		if err != nil {
			onFail(err)
			_ = up.Close()
			return
		}
		if err := up.Attach(conn); err != nil {
			if ce := s.logger().Check(zap.DebugLevel, "upstream attach after close"); ce != nil {
				ce.Write(zap.Error(err))
			}
		}
	})
}

// relay wires the client to an established upstream connection.
func (s *session) relay(conn net.Conn) {
	s.deadline(0)
	pair := relay.NewPair(s.client, s.logger())
	pair.Connect(relay.NewEndpoint(conn, s.relayOptions()))
	pair.Wire()
}

// logError logs err at debug when it is connection churn and at error
// otherwise.
func (s *session) logError(err error) {
	level := zap.ErrorLevel
	if isTransient(err) {
		level = zap.DebugLevel
	}
	if ce := s.logger().Check(level, "session failed"); ce != nil {
		ce.Write(zap.Error(err))
	}
}

// fail logs err and closes the client once any queued reply is flushed.
func (s *session) fail(err error) {
	s.logError(err)
	s.client.CloseAfterFlush()
}

func (s *session) goSafe(fn func()) {
	go func() {
		defer s.recoverPanic()
		fn()
	}()
}

func (s *session) recoverPanic() {
	if r := recover(); r != nil {
		s.logger().Error("session panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		_ = s.client.Close()
	}
}

var noDeadline time.Time

func deadlineAfter(d time.Duration) time.Time {
	if d <= 0 {
		return noDeadline
	}
	return time.Now().Add(d)
}
