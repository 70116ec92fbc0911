package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/relay"
)

// mitmTunnel answers CONNECT, terminates the client's TLS with a minted
// certificate and opens its own TLS connection to the origin. The upstream
// connect and the inbound TLS handshake run concurrently; whichever
// finishes second wires the outbound TLS connection to the pending
// upstream endpoint. Decrypted client bytes queue in that endpoint until
// then.
type mitmTunnel struct {
	req    *http.Request
	target address.Address
}

func (t mitmTunnel) handshake(s *session) error {
	s.setProtocol("https-mitm")

	serverCfg, err := s.srv.cfg.Issuer.ServerConfig(t.target.Host)
	if err != nil {
		writeStatus(s.client, http.StatusBadGateway, "")
		return newError(ErrTLSHandshake, "issue certificate", err)
	}
	if _, err := s.client.Write([]byte(connectEstablished)); err != nil {
		return newError(ErrDecode, "connect reply", err)
	}

	up := relay.NewPendingEndpoint(s.relayOptions())
	s.client.OnClose(func() { _ = up.Close() })

	ready := newReadiness(func(conn net.Conn) {
		s.goSafe(func() { t.wire(s, up, conn) })
	})

	hops := s.route(t.req, t.target)
	s.goSafe(func() {
		conn, err := s.connect(t.target, hops)
		if err != nil {
			ready.abort()
			_ = up.Close()
			s.fail(err)
			return
		}
		ready.connected(conn)
	})

	s.deadline(s.srv.cfg.NegotiationTimeout)
	tlsConn := tls.Server(flushOnClose{s.client}, serverCfg)
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		ready.abort()
		_ = up.Close()
		return newError(ErrTLSHandshake, "client handshake", err)
	}
	s.deadline(0)

	inner := relay.NewEndpoint(tlsConn, s.relayOptions())
	s.client.OnClose(func() { _ = inner.Close() })

	if chain := s.srv.cfg.Interceptors; chain != nil {
		relay.Throttle(up, inner)
		x := &exchange{s: s, client: inner, chain: chain, fixed: true, target: t.target, up: up}
		s.goSafe(func() {
			if err := x.run(nil); err != nil {
				s.logError(err)
			}
		})
	} else {
		pair := relay.NewPair(inner, s.logger())
		pair.Connect(up)
		pair.Wire()
	}
	// inner drains into the client's queue without blocking, so the origin
	// also waits on the client socket.
	relay.ThrottleAll(up, inner, s.client)

	ready.tlsReady()
	return nil
}

// wire performs the outbound TLS handshake and attaches it to up.
func (t mitmTunnel) wire(s *session, up *relay.Endpoint, conn net.Conn) {
	ctx, cancel := context.WithTimeout(s.ctx, s.srv.cfg.NegotiationTimeout)
	defer cancel()

	tc := tls.Client(conn, s.srv.cfg.OriginTLS.ForHost(t.target.Host))
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		_ = up.Close()
		s.fail(newError(ErrTLSHandshake, "origin handshake", err))
		return
	}
	if err := up.Attach(tc); err != nil {
		if ce := s.logger().Check(zap.DebugLevel, "origin attach after close"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}
}

// readiness joins the two completion signals of a MITM tunnel and calls
// wire exactly once, when both have arrived.
type readiness struct {
	mu      sync.Mutex
	tls     bool
	conn    net.Conn
	wired   bool
	aborted bool
	wire    func(net.Conn)
}

func newReadiness(wire func(net.Conn)) *readiness {
	return &readiness{wire: wire}
}

// tlsReady records that the inbound handshake finished. It reports whether
// this call wired the tunnel.
func (r *readiness) tlsReady() bool {
	r.mu.Lock()
	r.tls = true
	conn, ok := r.take()
	r.mu.Unlock()

	if ok {
		r.wire(conn)
	}
	return ok
}

// connected records the upstream connection. A connection arriving after
// abort, or a second one, is closed.
func (r *readiness) connected(c net.Conn) bool {
	r.mu.Lock()
	if r.aborted || r.conn != nil {
		r.mu.Unlock()
		_ = c.Close()
		return false
	}
	r.conn = c
	conn, ok := r.take()
	r.mu.Unlock()

	if ok {
		r.wire(conn)
	}
	return ok
}

// abort gives up on wiring and closes a connection that was not wired.
func (r *readiness) abort() {
	r.mu.Lock()
	if r.aborted || r.wired {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	c := r.conn
	r.conn = nil
	r.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
}

func (r *readiness) take() (net.Conn, bool) {
	if r.wired || r.aborted || !r.tls || r.conn == nil {
		return nil, false
	}
	r.wired = true
	return r.conn, true
}

// flushOnClose lets queued TLS records reach the client before the
// connection is closed.
type flushOnClose struct {
	*relay.Endpoint
}

func (c flushOnClose) Close() error {
	c.CloseAfterFlush()
	return nil
}
