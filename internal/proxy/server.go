package proxy

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/die-net/omniproxy/internal/address"
)

// Server serves proxy clients on any number of listeners.
type Server struct {
	ctx    context.Context
	cfg    Config
	log    *zap.Logger
	nextID atomic.Uint64
	active atomic.Int64
}

// NewServer returns a Server. Sessions are closed when ctx is done.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	return &Server{ctx: ctx, cfg: cfg, log: cfg.Logger}
}

// Serve accepts connections on ln until it is closed. It returns nil if the
// server's context is done.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.ServeConn(c)
	}
}

// ServeConn sniffs the protocol of c and runs its handshake. It returns
// once the session is relaying; relaying continues in the background.
func (s *Server) ServeConn(c net.Conn) {
	sess := s.newSession(c)
	defer sess.recoverPanic()

	sess.deadline(s.cfg.NegotiationTimeout)
	h, err := sniff(sess.client)
	if err != nil {
		sess.fail(err)
		return
	}
	if err := h.handshake(sess); err != nil {
		sess.fail(err)
	}
}

// ServeTarget relays c to target without a handshake, for connections whose
// destination is already known, such as transparently redirected ones.
func (s *Server) ServeTarget(c net.Conn, target address.Address) {
	sess := s.newSession(c)
	defer sess.recoverPanic()

	sess.setProtocol("tproxy")
	sess.setTarget(target)
	conn, err := sess.dial(nil, target)
	if err != nil {
		sess.fail(err)
		return
	}
	sess.relay(conn)
}

// Active returns the number of open client connections.
func (s *Server) Active() int64 {
	return s.active.Load()
}
