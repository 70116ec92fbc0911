package tproxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/proxy"
)

// Server feeds redirected connections to a proxy.Server.
type Server struct {
	ctx   context.Context
	proxy *proxy.Server
	log   *zap.Logger
}

func NewServer(ctx context.Context, p *proxy.Server, log *zap.Logger) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{ctx: ctx, proxy: p, log: log}
}

// Serve accepts connections on ln until it is closed. It returns nil if
// the server's context is done.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	target, err := targetOf(c)
	if err != nil {
		s.log.Warn("tproxy: original destination unavailable", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
		_ = c.Close()
		return
	}
	s.proxy.ServeTarget(c, target)
}

func targetOf(c net.Conn) (address.Address, error) {
	dst, ok := OriginalDst(c)
	if !ok {
		return address.Address{}, fmt.Errorf("%w: no original destination", address.ErrInvalid)
	}
	ip, ok := netip.AddrFromSlice(dst.IP)
	if !ok || dst.Port <= 0 || dst.Port > 0xffff {
		return address.Address{}, fmt.Errorf("%w: %s", address.ErrInvalid, dst)
	}
	return address.New(ip.Unmap().String(), uint16(dst.Port)), nil
}
