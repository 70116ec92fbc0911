package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/socks5"
)

// SOCKS5ProxyDialer dials through a SOCKS5 proxy, with optional RFC 1929
// username/password authentication.
type SOCKS5ProxyDialer struct {
	cfg    Config
	hop    Hop
	direct Dialer
}

func NewSOCKS5ProxyDialer(cfg Config, hop Hop) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{cfg: cfg, hop: hop, direct: NewDirectDialer(cfg)}
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, addr)
	}

	host, port, err := splitPort(addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", addr, err)
	}

	c, err := f.direct.DialContext(ctx, network, f.hop.Host)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	a := socks5.Auth{Username: f.hop.Username, Password: f.hop.Password}
	if err := socks5.ClientDial(c, a, address.New(host, port)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, addr, err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	return c, nil
}
