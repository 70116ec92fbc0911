package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New constructs the outbound Dialer for hop.
func New(cfg Config, hop Hop) (Dialer, error) {
	switch hop.Scheme {
	case "direct":
		return NewDirectDialer(cfg), nil
	case "http", "https":
		return NewHTTPProxyDialer(cfg, hop)
	case "socks4", "socks4a":
		return NewSOCKS4ProxyDialer(cfg, hop)
	case "socks5":
		return NewSOCKS5ProxyDialer(cfg, hop), nil
	case "ssh":
		return NewSSHProxyDialer(cfg, hop)
	case "":
		return nil, errors.New("invalid hop: missing scheme")
	default:
		return nil, fmt.Errorf("invalid hop scheme: %q", hop.Scheme)
	}
}
