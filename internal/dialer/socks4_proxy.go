package dialer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/wzshiming/socks4"
)

// SOCKS4ProxyDialer dials through a SOCKS4 or SOCKS4a proxy. SOCKS4 needs an
// IPv4 target, so hostnames are resolved locally; SOCKS4a passes them to the
// proxy.
type SOCKS4ProxyDialer struct {
	hop    Hop
	socks4 *socks4.Dialer
}

func NewSOCKS4ProxyDialer(cfg Config, hop Hop) (*SOCKS4ProxyDialer, error) {
	u := url.URL{Scheme: hop.Scheme, Host: hop.Host}
	if hop.Username != "" {
		u.User = url.User(hop.Username)
	}

	d, err := socks4.NewDialer(u.String())
	if err != nil {
		return nil, fmt.Errorf("socks4 proxy dialer: %w", err)
	}
	d.ProxyDial = NewDirectDialer(cfg).DialContext

	return &SOCKS4ProxyDialer{hop: hop, socks4: d}, nil
}

func (f *SOCKS4ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks4 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.socks4.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("socks4 proxy dial %s via %s: %w", address, f.hop.Host, err)
	}
	return c, nil
}
