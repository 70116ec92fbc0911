// Package conn holds listener plumbing shared by the proxy and transparent
// listeners.
package conn

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
)

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig to accepted TCP connections.
func ListenTCP(network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	tc, ok := conn.(*net.TCPConn)
	if ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}

// ProxyProtocol selects how a listener treats PROXY protocol headers.
type ProxyProtocol string

const (
	ProxyProtocolOff      ProxyProtocol = ""
	ProxyProtocolOptional ProxyProtocol = "optional"
	ProxyProtocolRequired ProxyProtocol = "required"
)

// ParseProxyProtocol parses off|optional|required.
func ParseProxyProtocol(s string) (ProxyProtocol, error) {
	switch p := ProxyProtocol(strings.ToLower(strings.TrimSpace(s))); p {
	case "off", ProxyProtocolOff:
		return ProxyProtocolOff, nil
	case ProxyProtocolOptional, ProxyProtocolRequired:
		return p, nil
	default:
		return "", fmt.Errorf("invalid proxy protocol mode %q: expected off|optional|required", s)
	}
}

// WithProxyProtocol wraps ln so that accepted connections report the client
// address carried in a PROXY protocol v1/v2 header. headerTimeout bounds the
// wait for the header.
func WithProxyProtocol(ln net.Listener, mode ProxyProtocol, headerTimeout time.Duration) net.Listener {
	if mode == ProxyProtocolOff {
		return ln
	}

	policy := proxyproto.USE
	if mode == ProxyProtocolRequired {
		policy = proxyproto.REQUIRE
	}

	return &proxyproto.Listener{
		Listener:          ln,
		Policy:            func(net.Addr) (proxyproto.Policy, error) { return policy, nil },
		ReadHeaderTimeout: headerTimeout,
	}
}
