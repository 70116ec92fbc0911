package proxy

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/auth"
	"github.com/die-net/omniproxy/internal/dialer"
	"github.com/die-net/omniproxy/internal/intercept"
	"github.com/die-net/omniproxy/internal/mitm"
	"github.com/die-net/omniproxy/internal/relay"
	"github.com/die-net/omniproxy/internal/upstream"
)

// Connector opens outbound connections, directly or through hops.
// *dialer.Connector implements it.
type Connector interface {
	Connect(ctx context.Context, target address.Address, hops []dialer.Hop) (net.Conn, error)
}

type Config struct {
	// NegotiationTimeout bounds each handshake read, including the inbound
	// and outbound TLS handshakes of MITM tunnels.
	NegotiationTimeout time.Duration
	// HTTPIdleTimeout bounds the wait for the next request on a kept-alive
	// client connection.
	HTTPIdleTimeout time.Duration

	// Authenticator, when set, is required of HTTP and SOCKS5 clients.
	// SOCKS4 clients are checked with their user id and an empty password.
	Authenticator auth.Authenticator
	// Upstreams selects upstream hops; nil dials every target directly.
	Upstreams upstream.Manager
	Connector Connector

	// Issuer enables MITM for CONNECT requests. OriginTLS is then used for
	// the outbound leg.
	Issuer    *mitm.Issuer
	OriginTLS *mitm.ClientConfig

	// Interceptors, when non-empty, are run over every decoded exchange.
	Interceptors *intercept.Chain

	Relay  relay.Options
	Logger *zap.Logger
}

const (
	defaultNegotiationTimeout = 10 * time.Second
	defaultHTTPIdleTimeout    = 4 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = defaultNegotiationTimeout
	}
	if c.HTTPIdleTimeout <= 0 {
		c.HTTPIdleTimeout = defaultHTTPIdleTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Connector == nil {
		c.Connector = dialer.NewConnector(dialer.Config{Logger: c.Logger})
	}
	if c.Issuer != nil && c.OriginTLS == nil {
		c.OriginTLS = mitm.NewClientConfig()
	}
	if c.Interceptors.Empty() {
		c.Interceptors = nil
	}
	return c
}
