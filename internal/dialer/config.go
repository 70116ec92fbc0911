package dialer

import (
	"context"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

// Resolver looks up hostnames for direct dials. A nil Resolver leaves
// resolution to the operating system.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

type Config struct {
	DialTimeout time.Duration
	// NegotiationTimeout bounds hop handshakes (TLS, CONNECT, SOCKS, SSH).
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	Resolver           Resolver

	// SSHKeyPath is a private key file, "agent", or empty.
	SSHKeyPath string
	// SSHKnownHostsPath enables host key checking with trust on first use.
	SSHKnownHostsPath string

	Logger *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
