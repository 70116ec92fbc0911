package proxy

import (
	"github.com/die-net/omniproxy/internal/relay"
	"github.com/die-net/omniproxy/internal/socks4"
)

const socks5Version = 0x05

// sniff picks the handshake for a new connection from its first byte. The
// byte is peeked, so the handshake reads it again.
func sniff(client *relay.Endpoint) (handshaker, error) {
	b, err := client.Peek(1)
	if err != nil {
		return nil, newError(ErrDecode, "sniff", err)
	}
	switch b[0] {
	case socks4.Version:
		return socks4Handshake{}, nil
	case socks5Version:
		return socks5Handshake{}, nil
	default:
		return httpHandshake{}, nil
	}
}
