package proxy

import (
	"net/http"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/relay"
)

// directTunnel answers CONNECT and relays raw bytes. The client is wired to
// a pending upstream endpoint right away, so bytes the client sends before
// the upstream connects (typically a TLS ClientHello) are queued rather
// than dropped.
type directTunnel struct {
	req    *http.Request
	target address.Address
}

func (t directTunnel) handshake(s *session) error {
	s.setProtocol("http-tunnel")
	s.deadline(0)

	if _, err := s.client.Write([]byte(connectEstablished)); err != nil {
		return newError(ErrDecode, "connect reply", err)
	}

	up := relay.NewPendingEndpoint(s.relayOptions())
	pair := relay.NewPair(s.client, s.logger())
	pair.Connect(up)
	// The upstream-to-client forwarder blocks until up is attached.
	pair.Wire()

	s.attachAsync(t.req, t.target, up, s.logError)
	return nil
}
