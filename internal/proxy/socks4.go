package proxy

import (
	"fmt"

	"github.com/die-net/omniproxy/internal/socks4"
)

type socks4Handshake struct{}

func (socks4Handshake) handshake(s *session) error {
	s.setProtocol("socks4")

	req, err := socks4.ReadRequest(s.client.Reader())
	if err != nil {
		_ = socks4.WriteRejected(s.client)
		return newError(ErrDecode, "socks4 request", err)
	}
	if req.IsSOCKS4a() {
		s.setProtocol("socks4a")
	}
	if req.Cmd != socks4.CmdConnect {
		_ = socks4.WriteRejected(s.client)
		return newError(ErrUnsupportedCommand, "socks4", fmt.Errorf("command %d", req.Cmd))
	}

	if authn := s.srv.cfg.Authenticator; authn != nil && !authn.Authenticate(req.UserID, "") {
		_ = socks4.WriteRejected(s.client)
		return newError(ErrAuthentication, "socks4 user "+req.UserID, nil)
	}

	target, err := req.Address()
	if err != nil {
		_ = socks4.WriteRejected(s.client)
		return newError(ErrAddressResolution, "socks4", err)
	}
	s.setTarget(target)

	conn, err := s.dial(nil, target)
	if err != nil {
		_ = socks4.WriteRejected(s.client)
		return err
	}
	if err := socks4.WriteGranted(s.client); err != nil {
		_ = conn.Close()
		return newError(ErrDecode, "socks4 reply", err)
	}
	s.relay(conn)
	return nil
}
