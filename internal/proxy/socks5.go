package proxy

import (
	"errors"

	"github.com/die-net/omniproxy/internal/socks5"
)

type socks5Handshake struct{}

func (socks5Handshake) handshake(s *session) error {
	s.setProtocol("socks5")

	h := socks5.NewServerHandshake(s.client.Reader(), s.client, s.srv.cfg.Authenticator)
	req, err := h.Run()
	if err != nil {
		kind := ErrDecode
		switch {
		case errors.Is(err, socks5.ErrAuthFailed):
			kind = ErrAuthentication
		case errors.Is(err, socks5.ErrCommandNotSupported):
			kind = ErrUnsupportedCommand
		}
		return newError(kind, "socks5 handshake", err)
	}
	s.creds = h.Credentials()

	target, err := socks5.RequestAddress(req)
	if err != nil {
		h.Fail()
		return newError(ErrAddressResolution, "socks5", err)
	}
	s.setTarget(target)

	conn, err := s.dial(nil, target)
	if err != nil {
		h.Fail()
		return err
	}
	if err := h.Succeed(); err != nil {
		_ = conn.Close()
		return newError(ErrDecode, "socks5 reply", err)
	}
	s.relay(conn)
	return nil
}
