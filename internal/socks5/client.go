package socks5

import (
	"errors"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/omniproxy/internal/address"
)

// ErrUpstreamRejected reports a non-success reply from an upstream SOCKS5
// server.
var ErrUpstreamRejected = errors.New("socks5: upstream rejected request")

// ClientDial runs the client side of a SOCKS5 handshake over rw, asking the
// server to CONNECT to target.
func ClientDial(rw io.ReadWriter, auth Auth, target address.Address) error {
	if err := ClientNegotiate(rw, auth); err != nil {
		return err
	}
	return ClientConnect(rw, target)
}

func ClientNegotiate(rw io.ReadWriter, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(rw); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return fmt.Errorf("server requires username/password")
		}

		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(rw); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return fmt.Errorf("%w: authentication", ErrUpstreamRejected)
		}
		return nil
	default:
		return fmt.Errorf("unsupported negotiation method: %d", neg.Method)
	}
}

func ClientConnect(rw io.ReadWriter, target address.Address) error {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(target.String())
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(rw); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return fmt.Errorf("%w: reply %d", ErrUpstreamRejected, rep.Rep)
	}
	return nil
}
