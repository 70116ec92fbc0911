package socks5

import (
	"errors"
	"fmt"
	"io"
	"slices"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/auth"
)

var (
	ErrNoAcceptableMethod  = errors.New("socks5: no acceptable authentication method")
	ErrAuthFailed          = errors.New("socks5: authentication failed")
	ErrCommandNotSupported = errors.New("socks5: command not supported")
	ErrState               = errors.New("socks5: handshake step out of order")
)

// State is the position of a ServerHandshake.
type State int

const (
	AwaitInitial State = iota
	AwaitAuth
	AwaitCommand
	Relay
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitInitial:
		return "await-initial"
	case AwaitAuth:
		return "await-auth"
	case AwaitCommand:
		return "await-command"
	case Relay:
		return "relay"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ServerHandshake walks a client through method negotiation, optional
// username/password authentication and the CONNECT request. Any failure
// moves it to Closed; the caller closes the connection.
type ServerHandshake struct {
	r     io.Reader
	w     io.Writer
	authn auth.Authenticator
	// requireAuth is set when an authenticator is configured.
	requireAuth bool

	state State
	creds *auth.Credentials
	req   *txsocks5.Request
}

// NewServerHandshake returns a handshake reading from r and replying to w.
// A nil authenticator accepts any client, including ones that offer
// username/password.
func NewServerHandshake(r io.Reader, w io.Writer, authn auth.Authenticator) *ServerHandshake {
	return &ServerHandshake{
		r:           r,
		w:           w,
		authn:       authn,
		requireAuth: authn != nil,
	}
}

// State returns the current state.
func (h *ServerHandshake) State() State {
	return h.state
}

// Credentials returns the credentials the client authenticated with, if any.
func (h *ServerHandshake) Credentials() *auth.Credentials {
	return h.creds
}

// Request returns the CONNECT request once it has been read.
func (h *ServerHandshake) Request() *txsocks5.Request {
	return h.req
}

// Run drives the handshake up to a validated CONNECT request. On success
// the state is AwaitCommand and the caller answers with Succeed or Fail.
func (h *ServerHandshake) Run() (*txsocks5.Request, error) {
	if err := h.Negotiate(); err != nil {
		return nil, err
	}
	if h.state == AwaitAuth {
		if err := h.Authenticate(); err != nil {
			return nil, err
		}
	}
	return h.ReadCommand()
}

// Negotiate handles the initial method selection. The server picks
// username/password when it requires authentication or the client offers
// it, and no-auth otherwise.
func (h *ServerHandshake) Negotiate() error {
	if h.state != AwaitInitial {
		return fmt.Errorf("%w: negotiate in %s", ErrState, h.state)
	}

	neg, err := txsocks5.NewNegotiationRequestFrom(h.r)
	if err != nil {
		h.state = Closed
		return fmt.Errorf("negotiation request: %w", err)
	}

	offersPassword := slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword)
	switch {
	case h.requireAuth || offersPassword:
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(h.w); err != nil {
			h.state = Closed
			return fmt.Errorf("negotiation reply: %w", err)
		}
		h.state = AwaitAuth
	case slices.Contains(neg.Methods, txsocks5.MethodNone):
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(h.w); err != nil {
			h.state = Closed
			return fmt.Errorf("negotiation reply: %w", err)
		}
		h.state = AwaitCommand
	default:
		writeNoAcceptableMethods(h.w)
		h.state = Closed
		return ErrNoAcceptableMethod
	}
	return nil
}

// Authenticate reads the RFC 1929 sub-negotiation and validates it.
func (h *ServerHandshake) Authenticate() error {
	if h.state != AwaitAuth {
		return fmt.Errorf("%w: authenticate in %s", ErrState, h.state)
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(h.r)
	if err != nil {
		h.state = Closed
		return fmt.Errorf("read userpass: %w", err)
	}
	creds := auth.FromUserPass(urq)

	if h.authn != nil && !h.authn.Authenticate(creds.Username, creds.Password) {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(h.w)
		h.state = Closed
		return ErrAuthFailed
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(h.w); err != nil {
		h.state = Closed
		return fmt.Errorf("write userpass: %w", err)
	}

	h.creds = &creds
	h.state = AwaitCommand
	return nil
}

// ReadCommand reads the client request. Anything but CONNECT is answered
// with command-not-supported.
func (h *ServerHandshake) ReadCommand() (*txsocks5.Request, error) {
	if h.state != AwaitCommand {
		return nil, fmt.Errorf("%w: read command in %s", ErrState, h.state)
	}

	req, err := txsocks5.NewRequestFrom(h.r)
	if err != nil {
		h.state = Closed
		return nil, fmt.Errorf("request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		WriteCommandNotSupportedReply(h.w, req.Atyp)
		h.state = Closed
		return nil, fmt.Errorf("%w: %d", ErrCommandNotSupported, req.Cmd)
	}

	h.req = req
	return req, nil
}

// Succeed answers the CONNECT request and moves to Relay.
func (h *ServerHandshake) Succeed() error {
	if h.state != AwaitCommand || h.req == nil {
		return fmt.Errorf("%w: succeed in %s", ErrState, h.state)
	}
	if err := WriteSuccessReply(h.w, h.req); err != nil {
		h.state = Closed
		return err
	}
	h.state = Relay
	return nil
}

// Fail answers the CONNECT request with a general failure and moves to
// Closed.
func (h *ServerHandshake) Fail() {
	if h.req != nil {
		WriteFailureReply(h.w, h.req)
	}
	h.state = Closed
}

// RequestAddress returns the unresolved target of req.
func RequestAddress(req *txsocks5.Request) (address.Address, error) {
	var host string
	switch req.Atyp {
	case txsocks5.ATYPDomain:
		if len(req.DstAddr) < 2 {
			return address.Address{}, fmt.Errorf("%w: empty domain", address.ErrInvalid)
		}
		host = string(req.DstAddr[1:])
	case txsocks5.ATYPIPv4, txsocks5.ATYPIPv6:
		return address.Parse(req.Address(), 0)
	default:
		return address.Address{}, fmt.Errorf("%w: address type %d", address.ErrInvalid, req.Atyp)
	}
	if len(req.DstPort) != 2 {
		return address.Address{}, fmt.Errorf("%w: port", address.ErrInvalid)
	}
	return address.New(host, uint16(req.DstPort[0])<<8|uint16(req.DstPort[1])), nil
}
