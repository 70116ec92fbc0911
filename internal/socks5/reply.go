package socks5

import (
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect
)

// Auth carries optional username/password credentials for an upstream
// SOCKS5 hop.
type Auth struct {
	Username string
	Password string
}

// WriteCommandNotSupportedReply writes a SOCKS5 reply indicating that the
// requested command is not supported.
func WriteCommandNotSupportedReply(w io.Writer, atyp byte) {
	_, _ = newZeroAddrReply(txsocks5.RepCommandNotSupported, atyp).WriteTo(w)
}

// WriteSuccessReply writes a SOCKS5 success reply echoing the address type,
// address and port of req.
func WriteSuccessReply(w io.Writer, req *txsocks5.Request) error {
	if _, err := echoReply(txsocks5.RepSuccess, req).WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteFailureReply writes a general SOCKS server failure reply echoing the
// address of req.
func WriteFailureReply(w io.Writer, req *txsocks5.Request) {
	_, _ = echoReply(txsocks5.RepServerFailure, req).WriteTo(w)
}

func echoReply(rep byte, req *txsocks5.Request) *txsocks5.Reply {
	addr := req.DstAddr
	if req.Atyp == txsocks5.ATYPDomain && len(addr) > 0 {
		// NewReply adds the length prefix back.
		addr = addr[1:]
	}
	return txsocks5.NewReply(rep, req.Atyp, addr, req.DstPort)
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(w io.Writer) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(w)
}
