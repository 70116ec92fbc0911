// Package socks4 decodes SOCKS4 and SOCKS4a requests and encodes replies.
//
// Only the server side lives here; upstream SOCKS4 hops dial through
// github.com/wzshiming/socks4 in internal/dialer.
package socks4

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/die-net/omniproxy/internal/address"
)

const (
	Version = 0x04

	CmdConnect = 0x01
	CmdBind    = 0x02

	replyVersion = 0x00

	RepGranted  = 0x5a
	RepRejected = 0x5b

	// maxFieldLen bounds the null-terminated user id and hostname fields.
	maxFieldLen = 255
)

var (
	ErrVersion = errors.New("socks4: unsupported version")
	ErrTooLong = errors.New("socks4: field too long")
)

// Request is a decoded SOCKS4 or SOCKS4a request.
type Request struct {
	Cmd    byte
	Port   uint16
	IP     net.IP
	UserID string
	// Domain is set for SOCKS4a requests.
	Domain string
}

// IsSOCKS4a reports whether r uses the SOCKS4a 0.0.0.x hostname form.
func (r *Request) IsSOCKS4a() bool {
	ip4 := r.IP.To4()
	return ip4 != nil && ip4[0] == 0 && ip4[1] == 0 && ip4[2] == 0 && ip4[3] != 0
}

// Address returns the request target.
func (r *Request) Address() (address.Address, error) {
	return address.FromSOCKS4(r.IP, r.Port, r.Domain)
}

// ReadRequest reads one request from br.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, hdr[0])
	}

	r := &Request{
		Cmd:  hdr[1],
		Port: binary.BigEndian.Uint16(hdr[2:4]),
		IP:   net.IPv4(hdr[4], hdr[5], hdr[6], hdr[7]).To4(),
	}

	uid, err := readString(br)
	if err != nil {
		return nil, fmt.Errorf("read user id: %w", err)
	}
	r.UserID = uid

	if r.IsSOCKS4a() {
		domain, err := readString(br)
		if err != nil {
			return nil, fmt.Errorf("read hostname: %w", err)
		}
		r.Domain = domain
	}
	return r, nil
}

func readString(br *bufio.Reader) (string, error) {
	var b []byte
	for {
		c, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(b), nil
		}
		if len(b) == maxFieldLen {
			return "", ErrTooLong
		}
		b = append(b, c)
	}
}

// WriteReply writes a reply with the given status. Port and address fields
// are zero; clients ignore them for CONNECT.
func WriteReply(w io.Writer, rep byte) error {
	_, err := w.Write([]byte{replyVersion, rep, 0, 0, 0, 0, 0, 0})
	return err
}

// WriteGranted writes a request-granted reply.
func WriteGranted(w io.Writer) error {
	return WriteReply(w, RepGranted)
}

// WriteRejected writes a request-rejected reply.
func WriteRejected(w io.Writer) error {
	return WriteReply(w, RepRejected)
}
