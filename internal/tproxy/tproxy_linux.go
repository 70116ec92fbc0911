//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/omniproxy/internal/conn"
)

// IsSupported is true where transparent listeners work.
const IsSupported = true

// ListenTransparentTCP listens on addr with IP_TRANSPARENT set so the socket
// accepts connections addressed to foreign destinations. It needs
// CAP_NET_ADMIN and matching iptables/nft rules.
func ListenTransparentTCP(addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
				return
			}
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &conn.KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// OriginalDst returns the destination a redirected connection was headed
// for.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	local, ok := tc.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil, false
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, false
	}

	var dst *net.TCPAddr
	_ = rc.Control(func(fd uintptr) {
		if local.IP.To4() != nil {
			dst = originalDst4(int(fd))
		} else {
			dst = originalDst6(int(fd))
		}
	})
	if dst == nil {
		// TPROXY keeps the original destination as the local address.
		return local, true
	}
	return dst, true
}

func originalDst4(fd int) *net.TCPAddr {
	// The sockaddr_in comes back in the multiaddr field.
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.SOL_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return nil
	}
	raw := mreq.Multiaddr
	return &net.TCPAddr{
		IP:   net.IPv4(raw[4], raw[5], raw[6], raw[7]),
		Port: int(binary.BigEndian.Uint16(raw[2:4])),
	}
}

func originalDst6(fd int) *net.TCPAddr {
	info, err := unix.GetsockoptIPv6MTUInfo(fd, unix.SOL_IPV6, unix.IP6T_SO_ORIGINAL_DST)
	if err != nil {
		return nil
	}
	sa := info.Addr
	// Port is stored in network byte order.
	var port [2]byte
	binary.NativeEndian.PutUint16(port[:], sa.Port)
	return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: int(binary.BigEndian.Uint16(port[:]))}
}
