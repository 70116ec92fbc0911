//go:build !linux

package tproxy

import (
	"errors"
	"net"
)

// IsSupported is true where transparent listeners work.
const IsSupported = false

var errUnsupported = errors.New("transparent proxy is only supported on linux")

func ListenTransparentTCP(_ string, _ net.KeepAliveConfig) (net.Listener, error) {
	return nil, errUnsupported
}

func OriginalDst(_ net.Conn) (*net.TCPAddr, bool) {
	return nil, false
}
