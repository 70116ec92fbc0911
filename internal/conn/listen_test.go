package conn

import (
	"io"
	"net"
	"testing"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenTCPAppliesKeepAlive(t *testing.T) {
	t.Parallel()

	ln, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: true, Idle: 30 * time.Second})
	require.NoError(t, err)
	defer ln.Close()

	kl, ok := ln.(*KeepAliveListener)
	require.True(t, ok)
	assert.True(t, kl.Enable)

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			_ = c.Close()
		}
	}()

	c, err := ln.Accept()
	require.NoError(t, err)
	defer c.Close()
	_, ok = c.(*net.TCPConn)
	assert.True(t, ok)
}

func TestParseProxyProtocol(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]ProxyProtocol{
		"":         ProxyProtocolOff,
		"off":      ProxyProtocolOff,
		"Optional": ProxyProtocolOptional,
		"required": ProxyProtocolRequired,
	} {
		got, err := ParseProxyProtocol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseProxyProtocol("sometimes")
	require.Error(t, err)
}

func TestWithProxyProtocol(t *testing.T) {
	t.Parallel()

	raw, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	require.NoError(t, err)
	ln := WithProxyProtocol(raw, ProxyProtocolRequired, time.Second)
	defer ln.Close()

	src := &net.TCPAddr{IP: net.ParseIP("198.51.100.9"), Port: 40000}
	dst := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8080}

	go func() {
		c, err := net.Dial("tcp", raw.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = proxyproto.HeaderProxyFromAddrs(1, src, dst).WriteTo(c)
		_, _ = c.Write([]byte("hello"))
		time.Sleep(100 * time.Millisecond)
	}()

	c, err := ln.Accept()
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, 5)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	assert.Equal(t, src.String(), c.RemoteAddr().String())
}

func TestWithProxyProtocolOff(t *testing.T) {
	t.Parallel()

	raw, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	require.NoError(t, err)
	defer raw.Close()
	assert.Same(t, raw, WithProxyProtocol(raw, ProxyProtocolOff, time.Second))
}
