package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wzshiming/socks4"

	"github.com/die-net/omniproxy/internal/testutil"
)

func TestSOCKS4ProxyDialer(t *testing.T) {
	for _, scheme := range []string{"socks4", "socks4a"} {
		t.Run(scheme, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)

			srv := &socks4.Server{ProxyDial: (&net.Dialer{}).DialContext}
			upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, srv.ServeConn)

			f, err := NewSOCKS4ProxyDialer(Config{DialTimeout: 2 * time.Second}, Hop{Scheme: scheme, Host: upLn.Addr().String()})
			require.NoError(t, err)

			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			require.NoError(t, err)

			testutil.AssertEcho(t, conn, conn, []byte("hello socks4"))
			_ = conn.Close()
			waitUp()
		})
	}
}

func TestSOCKS4ProxyDialerUnsupportedNetwork(t *testing.T) {
	f, err := NewSOCKS4ProxyDialer(Config{}, Hop{Scheme: "socks4", Host: "127.0.0.1:1080"})
	require.NoError(t, err)
	_, err = f.DialContext(context.Background(), "udp", "127.0.0.1:53")
	require.Error(t, err)
}
