package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	armonsocks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/require"
	"github.com/txthinking/socks5"

	"github.com/die-net/omniproxy/internal/testutil"
)

// startSOCKS5Server runs a real SOCKS5 server, requiring creds when non-nil.
func startSOCKS5Server(t *testing.T, ctx context.Context, creds armonsocks5.StaticCredentials) net.Listener {
	t.Helper()

	conf := &armonsocks5.Config{}
	if creds != nil {
		conf.Credentials = creds
	}
	srv, err := armonsocks5.New(conf)
	require.NoError(t, err)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	context.AfterFunc(ctx, func() { _ = ln.Close() })

	go func() { _ = srv.Serve(ln) }()
	return ln
}

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name  string
		user  string
		pass  string
		creds armonsocks5.StaticCredentials
	}{
		{name: "no_auth"},
		{name: "user_pass", user: "user", pass: "pass", creds: armonsocks5.StaticCredentials{"user": "pass"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			upLn := startSOCKS5Server(t, ctx, tt.creds)

			f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second},
				Hop{Scheme: "socks5", Host: upLn.Addr().String(), Username: tt.user, Password: tt.pass})

			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			require.NoError(t, err)
			defer conn.Close()

			testutil.AssertEcho(t, conn, conn, []byte("hello"))
		})
	}
}

func TestSOCKS5ProxyDialerBadCredentials(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn := startSOCKS5Server(t, ctx, armonsocks5.StaticCredentials{"user": "pass"})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second},
		Hop{Scheme: "socks5", Host: upLn.Addr().String(), Username: "user", Password: "nope"})

	_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
}

func TestSOCKS5ProxyDialerDialContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	upLn, waitUp := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		// Never answer; the canceled context must unblock the dialer.
		cancel()
		buf := make([]byte, 16)
		for {
			if _, err := c.Read(buf); err != nil {
				return
			}
		}
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, Hop{Scheme: "socks5", Host: upLn.Addr().String()})

	start := time.Now()
	_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)

	_ = upLn.Close()
	waitUp()
}

func TestSOCKS5ProxyDialerDialFail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
			return
		}
		if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
			return
		}
		req, err := socks5.NewRequestFrom(c)
		if err != nil {
			return
		}
		if req.Cmd != socks5.CmdConnect {
			return
		}
		_, _ = socks5.NewReply(socks5.RepConnectionRefused, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, Hop{Scheme: "socks5", Host: upLn.Addr().String()})

	_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)

	waitUp()
}
