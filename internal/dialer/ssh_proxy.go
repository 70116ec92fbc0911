package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// SSHProxyDialer forwards outbound TCP connections through an SSH server.
//
// It keeps at most one shared SSH transport per dialer and opens one
// "direct-tcpip" channel per DialContext call. The transport is created
// lazily; if opening a channel fails at the transport level the client is
// discarded, reconnected once and the channel retried. Canceling the
// context closes only that channel.
type SSHProxyDialer struct {
	cfg       Config
	sshAddr   string
	sshConfig *ssh.ClientConfig
	direct    Dialer
	log       *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer constructs a dialer that forwards connections via the SSH
// server of hop. Password and key authentication are both offered when
// configured.
func NewSSHProxyDialer(cfg Config, hop Hop) (*SSHProxyDialer, error) {
	if hop.Host == "" {
		return nil, errors.New("ssh dialer: missing ssh address")
	}
	if hop.Username == "" {
		return nil, errors.New("ssh dialer: missing username")
	}

	signers, err := loadSSHSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	if hop.Password == "" && len(signers) == 0 {
		return nil, errors.New("ssh dialer: missing password or key")
	}

	hostKeyCallback, err := newHostKeyCallback(cfg.SSHKnownHostsPath, cfg.logger())
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if hop.Password != "" {
		methods = append(methods, ssh.Password(hop.Password))
	}

	return &SSHProxyDialer{
		cfg:     cfg,
		sshAddr: hop.Host,
		sshConfig: &ssh.ClientConfig{
			User:            hop.Username,
			Auth:            methods,
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
		direct: NewDirectDialer(cfg),
		log:    cfg.logger(),
	}, nil
}

// DialContext opens a new proxied TCP connection to address over the shared
// SSH transport.
func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return nil, err
	}

	upConn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// An OpenChannelError means the transport is fine and the
		// destination is not.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}

		f.log.Debug("ssh transport failed, reconnecting", zap.String("ssh", f.sshAddr), zap.Error(err))
		f.invalidateClient(client)
		client, err2 := f.getClient(ctx)
		if err2 != nil {
			return nil, err
		}
		upConn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = upConn.Close()
	})
	return &sshChannelConn{Conn: upConn, stop: stop}, nil
}

// Close closes the shared transport, if any.
func (f *SSHProxyDialer) Close() error {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.mu.Unlock()
	if client != nil {
		return client.Close()
	}
	return nil
}

// getClient returns the shared SSH client, connecting once for all
// concurrent callers. A caller whose ctx ends stops waiting, but the
// connection attempt continues for the others.
func (f *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := f.sf.DoChan("connect", func() (any, error) {
		f.mu.Lock()
		if f.client != nil {
			c := f.client
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		newClient, err := f.dialSSH(context.Background())
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.client = newClient
		f.mu.Unlock()
		return newClient, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (f *SSHProxyDialer) dialSSH(ctx context.Context) (*ssh.Client, error) {
	conn, err := f.direct.DialContext(ctx, "tcp", f.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, f.sshAddr, f.sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh transport: handshake: %w", err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	return ssh.NewClient(cc, chans, reqs), nil
}

// invalidateClient discards the shared client if it is still stale.
func (f *SSHProxyDialer) invalidateClient(stale *ssh.Client) {
	f.mu.Lock()
	if f.client != stale {
		f.mu.Unlock()
		return
	}
	f.client = nil
	f.mu.Unlock()
	_ = stale.Close()
}

// sshChannelConn wraps a single "direct-tcpip" channel. Closing it stops the
// context hook and closes the channel.
type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}
