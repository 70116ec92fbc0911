package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/die-net/omniproxy/internal/auth"
)

// HTTPProxyDialer dials outbound TCP connections via an HTTP or HTTPS proxy
// using the HTTP CONNECT method.
type HTTPProxyDialer struct {
	cfg    Config
	hop    Hop
	auth   string
	direct Dialer
}

// NewHTTPProxyDialer constructs an HTTP CONNECT dialer for hop.
//
// If the hop has a username, Proxy-Authorization is set using HTTP Basic auth.
func NewHTTPProxyDialer(cfg Config, hop Hop) (*HTTPProxyDialer, error) {
	if hop.Scheme != "http" && hop.Scheme != "https" {
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", hop.Scheme)
	}
	if host, _, err := net.SplitHostPort(hop.Host); err != nil || host == "" {
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}

	authz := ""
	if hop.Username != "" {
		authz = auth.EncodeBasic(auth.Credentials{Username: hop.Username, Password: hop.Password})
	}

	return &HTTPProxyDialer{
		cfg:    cfg,
		hop:    hop,
		auth:   authz,
		direct: NewDirectDialer(cfg),
	}, nil
}

// ProxyAddr returns the proxy host:port.
func (f *HTTPProxyDialer) ProxyAddr() string {
	return f.hop.Host
}

// DialContext establishes a TCP connection to address via the configured
// HTTP/HTTPS proxy.
//
// For HTTPS proxies, this performs a TLS handshake to the proxy before sending
// CONNECT. If NegotiationTimeout is set, a deadline is applied during TLS and
// CONNECT negotiation and cleared before returning.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.hop.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	if f.hop.Scheme == "https" {
		hostname, _, _ := net.SplitHostPort(f.hop.Host)
		tlsConn := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: hostname})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = tlsConn.Close()
			return nil, fmt.Errorf("http proxy connect tls handshake: %w", err)
		}
		c = tlsConn
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}

	if err := req.Write(c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect failed: %s", resp.Status)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	if br.Buffered() > 0 {
		// The proxy sent tunnel bytes right behind its response.
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// bufferedConn reads through r before falling back to the connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
