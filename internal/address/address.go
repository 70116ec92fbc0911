// Package address resolves proxy targets into unresolved host:port pairs.
//
// Name resolution is deliberately deferred: an upstream hop may resolve the
// hostname remotely, so an Address only ever carries what the client sent.
package address

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"path"
	"strconv"
	"strings"
)

// ErrInvalid reports a malformed URI, Host header or SOCKS target.
var ErrInvalid = errors.New("invalid address")

// Address is an unresolved (hostname, port) target.
type Address struct {
	Host string
	Port uint16
}

// New returns an Address for host and port, stripping IPv6 brackets.
func New(host string, port uint16) Address {
	return Address{Host: strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"), Port: port}
}

// String returns host:port, bracketing IPv6 literals.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// Hostname returns the host without port.
func (a Address) Hostname() string {
	return a.Host
}

// IsZero reports whether a has not been set.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// IP returns the literal IP of a, if it is one.
func (a Address) IP() (netip.Addr, bool) {
	ip, err := netip.ParseAddr(a.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// Parse parses hostport, applying defaultPort when the port is missing.
func Parse(hostport string, defaultPort uint16) (Address, error) {
	if hostport == "" {
		return Address{}, fmt.Errorf("%w: empty host", ErrInvalid)
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port. Bare IPv6 literals are only accepted in brackets.
		if strings.Count(hostport, ":") > 0 && !strings.HasPrefix(hostport, "[") {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalid, hostport)
		}
		if defaultPort == 0 {
			return Address{}, fmt.Errorf("%w: missing port in %q", ErrInvalid, hostport)
		}
		a := New(hostport, defaultPort)
		if a.Host == "" {
			return Address{}, fmt.Errorf("%w: empty host", ErrInvalid)
		}
		return a, nil
	}
	if host == "" {
		return Address{}, fmt.Errorf("%w: empty host in %q", ErrInvalid, hostport)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Address{}, fmt.Errorf("%w: bad port in %q", ErrInvalid, hostport)
	}
	return New(host, uint16(port)), nil
}

// DefaultPort returns the default port for an HTTP URI scheme.
func DefaultPort(scheme string) uint16 {
	if strings.EqualFold(scheme, "https") {
		return 443
	}
	return 80
}

// FromRequest returns the target of a proxied HTTP request.
//
// CONNECT requests carry host:port in the request target; other requests
// carry an absolute URI, falling back to the Host header. Missing ports
// default from the scheme: https is 443, everything else is 80.
func FromRequest(r *http.Request) (Address, error) {
	if r.Method == http.MethodConnect {
		hostport := r.Host
		if hostport == "" && r.URL != nil {
			hostport = r.URL.Host
		}
		return Parse(hostport, 443)
	}

	scheme := ""
	hostport := ""
	if r.URL != nil {
		scheme = r.URL.Scheme
		hostport = r.URL.Host
	}
	if hostport == "" {
		hostport = r.Host
	}
	return Parse(hostport, DefaultPort(scheme))
}

// FromSOCKS4 returns the target of a SOCKS4 or SOCKS4a request.
//
// A SOCKS4a request signals a hostname by sending an IP of 0.0.0.x with
// x != 0, in which case domain is used instead of ip.
func FromSOCKS4(ip net.IP, port uint16, domain string) (Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return Address{}, fmt.Errorf("%w: socks4 address %v", ErrInvalid, ip)
	}
	if ip4[0] == 0 && ip4[1] == 0 && ip4[2] == 0 && ip4[3] != 0 {
		if domain == "" {
			return Address{}, fmt.Errorf("%w: socks4a request without hostname", ErrInvalid)
		}
		return New(domain, port), nil
	}
	return New(ip4.String(), port), nil
}

// MatchHost reports whether host matches any of the glob patterns, compared
// case-insensitively without a trailing dot. An empty pattern list matches
// every host. "*.example.com" also matches "example.com".
func MatchHost(patterns []string, host string) bool {
	if len(patterns) == 0 {
		return true
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, p := range patterns {
		p = strings.ToLower(p)
		if ok, _ := path.Match(p, host); ok {
			return true
		}
		if rest, ok := strings.CutPrefix(p, "*."); ok && rest == host {
			return true
		}
	}
	return false
}
