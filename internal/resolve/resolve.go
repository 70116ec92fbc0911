// Package resolve looks up hostnames against a configured DNS server for
// direct upstream dials.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

var (
	// ErrNotFound reports a name with no A or AAAA records.
	ErrNotFound = errors.New("resolve: no addresses")
	// ErrRecursion reports a CNAME chain that does not terminate.
	ErrRecursion = errors.New("resolve: cname chain too long")
)

const maxCNAMEDepth = 3

// Resolver queries a single DNS server.
type Resolver struct {
	// Server is the host:port of the DNS server. A bare host gets port 53.
	Server string
	// Net is "udp" (default) or "tcp".
	Net string
	// Timeout bounds each query.
	Timeout time.Duration
	// Hosts short-circuits lookups for fixed names.
	Hosts map[string]netip.Addr

	Logger *zap.Logger
}

// New returns a Resolver for server, which may be given as host, host:port
// or udp://host:port / tcp://host:port.
func New(server string, timeout time.Duration, log *zap.Logger) (*Resolver, error) {
	network := "udp"
	if scheme, rest, ok := strings.Cut(server, "://"); ok {
		network = strings.ToLower(scheme)
		server = rest
	}
	if network != "udp" && network != "tcp" {
		return nil, fmt.Errorf("resolve: unsupported network %q", network)
	}
	if server == "" {
		return nil, errors.New("resolve: missing server")
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(strings.Trim(server, "[]"), "53")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{Server: server, Net: network, Timeout: timeout, Logger: log}, nil
}

// LookupHost returns the IPv4 then IPv6 addresses of host. IP literals are
// returned as is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}
	if ip, ok := r.Hosts[strings.TrimSuffix(host, ".")]; ok {
		return []netip.Addr{ip}, nil
	}

	var addrs []netip.Addr
	var errs []error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.query(ctx, dns.Fqdn(host), qtype, 0)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addrs = append(addrs, found...)
	}
	if len(addrs) > 0 {
		return addrs, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, errors.Join(errs...))
	}
	return nil, fmt.Errorf("resolve %s: %w", host, ErrNotFound)
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16, depth int) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	c := &dns.Client{Net: r.Net, Timeout: r.Timeout}
	resp, _, err := c.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", dns.TypeToString[qtype], err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		if ce := r.Logger.Check(zap.DebugLevel, "dns query rcode"); ce != nil {
			ce.Write(zap.String("name", name), zap.String("rcode", dns.RcodeToString[resp.Rcode]))
		}
		return nil, fmt.Errorf("query %s: %w", dns.TypeToString[qtype], dns.ErrRcode)
	}

	var addrs []netip.Addr
	var cname string
	for _, rr := range resp.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				addrs = append(addrs, ip)
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rr.AAAA); ok {
				addrs = append(addrs, ip)
			}
		case *dns.CNAME:
			cname = rr.Target
		}
	}
	if len(addrs) > 0 || cname == "" {
		return addrs, nil
	}

	// The server answered with a bare CNAME; chase it.
	if depth >= maxCNAMEDepth {
		return nil, ErrRecursion
	}
	if ce := r.Logger.Check(zap.DebugLevel, "dns query got cname"); ce != nil {
		ce.Write(zap.String("query", name), zap.String("target", cname))
	}
	return r.query(ctx, dns.Fqdn(cname), qtype, depth+1)
}
