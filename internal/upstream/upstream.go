// Package upstream chooses the chain of upstream proxies for each request.
package upstream

import (
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/yl2chen/cidranger"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/auth"
	"github.com/die-net/omniproxy/internal/dialer"
)

// Manager selects upstream hops. req is nil for SOCKS sessions and creds nil
// for unauthenticated clients. An empty result means dial directly.
type Manager interface {
	Lookup(req *http.Request, creds *auth.Credentials, client net.Addr, server address.Address) []dialer.Hop
}

// Static returns the same chain for every target.
type Static []dialer.Hop

func (s Static) Lookup(*http.Request, *auth.Credentials, net.Addr, address.Address) []dialer.Hop {
	return s
}

// Rule routes matching sessions through Chain. Empty criteria match
// everything; all non-empty criteria must match.
type Rule struct {
	// Hosts are glob patterns matched against the target hostname.
	Hosts []string
	// Clients are CIDRs or bare IPs matched against the client address.
	Clients []string
	// Users are authenticated usernames.
	Users []string

	Chain []dialer.Hop
}

type compiledRule struct {
	Rule
	clients cidranger.Ranger
}

// Rules evaluates rules in order and falls back to Fallback.
type Rules struct {
	rules    []compiledRule
	fallback []dialer.Hop
}

// NewRules compiles rules.
func NewRules(rules []Rule, fallback []dialer.Hop) (*Rules, error) {
	r := &Rules{fallback: fallback}
	for i, rule := range rules {
		cr := compiledRule{Rule: rule}
		if len(rule.Clients) > 0 {
			cr.clients = cidranger.NewPCTrieRanger()
			for _, c := range rule.Clients {
				n, err := parseNetwork(c)
				if err != nil {
					return nil, fmt.Errorf("rule %d: %w", i, err)
				}
				if err := cr.clients.Insert(cidranger.NewBasicRangerEntry(*n)); err != nil {
					return nil, fmt.Errorf("rule %d: %w", i, err)
				}
			}
		}
		r.rules = append(r.rules, cr)
	}
	return r, nil
}

func parseNetwork(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid client address %q", s)
		}
		if ip4 := ip.To4(); ip4 != nil {
			return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}, nil
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("invalid client network %q: %w", s, err)
	}
	return n, nil
}

func (r *Rules) Lookup(_ *http.Request, creds *auth.Credentials, client net.Addr, server address.Address) []dialer.Hop {
	for _, rule := range r.rules {
		if rule.match(creds, client, server) {
			return rule.Chain
		}
	}
	return r.fallback
}

func (r compiledRule) match(creds *auth.Credentials, client net.Addr, server address.Address) bool {
	if len(r.Hosts) > 0 && !address.MatchHost(r.Hosts, server.Host) {
		return false
	}
	if len(r.Users) > 0 && (creds == nil || !slices.Contains(r.Users, creds.Username)) {
		return false
	}
	if r.clients != nil {
		ip := clientIP(client)
		if ip == nil {
			return false
		}
		ok, err := r.clients.Contains(ip)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func clientIP(a net.Addr) net.IP {
	switch a := a.(type) {
	case nil:
		return nil
	case *net.TCPAddr:
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4
		}
		return a.IP
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		host = a.String()
	}
	ip := net.ParseIP(host)
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}
