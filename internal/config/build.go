package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/die-net/omniproxy/internal/dialer"
	"github.com/die-net/omniproxy/internal/intercept"
	"github.com/die-net/omniproxy/internal/upstream"
)

// UpstreamManager returns the upstream selection for c: ordered routes with
// the --upstream chain as fallback, or just that chain when no routes are
// configured.
func (c *Config) UpstreamManager() (upstream.Manager, error) {
	fallback, err := dialer.ParseHops(c.Upstream)
	if err != nil {
		return nil, err
	}
	if len(c.Routes) == 0 {
		return upstream.Static(fallback), nil
	}

	rules := make([]upstream.Rule, 0, len(c.Routes))
	for i, r := range c.Routes {
		chain, err := dialer.ParseHops(r.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		rules = append(rules, upstream.Rule{Hosts: r.Hosts, Clients: r.Clients, Users: r.Users, Chain: chain})
	}
	return upstream.NewRules(rules, fallback)
}

// InterceptChain builds the interceptor chain, or nil when none are
// configured.
func (c *Config) InterceptChain(log *zap.Logger) (*intercept.Chain, error) {
	if len(c.Intercept.Header) == 0 && len(c.Intercept.Deny) == 0 {
		return nil, nil
	}

	chain := &intercept.Chain{MaxBody: c.MaxBody, Logger: log}
	for _, d := range c.Intercept.Deny {
		chain.Requests = append(chain.Requests, &intercept.Deny{Hosts: d.Hosts})
	}
	for i, h := range c.Intercept.Header {
		switch strings.ToLower(h.Phase) {
		case "", "request":
			chain.Requests = append(chain.Requests, &intercept.HeaderRewrite{Hosts: h.Hosts, Set: h.Set, Remove: h.Remove})
		case "response":
			chain.Responses = append(chain.Responses, &intercept.ResponseHeaderRewrite{Hosts: h.Hosts, Set: h.Set, Remove: h.Remove})
		default:
			return nil, fmt.Errorf("intercept.header %d: invalid phase %q", i, h.Phase)
		}
	}
	return chain, nil
}
