// Package intercept runs pluggable interceptors over decoded HTTP messages
// passing through the proxy.
//
// A Chain is configured once. For every request the proxy calls
// Chain.MatchRequest, which captures the interceptors whose Match returns
// true, then drives the returned Match through HandleRequest and, once the
// origin has answered, HandleResponse.
package intercept

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ErrNeedBody is returned by an interceptor's PreHandle when it needs the
// complete, decoded message body. The chain aggregates the body and calls the
// same interceptor again.
var ErrNeedBody = errors.New("intercept: message body required")

// RequestInterceptor inspects or rewrites a request before it is sent
// upstream. PreHandle returning false stops forwarding; the interceptor is
// then expected to have answered through Context.Respond.
type RequestInterceptor interface {
	Match(req *http.Request) bool
	PreHandle(req *http.Request, ctx *Context) (bool, error)
}

// ResponseInterceptor inspects or rewrites a response before it is written
// to the client. PreHandle returning false drops the origin response in
// favour of one set through Context.Respond.
type ResponseInterceptor interface {
	Match(req *http.Request) bool
	PreHandle(req *http.Request, resp *http.Response, ctx *Context) (bool, error)
}

// Context is handed to interceptors for a single exchange.
type Context struct {
	Logger *zap.Logger

	response *http.Response
}

// Respond sets the response the proxy writes to the client instead of
// forwarding the exchange.
func (c *Context) Respond(resp *http.Response) {
	c.response = resp
}

func (c *Context) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Response returns the response set by Respond, if any.
func (c *Context) Response() *http.Response {
	return c.response
}

// Chain is an ordered set of interceptors.
type Chain struct {
	Requests  []RequestInterceptor
	Responses []ResponseInterceptor

	// MaxBody bounds aggregated bodies after decompression.
	MaxBody int64

	Logger *zap.Logger
}

// DefaultMaxBody is used when Chain.MaxBody is not positive.
const DefaultMaxBody = 8 << 20

// Empty reports whether the chain has no interceptors at all.
func (c *Chain) Empty() bool {
	return c == nil || (len(c.Requests) == 0 && len(c.Responses) == 0)
}

// MatchRequest returns the interceptors that apply to req, in chain order.
// Response interceptors are matched here too, against the request.
func (c *Chain) MatchRequest(req *http.Request) *Match {
	m := &Match{maxBody: DefaultMaxBody, log: zap.NewNop()}
	if c == nil {
		return m
	}
	if c.MaxBody > 0 {
		m.maxBody = c.MaxBody
	}
	if c.Logger != nil {
		m.log = c.Logger
	}
	for _, ic := range c.Requests {
		if ic.Match(req) {
			m.requests = append(m.requests, ic)
		}
	}
	for _, ic := range c.Responses {
		if ic.Match(req) {
			m.responses = append(m.responses, ic)
		}
	}
	return m
}

// Match is the set of interceptors captured for one request. Each
// interceptor runs at most once; a queue is nil once drained.
type Match struct {
	requests  []RequestInterceptor
	responses []ResponseInterceptor

	maxBody int64
	log     *zap.Logger
}

// Pending reports how many request and response interceptors have yet to
// run.
func (m *Match) Pending() (requests, responses int) {
	return len(m.requests), len(m.responses)
}

// HandleRequest runs the matched request interceptors. It returns false when
// an interceptor halted forwarding.
func (m *Match) HandleRequest(req *http.Request, ctx *Context) (bool, error) {
	aggregated := false
	for len(m.requests) > 0 {
		ic := m.requests[0]
		ok, err := ic.PreHandle(req, ctx)
		if errors.Is(err, ErrNeedBody) && !aggregated {
			if err := AggregateRequest(req, m.maxBody); err != nil {
				m.requests = nil
				return false, err
			}
			aggregated = true
			if ce := m.log.Check(zap.DebugLevel, "aggregated request body"); ce != nil {
				ce.Write(zap.Int64("bytes", req.ContentLength))
			}
			continue
		}

		m.requests = m.requests[1:]
		if err != nil {
			m.requests = nil
			return false, fmt.Errorf("request interceptor %T: %w", ic, err)
		}
		if !ok {
			m.requests = nil
			return false, nil
		}
	}
	m.requests = nil
	return true, nil
}

// HandleResponse runs the response interceptors captured at request time.
func (m *Match) HandleResponse(req *http.Request, resp *http.Response, ctx *Context) (bool, error) {
	aggregated := false
	for len(m.responses) > 0 {
		ic := m.responses[0]
		ok, err := ic.PreHandle(req, resp, ctx)
		if errors.Is(err, ErrNeedBody) && !aggregated {
			if err := AggregateResponse(resp, m.maxBody); err != nil {
				m.responses = nil
				return false, err
			}
			aggregated = true
			if ce := m.log.Check(zap.DebugLevel, "aggregated response body"); ce != nil {
				ce.Write(zap.Int64("bytes", resp.ContentLength))
			}
			continue
		}

		m.responses = m.responses[1:]
		if err != nil {
			m.responses = nil
			return false, fmt.Errorf("response interceptor %T: %w", ic, err)
		}
		if !ok {
			m.responses = nil
			return false, nil
		}
	}
	m.responses = nil
	return true, nil
}
