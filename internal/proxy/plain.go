package proxy

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/relay"
)

// plainRelay forwards absolute-URI requests. Requests are decoded so the
// target of each can be checked; responses are relayed raw. When a request
// names a different target the current upstream is detached and flushed,
// and a new one is connected.
type plainRelay struct {
	first *http.Request
	s     *session

	mu     sync.Mutex
	target address.Address
	up     *relay.Endpoint
	down   *relay.Forwarder
}

func (p *plainRelay) handshake(s *session) error {
	p.s = s
	if s.srv.cfg.Interceptors != nil {
		s.setProtocol("http-exchange")
		x := &exchange{s: s, client: s.client, chain: s.srv.cfg.Interceptors}
		return x.run(p.first)
	}
	s.setProtocol("http-plain")

	req := p.first
	for {
		s.deadline(0)
		target, err := address.FromRequest(req)
		if err != nil {
			writeStatus(s.client, http.StatusBadRequest, "")
			return newError(ErrAddressResolution, "request target", err)
		}
		up := p.upstreamFor(req, target)

		upgrade := isUpgrade(req)
		prepareOutbound(req)
		if err := req.Write(up); err != nil {
			up.CloseAfterFlush()
			if errors.Is(err, relay.ErrClosed) {
				return newError(ErrUpstreamConnect, "write request", err)
			}
			return newError(ErrDecode, "write request", err)
		}
		if upgrade {
			// Everything after an upgrade request is opaque.
			relay.Forward(s.client, up, s.logger().With(zap.String("dir", "up")))
			return nil
		}

		req, err = s.nextRequest(s.client)
		if err != nil {
			p.closeUpstream()
			if errors.Is(err, io.EOF) || isTransient(err) {
				return nil
			}
			writeStatus(s.client, http.StatusBadRequest, "")
			return newError(ErrDecode, "read request", err)
		}
	}
}

// upstreamFor returns the endpoint for target, switching upstreams when the
// target changed.
func (p *plainRelay) upstreamFor(req *http.Request, target address.Address) *relay.Endpoint {
	p.mu.Lock()
	if p.up != nil && p.target == target && p.up.Active() {
		up := p.up
		p.mu.Unlock()
		return up
	}

	old, oldDown := p.up, p.down
	up := relay.NewPendingEndpoint(p.s.relayOptions())
	p.target = target
	p.up = up
	p.down = relay.Forward(up, p.s.client, p.s.logger().With(zap.String("dir", "down"), zap.Stringer("upstream", target)))
	relay.Throttle(up, p.s.client)
	p.mu.Unlock()

	if old != nil {
		if ce := p.s.logger().Check(zap.DebugLevel, "switching upstream"); ce != nil {
			ce.Write(zap.Stringer("to", target))
		}
		oldDown.Detach()
		old.CloseAfterFlush()
	}
	p.s.setTarget(target)

	p.s.attachAsync(req, target, up, func(err error) {
		p.mu.Lock()
		current := p.up == up
		p.mu.Unlock()
		if current {
			writeStatus(p.s.client, http.StatusBadGateway, "")
			p.s.fail(err)
			return
		}
		p.s.logError(err)
	})
	return up
}

func (p *plainRelay) closeUpstream() {
	p.mu.Lock()
	up := p.up
	p.mu.Unlock()
	if up != nil {
		up.CloseAfterFlush()
	}
}
