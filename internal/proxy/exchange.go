package proxy

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/intercept"
	"github.com/die-net/omniproxy/internal/relay"
)

// exchange runs decoded request/response pairs through the interceptor
// chain: read request, request interceptors, write upstream, read response,
// response interceptors, write to the client. A 101 response switches to a
// raw relay.
type exchange struct {
	s      *session
	client *relay.Endpoint
	chain  *intercept.Chain

	// fixed is set inside MITM tunnels, where every request goes to the
	// CONNECT target over up.
	fixed  bool
	target address.Address
	up     *relay.Endpoint
}

// run serves requests until the client goes away. A nil first request is
// read from the client.
func (x *exchange) run(req *http.Request) error {
	var err error
	if req == nil {
		if req, err = x.s.nextRequest(x.client); err != nil {
			x.closeUpstream()
			x.client.CloseAfterFlush()
			if isTransient(err) {
				return nil
			}
			return newError(ErrDecode, "read request", err)
		}
	}

	for {
		x.s.deadline(0)
		done, err := x.serve(req)
		if err != nil || done {
			return err
		}

		req, err = x.s.nextRequest(x.client)
		if err != nil {
			x.closeUpstream()
			x.client.CloseAfterFlush()
			if isTransient(err) {
				return nil
			}
			return newError(ErrDecode, "read request", err)
		}
	}
}

// serve handles one exchange. done reports that the client connection
// should not be read again.
func (x *exchange) serve(req *http.Request) (done bool, err error) {
	target := x.target
	if x.fixed {
		req.URL.Scheme = "https"
		if req.URL.Host == "" {
			req.URL.Host = req.Host
		}
	} else if target, err = address.FromRequest(req); err != nil {
		x.fail(http.StatusBadRequest)
		return true, newError(ErrAddressResolution, "request target", err)
	}

	m := x.chain.MatchRequest(req)
	ictx := &intercept.Context{Logger: x.s.logger()}

	ok, err := m.HandleRequest(req, ictx)
	if err != nil {
		x.fail(http.StatusBadGateway)
		return true, newError(ErrDecode, "request interceptors", err)
	}
	if !ok {
		_ = req.Body.Close()
		resp := ictx.Response()
		if resp == nil {
			resp = intercept.NewResponse(req, http.StatusForbidden, "")
		}
		if err := resp.Write(x.client); err != nil {
			return true, newError(ErrDecode, "write response", err)
		}
		if req.Close {
			x.client.CloseAfterFlush()
			return true, nil
		}
		return false, nil
	}

	up := x.upstreamFor(req, target)
	prepareOutbound(req)
	if err := req.Write(up); err != nil {
		x.fail(http.StatusBadGateway)
		return true, newError(ErrUpstreamConnect, "write request", err)
	}

	resp, err := http.ReadResponse(up.Reader(), req)
	if err != nil {
		x.fail(http.StatusBadGateway)
		return true, newError(ErrUpstreamConnect, "read response", err)
	}

	ok, err = m.HandleResponse(req, resp, ictx)
	if err != nil {
		_ = resp.Body.Close()
		x.fail(http.StatusBadGateway)
		return true, newError(ErrDecode, "response interceptors", err)
	}
	if !ok && ictx.Response() != nil {
		// Closing drains the origin body so the upstream stays usable.
		_ = resp.Body.Close()
		resp = ictx.Response()
	}

	if err := resp.Write(x.client); err != nil {
		return true, newError(ErrDecode, "write response", err)
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		log := x.s.logger()
		relay.Forward(x.client, up, log.With(zap.String("dir", "up")))
		relay.Forward(up, x.client, log.With(zap.String("dir", "down")))
		return true, nil
	}
	if req.Close || resp.Close {
		x.closeUpstream()
		x.client.CloseAfterFlush()
		return true, nil
	}
	return false, nil
}

func (x *exchange) upstreamFor(req *http.Request, target address.Address) *relay.Endpoint {
	if x.up != nil && (x.fixed || (x.target == target && x.up.Active())) {
		return x.up
	}
	x.closeUpstream()

	up := relay.NewPendingEndpoint(x.s.relayOptions())
	relay.Throttle(up, x.client)
	relay.Throttle(x.client, up)
	x.up = up
	x.target = target
	x.s.setTarget(target)
	// A failed connect closes up; reading the response then fails and the
	// client gets a 502.
	x.s.attachAsync(req, target, up, x.s.logError)
	return up
}

func (x *exchange) closeUpstream() {
	if x.up != nil {
		x.up.CloseAfterFlush()
	}
}

// fail answers with code and closes both sides once flushed.
func (x *exchange) fail(code int) {
	if x.client.Active() {
		writeStatus(x.client, code, "")
	}
	x.closeUpstream()
	x.client.CloseAfterFlush()
}
