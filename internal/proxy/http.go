package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/die-net/omniproxy/internal/address"
	"github.com/die-net/omniproxy/internal/auth"
	"github.com/die-net/omniproxy/internal/relay"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

type httpHandshake struct{}

// handshake reads the first request and hands the connection to the
// policy it selects.
func (httpHandshake) handshake(s *session) error {
	s.setProtocol("http")

	req, err := http.ReadRequest(s.client.Reader())
	if err != nil {
		writeStatus(s.client, http.StatusBadRequest, "")
		return newError(ErrDecode, "read request", err)
	}
	if err := s.authenticateHTTP(req); err != nil {
		return err
	}

	if req.Method != http.MethodConnect {
		return (&plainRelay{first: req}).handshake(s)
	}

	target, err := address.FromRequest(req)
	if err != nil {
		writeStatus(s.client, http.StatusBadRequest, "")
		return newError(ErrAddressResolution, "connect", err)
	}
	s.setTarget(target)

	if s.srv.cfg.Issuer != nil {
		return mitmTunnel{req: req, target: target}.handshake(s)
	}
	return directTunnel{req: req, target: target}.handshake(s)
}

func (s *session) authenticateHTTP(req *http.Request) error {
	authn := s.srv.cfg.Authenticator
	if authn == nil {
		return nil
	}
	creds, err := auth.DecodeBasic(req.Header.Get("Proxy-Authorization"))
	if err != nil || !authn.Authenticate(creds.Username, creds.Password) {
		writeStatus(s.client, http.StatusProxyAuthRequired, "Proxy-Authenticate: Basic realm=\"proxy\"\r\n")
		return newError(ErrAuthentication, "proxy authorization", err)
	}
	s.creds = &creds
	return nil
}

// nextRequest reads the next request on a kept-alive connection.
func (s *session) nextRequest(ep *relay.Endpoint) (*http.Request, error) {
	_ = ep.SetReadDeadline(deadlineAfter(s.srv.cfg.HTTPIdleTimeout))
	req, err := http.ReadRequest(ep.Reader())
	_ = ep.SetReadDeadline(noDeadline)
	return req, err
}

// writeStatus writes a body-less response and asks the client to close.
func writeStatus(w io.Writer, code int, headers string) {
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n%sContent-Length: 0\r\nConnection: close\r\n\r\n", code, http.StatusText(code), headers)
}

// prepareOutbound turns a proxy request into an origin request: origin-form
// request line and no proxy hop-by-hop headers.
func prepareOutbound(req *http.Request) {
	req.RequestURI = ""
	req.Header.Del("Proxy-Authorization")
	req.Header.Del("Proxy-Connection")
	if _, ok := req.Header["User-Agent"]; !ok {
		// An empty value stops Request.Write from adding its own.
		req.Header["User-Agent"] = []string{""}
	}
}

func isUpgrade(req *http.Request) bool {
	if req.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range req.Header.Values("Connection") {
		for tok := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}
