package intercept

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/die-net/omniproxy/internal/address"
)

// Hostname returns the target hostname of a proxied request.
func Hostname(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Hostname()
	}
	if a, err := address.Parse(req.Host, 80); err == nil {
		return a.Host
	}
	return req.Host
}

// HeaderRewrite sets and removes request headers for requests to matching
// hosts. An empty Hosts list matches every request.
type HeaderRewrite struct {
	Hosts  []string
	Set    map[string]string
	Remove []string
}

func (h *HeaderRewrite) Match(req *http.Request) bool {
	return address.MatchHost(h.Hosts, Hostname(req))
}

func (h *HeaderRewrite) PreHandle(req *http.Request, _ *Context) (bool, error) {
	rewrite(req.Header, h.Set, h.Remove)
	return true, nil
}

// ResponseHeaderRewrite sets and removes response headers for requests to
// matching hosts.
type ResponseHeaderRewrite struct {
	Hosts  []string
	Set    map[string]string
	Remove []string
}

func (h *ResponseHeaderRewrite) Match(req *http.Request) bool {
	return address.MatchHost(h.Hosts, Hostname(req))
}

func (h *ResponseHeaderRewrite) PreHandle(_ *http.Request, resp *http.Response, _ *Context) (bool, error) {
	rewrite(resp.Header, h.Set, h.Remove)
	return true, nil
}

func rewrite(hdr http.Header, set map[string]string, remove []string) {
	for _, k := range remove {
		hdr.Del(k)
	}
	for k, v := range set {
		hdr.Set(k, v)
	}
}

// Deny answers requests to matching hosts with 403 Forbidden.
type Deny struct {
	Hosts []string
}

func (d *Deny) Match(req *http.Request) bool {
	return address.MatchHost(d.Hosts, Hostname(req))
}

func (d *Deny) PreHandle(req *http.Request, ctx *Context) (bool, error) {
	if ce := ctx.logger().Check(zap.InfoLevel, "request denied"); ce != nil {
		ce.Write(zap.String("host", Hostname(req)))
	}
	ctx.Respond(NewResponse(req, http.StatusForbidden, "Forbidden\n"))
	return false, nil
}

// NewResponse builds a complete text/plain response to req.
func NewResponse(req *http.Request, status int, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
