package address

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		def     uint16
		want    Address
		wantErr bool
	}{
		{name: "host and port", in: "example.com:8080", want: Address{"example.com", 8080}},
		{name: "default port", in: "example.com", def: 80, want: Address{"example.com", 80}},
		{name: "ipv6 with port", in: "[::1]:443", want: Address{"::1", 443}},
		{name: "ipv6 bracketed default", in: "[::1]", def: 443, want: Address{"::1", 443}},
		{name: "bare ipv6", in: "::1", def: 443, wantErr: true},
		{name: "empty", in: "", def: 80, wantErr: true},
		{name: "empty host", in: ":80", wantErr: true},
		{name: "port zero", in: "example.com:0", wantErr: true},
		{name: "port too big", in: "example.com:70000", wantErr: true},
		{name: "missing port no default", in: "example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in, tt.def)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "absolute http", raw: "GET http://example.com/x HTTP/1.1\r\nHost: example.com\r\n\r\n", want: "example.com:80"},
		{name: "absolute https", raw: "GET https://example.com/x HTTP/1.1\r\nHost: example.com\r\n\r\n", want: "example.com:443"},
		{name: "absolute with port", raw: "GET http://example.com:8080/ HTTP/1.1\r\nHost: example.com:8080\r\n\r\n", want: "example.com:8080"},
		{name: "origin form uses host header", raw: "GET /x HTTP/1.1\r\nHost: origin.test:81\r\n\r\n", want: "origin.test:81"},
		{name: "connect", raw: "CONNECT secure.test:8443 HTTP/1.1\r\nHost: secure.test:8443\r\n\r\n", want: "secure.test:8443"},
		{name: "connect without port", raw: "CONNECT secure.test HTTP/1.1\r\nHost: secure.test\r\n\r\n", want: "secure.test:443"},
		{name: "no host at all", raw: "GET /x HTTP/1.0\r\n\r\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(tt.raw)))
			require.NoError(t, err)

			got, err := FromRequest(req)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFromSOCKS4(t *testing.T) {
	t.Parallel()

	a, err := FromSOCKS4(net.IPv4(10, 1, 2, 3), 80, "")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3:80", a.String())

	a, err = FromSOCKS4(net.IPv4(0, 0, 0, 1), 443, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com:443", a.String())

	_, err = FromSOCKS4(net.IPv4(0, 0, 0, 1), 443, "")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestAddressIP(t *testing.T) {
	t.Parallel()

	ip, ok := New("[2001:db8::1]", 443).IP()
	require.True(t, ok)
	assert.Equal(t, "2001:db8::1", ip.String())

	_, ok = New("example.com", 443).IP()
	assert.False(t, ok)
}

func TestMatchHost(t *testing.T) {
	t.Parallel()

	assert.True(t, MatchHost(nil, "anything.test"))
	assert.True(t, MatchHost([]string{"example.com"}, "Example.COM."))
	assert.True(t, MatchHost([]string{"*.example.com"}, "a.example.com"))
	assert.True(t, MatchHost([]string{"*.example.com"}, "example.com"))
	assert.False(t, MatchHost([]string{"*.example.com"}, "a.b.example.com"))
	assert.False(t, MatchHost([]string{"other.test", "*.example.com"}, "example.org"))
	assert.True(t, MatchHost([]string{"10.0.0.?"}, "10.0.0.7"))
}
