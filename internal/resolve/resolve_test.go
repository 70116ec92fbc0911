package resolve

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDNSServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 60}

		switch q.Name {
		case "example.test.":
			switch q.Qtype {
			case dns.TypeA:
				m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: net.ParseIP("192.0.2.1")})
			case dns.TypeAAAA:
				m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP("2001:db8::1")})
			}
		case "alias.test.":
			hdr.Rrtype = dns.TypeCNAME
			m.Answer = append(m.Answer, &dns.CNAME{Hdr: hdr, Target: "example.test."})
		case "loop.test.":
			hdr.Rrtype = dns.TypeCNAME
			m.Answer = append(m.Answer, &dns.CNAME{Hdr: hdr, Target: "loop.test."})
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	<-started

	return pc.LocalAddr().String()
}

func TestLookupHost(t *testing.T) {
	r, err := New(startDNSServer(t), time.Second, nil)
	require.NoError(t, err)
	r.Hosts = map[string]netip.Addr{"pinned.test": netip.MustParseAddr("10.9.8.7")}

	ctx := context.Background()

	tests := []struct {
		name    string
		host    string
		want    []netip.Addr
		wantErr bool
	}{
		{name: "a_and_aaaa", host: "example.test", want: []netip.Addr{netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("2001:db8::1")}},
		{name: "cname", host: "alias.test", want: []netip.Addr{netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("2001:db8::1")}},
		{name: "literal", host: "203.0.113.5", want: []netip.Addr{netip.MustParseAddr("203.0.113.5")}},
		{name: "hosts", host: "pinned.test", want: []netip.Addr{netip.MustParseAddr("10.9.8.7")}},
		{name: "nxdomain", host: "missing.test", wantErr: true},
		{name: "cname_loop", host: "loop.test", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.LookupHost(ctx, tt.host)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	r, err := New("tcp://198.51.100.1", time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "tcp", r.Net)
	assert.Equal(t, "198.51.100.1:53", r.Server)

	r, err = New("[2001:db8::53]:5353", time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "udp", r.Net)
	assert.Equal(t, "[2001:db8::53]:5353", r.Server)

	_, err = New("quic://example", time.Second, nil)
	require.Error(t, err)
	_, err = New("", time.Second, nil)
	require.Error(t, err)
}
