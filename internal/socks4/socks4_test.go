package socks4

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wzsocks4 "github.com/wzshiming/socks4"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/omniproxy/internal/address"
)

func TestReadRequest(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		want    address.Address
		user    string
		socks4a bool
	}{
		{
			name: "ipv4",
			in:   []byte{4, 1, 0, 80, 10, 1, 2, 3, 'b', 'o', 'b', 0},
			want: address.New("10.1.2.3", 80),
			user: "bob",
		},
		{
			name:    "socks4a",
			in:      append([]byte{4, 1, 0x01, 0xbb, 0, 0, 0, 9, 0}, append([]byte("example.com"), 0)...),
			want:    address.New("example.com", 443),
			socks4a: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ReadRequest(bufio.NewReader(bytes.NewReader(tt.in)))
			require.NoError(t, err)
			assert.Equal(t, byte(CmdConnect), req.Cmd)
			assert.Equal(t, tt.user, req.UserID)
			assert.Equal(t, tt.socks4a, req.IsSOCKS4a())

			got, err := req.Address()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{name: "wrong_version", in: []byte{5, 1, 0, 80, 1, 2, 3, 4, 0}, want: ErrVersion},
		{name: "short", in: []byte{4, 1, 0}, want: io.ErrUnexpectedEOF},
		{name: "unterminated_user", in: []byte{4, 1, 0, 80, 1, 2, 3, 4, 'x'}, want: io.EOF},
		{name: "user_too_long", in: append([]byte{4, 1, 0, 80, 1, 2, 3, 4}, []byte(strings.Repeat("u", 300))...), want: ErrTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadRequest(bufio.NewReader(bytes.NewReader(tt.in)))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWriteReply(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteGranted(&buf))
	require.NoError(t, WriteRejected(&buf))
	assert.Equal(t, []byte{0, 0x5a, 0, 0, 0, 0, 0, 0, 0, 0x5b, 0, 0, 0, 0, 0, 0}, buf.Bytes())
}

func TestInteropWithSOCKS4Client(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()

		req, err := ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return err
		}
		got, err := req.Address()
		if err != nil {
			return err
		}
		if got != address.New("192.0.2.7", 8080) {
			_ = WriteRejected(conn)
			return nil
		}
		if err := WriteGranted(conn); err != nil {
			return err
		}
		_, err = conn.Write([]byte("hi"))
		return err
	})

	d, err := wzsocks4.NewDialer("socks4://" + ln.Addr().String())
	require.NoError(t, err)

	conn, err := d.DialContext(context.Background(), "tcp", "192.0.2.7:8080")
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
	require.NoError(t, g.Wait())
}
