package auth

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"
)

func TestStatic(t *testing.T) {
	t.Parallel()

	s, err := ParseUsers([]string{"alice:secret", "bob:pa:ss"})
	require.NoError(t, err)

	assert.True(t, s.Authenticate("alice", "secret"))
	assert.True(t, s.Authenticate("bob", "pa:ss"))
	assert.False(t, s.Authenticate("alice", "wrong"))
	assert.False(t, s.Authenticate("carol", ""))

	_, err = ParseUsers([]string{"nopass"})
	require.Error(t, err)
	_, err = ParseUsers([]string{":pass"})
	require.Error(t, err)
}

func TestDecodeBasic(t *testing.T) {
	t.Parallel()

	c := Credentials{Username: "alice", Password: "s3:cret"}
	got, err := DecodeBasic(EncodeBasic(c))
	require.NoError(t, err)
	assert.Equal(t, c, got)

	got, err = DecodeBasic("basic YWxpY2U6eA==")
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "alice", Password: "x"}, got)

	for _, bad := range []string{"", "Bearer abc", "Basic !!!", "Basic YWxpY2U="} {
		_, err := DecodeBasic(bad)
		require.ErrorIs(t, err, ErrMalformed, bad)
	}
}

func TestFromUserPass(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_, err := txsocks5.NewUserPassNegotiationRequest([]byte("user"), []byte("pass")).WriteTo(&buf)
	require.NoError(t, err)

	req, err := txsocks5.NewUserPassNegotiationRequestFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "user", Password: "pass"}, FromUserPass(req))
}
