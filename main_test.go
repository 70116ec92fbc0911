package main

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTCPKeepAlive(t *testing.T) {
	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:15:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 15 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "45:15", wantErr: true},
		{in: "0:15:3", wantErr: true},
		{in: "45:x:3", wantErr: true},
		{in: "45:15:-1", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseTCPKeepAlive(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDefaultUpstream(t *testing.T) {
	t.Setenv("ALL_PROXY", "")
	t.Setenv("all_proxy", "")
	assert.Nil(t, defaultUpstream())

	t.Setenv("all_proxy", "socks5://127.0.0.1:1080")
	assert.Equal(t, []string{"socks5://127.0.0.1:1080"}, defaultUpstream())

	t.Setenv("ALL_PROXY", "http://proxy:3128")
	assert.Equal(t, []string{"http://proxy:3128"}, defaultUpstream())
}
