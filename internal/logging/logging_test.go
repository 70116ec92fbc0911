package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"INFO":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"verbose", "fatal"} {
		_, err := ParseLevel(in)
		require.Error(t, err, in)
	}
}

func TestNewFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "proxy.log")
	log, flush, err := New(Config{Level: "warn", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", zap.String("session", "s1"))
	flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "WARN kept")
	assert.Contains(t, string(data), `"session": "s1"`)
}

func TestNewRejectsBadLevel(t *testing.T) {
	t.Parallel()

	_, _, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestNewWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, zapcore.DebugLevel)
	log.Debug("hello")
	assert.Equal(t, "DEBUG hello\n", buf.String())
}
