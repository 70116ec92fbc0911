// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level and destination.
type Config struct {
	// Level is debug, info, warn or error.
	Level string
	// File, when set, receives logs with size-based rotation instead of
	// stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a console-encoded logger and a function that flushes it and
// releases the log file.
func New(cfg Config) (*zap.Logger, func(), error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		TimeKey:          "time",
		NameKey:          "logger",
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		LineEnding:       zapcore.DefaultLineEnding,
		ConsoleSeparator: " ",
	}

	var (
		w       zapcore.WriteSyncer
		closeFn = func() {}
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		w = zapcore.AddSync(lj)
		closeFn = func() { _ = lj.Close() }
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		w = zapcore.Lock(os.Stderr)
	}

	l, flush := build(encCfg, w, level, closeFn)
	return l, flush, nil
}

// NewWriter returns a logger writing console lines to w, for tests and
// tools.
func NewWriter(w io.Writer, level zapcore.Level) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		LineEnding:       zapcore.DefaultLineEnding,
		ConsoleSeparator: " ",
	}
	l, _ := build(encCfg, zapcore.AddSync(w), level, func() {})
	return l
}

func build(encCfg zapcore.EncoderConfig, w zapcore.WriteSyncer, level zapcore.Level, closeFn func()) (*zap.Logger, func()) {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), w, zap.NewAtomicLevelAt(level))
	l := zap.New(core)
	return l, func() {
		_ = l.Sync()
		closeFn()
	}
}

// ParseLevel parses debug|info|warn|error. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	switch l {
	case zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel:
		return l, nil
	default:
		return 0, fmt.Errorf("invalid log level %q: expected debug|info|warn|error", s)
	}
}
