// Package logger wraps zap with a package-level sugared logger so every
// layer logs the same way without threading a logger through constructors.
package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WrappedLogger is a sugared zap logger that can derive per-service loggers
type WrappedLogger struct {
	*zap.SugaredLogger
}

// WithServiceName returns a logger that tags every line with the service name
func (l *WrappedLogger) WithServiceName(name string) *WrappedLogger {
	return &WrappedLogger{SugaredLogger: l.SugaredLogger.With("service", name)}
}

var (
	// Sugar is the process-wide logger. It discards everything until New is called.
	Sugar = &WrappedLogger{SugaredLogger: zap.NewNop().Sugar()}

	mu   sync.Mutex
	base *zap.Logger
)

// New configures the package logger. Level is one of debug, info, warn, error;
// NOOP disables logging and TEST logs at debug level for tests.
func New(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToUpper(level) {
	case "NOOP":
		base = zap.NewNop()
		Sugar = &WrappedLogger{SugaredLogger: base.Sugar()}
		return
	case "TEST":
		level = "debug"
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.OutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
	Sugar = &WrappedLogger{SugaredLogger: base.Sugar()}
}

// OnExit flushes buffered log lines
func OnExit() {
	mu.Lock()
	defer mu.Unlock()

	if base != nil {
		_ = base.Sync()
	}
}

func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
