// Package logging provides the process-wide structured logger.
//
// It mirrors the shape of the reference proxy's log/slog call sites (a
// message followed by alternating key/value pairs) but backs them with
// zap's SugaredLogger so every line is JSON-encoded and leveled the way
// the rest of the retrieved corpus logs.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once   sync.Once
	global *zap.SugaredLogger
)

// Init builds the process logger. Safe to call multiple times; only the
// first call takes effect. verbose raises the level to Debug.
func Init(verbose bool) *zap.SugaredLogger {
	once.Do(func() {
		level := zapcore.InfoLevel
		if verbose {
			level = zapcore.DebugLevel
		}
		cfg := zap.Config{
			Level:            zap.NewAtomicLevelAt(level),
			Development:      false,
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		logger, err := cfg.Build()
		if err != nil {
			// Logging must never be the reason the proxy fails to start.
			logger = zap.NewNop()
		}
		global = logger.Sugar()
	})
	return global
}

// L returns the global logger, initializing a default (non-verbose) one
// on first use so packages never need a nil check.
func L() *zap.SugaredLogger {
	if global == nil {
		return Init(false)
	}
	return global
}

// Fatal logs at error level and terminates the process with the given
// exit code (§6/§7: 1 configuration error, 2 bind failure, 3 internal
// fatal). cmd/l4lb does not call it; its run function returns those
// codes to main instead.
func Fatal(code int, msg string, kv ...any) {
	L().Errorw(msg, kv...)
	os.Exit(code)
}
