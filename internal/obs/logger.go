// Copyright 2025 James Ross
package obs

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the one *zap.Logger a process constructs at startup
// and threads through its command service, dispatcher, or projection
// worker — never a package-level logger singleton. level is one of
// "debug", "info", "warn", "error" (case-insensitive), defaulting to
// info for anything else, including LOG_LEVEL left unset.
func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	return cfg.Build()
}

// String, Int, Err are the typed-field helpers used across every
// component's log calls, kept thin wrappers so call sites never import
// zapcore directly.
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Err(err error) zap.Field       { return zap.Error(err) }
