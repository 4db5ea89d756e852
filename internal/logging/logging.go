// Package logging configures the process-wide zap.Logger every
// component logs through, adapted from nodestorage/v2's core package
// (Logger/ConfigureLogger/SetLogger/GetLogger) — the same
// ISO8601TimeEncoder/ShortCallerEncoder production config, generalized
// from a package-level global into an explicit New() a caller wires
// into each component instead of a hidden package global.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger at the given level ("debug"|"info"|"warn"|"error"),
// development mode trading structured JSON for human-readable console output.
func New(development bool, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return cfg.Build()
}
