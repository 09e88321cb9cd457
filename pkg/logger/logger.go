// Package logger constructs the zap.Logger used across kbs-go.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig controls the verbosity and encoding of the constructed logger.
type LoggerConfig struct {
	// Debug enables debug-level logging and a human-readable console encoder.
	// When false, the logger uses info level and JSON encoding suitable for
	// production log collection.
	Debug bool
}

// NewLogger builds a zap.Logger from cfg. A nil cfg is treated as
// &LoggerConfig{Debug: false}.
func NewLogger(cfg *LoggerConfig) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &LoggerConfig{}
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Debug {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return l, nil
}

// NewNoop returns a logger that discards everything, for tests that don't
// care about log output.
func NewNoop() *zap.Logger {
	return zap.NewNop()
}
