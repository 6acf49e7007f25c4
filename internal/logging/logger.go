// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Option adjusts the zap config before the logger is built.
type Option func(*zap.Config)

// WithLevel overrides the minimum enabled level.
func WithLevel(level zapcore.Level) Option {
	return func(cfg *zap.Config) {
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
}

// WithOutputPaths redirects log output, e.g. to a file for long runs.
func WithOutputPaths(paths ...string) Option {
	return func(cfg *zap.Config) {
		if len(paths) > 0 {
			cfg.OutputPaths = paths
		}
	}
}

// New builds a zap.Logger configured for development or production. Both
// write to stderr so command output on stdout stays machine readable.
func New(development bool, opts ...Option) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.OutputPaths = []string{"stderr"}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger, err := cfg.Build()
	if err != nil {
		mode := "prod"
		if development {
			mode = "dev"
		}
		return nil, fmt.Errorf("build %s logger: %w", mode, err)
	}
	return logger, nil
}

// ParseLevel maps a level name such as "debug" or "warn" to a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return lvl, nil
}
