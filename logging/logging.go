// Package logging builds the process logger.
//
// The level can be overridden with MESHCHAT_LOG_LEVEL (debug, info, warn,
// error) and the encoding with MESHCHAT_LOG_FORMAT (console or json).
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envLevel  = "MESHCHAT_LOG_LEVEL"
	envFormat = "MESHCHAT_LOG_FORMAT"
)

// New returns a zap logger writing to stderr at the given level.
func New(level string, json bool) (*zap.Logger, error) {
	if override := strings.TrimSpace(os.Getenv(envLevel)); override != "" {
		level = override
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envFormat))) {
	case "json":
		json = true
	case "console", "text":
		json = false
	}

	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !json {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ParseLevel maps a level name to a zap level. An empty name means info.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parse log level %q: %w", level, err)
	}
	return parsed, nil
}
