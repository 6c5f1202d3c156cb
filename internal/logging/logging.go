package logging

import (
	"fmt"
	"strings"

	"github.com/eaglebank/transaction-service/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger from cfg. Format "console" selects the
// human-readable development encoder; anything else logs JSON.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := resolveLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var base zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		base = zap.NewDevelopmentConfig()
		base.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		base = zap.NewProductionConfig()
		base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	base.Level = level
	base.DisableStacktrace = true

	logger, err := base.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("service", "transaction-service")), nil
}

func resolveLevel(raw string) (zap.AtomicLevel, error) {
	if strings.TrimSpace(raw) == "" {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	var parsed zapcore.Level
	if err := parsed.Set(raw); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", raw, err)
	}
	return zap.NewAtomicLevelAt(parsed), nil
}
