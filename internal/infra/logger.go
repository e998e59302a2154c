package infra

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger собирает zap логгер по конфигу. AtomicLevel возвращается наружу,
// чтобы уровень можно было менять без рестарта (hot reload конфига).
func NewLogger(cfg LoggerConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, level, fmt.Errorf("logger: invalid level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, level, fmt.Errorf("logger: build: %w", err)
	}
	return logger.Named("mesh"), level, nil
}

// ApplyLevel меняет уровень логирования на лету; пустая строка игнорируется
func ApplyLevel(level zap.AtomicLevel, name string) error {
	if name == "" {
		return nil
	}
	return level.UnmarshalText([]byte(name))
}
