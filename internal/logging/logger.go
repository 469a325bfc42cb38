package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds a production ready structured logger.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// NewDevelopmentLogger builds a console logger with debug level enabled.
func NewDevelopmentLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// WithOperation enriches the logger with operation and correlation identifiers.
func WithOperation(logger *zap.Logger, operation, id string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if id != "" {
		fields = append(fields, zap.String("id", id))
	}
	return logger.With(fields...)
}

// WithTick tags a logger with the capture tick sequence number.
func WithTick(logger *zap.Logger, seq uint64) *zap.Logger {
	return logger.With(zap.Uint64("tick", seq))
}
