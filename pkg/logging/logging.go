// Package logging provides structured logging for the council backend.
package logging

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger is the logging interface used across the codebase.
type Logger interface {
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
	Error(ctx context.Context, msg string, fields map[string]interface{})
	With(fields map[string]interface{}) Logger
}

type zerologLogger struct {
	logger zerolog.Logger
}

var (
	defaultLogger Logger
	once          sync.Once
)

// New returns the process-wide default logger.
func New() Logger {
	once.Do(func() {
		level := zerolog.InfoLevel
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			if parsed, err := zerolog.ParseLevel(v); err == nil {
				level = parsed
			}
		}
		zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
		defaultLogger = &zerologLogger{logger: zl}
	})
	return defaultLogger
}

// NewWithWriter returns a logger writing to the given zerolog logger.
// Used by tests to capture output.
func NewWithWriter(zl zerolog.Logger) Logger {
	return &zerologLogger{logger: zl}
}

func (l *zerologLogger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logger.Debug().Fields(fields).Msg(msg)
}

func (l *zerologLogger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logger.Info().Fields(fields).Msg(msg)
}

func (l *zerologLogger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logger.Warn().Fields(fields).Msg(msg)
}

func (l *zerologLogger) Error(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logger.Error().Fields(fields).Msg(msg)
}

func (l *zerologLogger) With(fields map[string]interface{}) Logger {
	return &zerologLogger{logger: l.logger.With().Fields(fields).Logger()}
}
