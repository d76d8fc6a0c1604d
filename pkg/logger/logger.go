// Package logger wraps zap with the fields chat streams are logged under.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Field keys shared by every component, so one thread or stream can be
// followed across the request log, the producer and the relay.
const (
	KeyCorrelation = "correlation_id"
	KeyUser        = "user_id"
	KeyThread      = "thread_id"
	KeyStream      = "stream_handle"
)

// Logger is a wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// New creates a logger writing to stdout. format is "json" or "console";
// console output is meant for local runs.
func New(level, format string) (*Logger, error) {
	var config zap.Config
	if strings.EqualFold(format, "console") {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.Sampling = nil
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	}
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	z, err := config.Build()
	if err != nil {
		return nil, err
	}
	return Wrap(z), nil
}

// Wrap adapts an existing zap logger.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{Logger: z}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return Wrap(zap.NewNop())
}

// Observed returns a logger that records entries at or above level in
// memory.
func Observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return Wrap(zap.New(core)), logs
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// ForRequest scopes a logger to one HTTP request. An empty userID is left
// out, as for requests that failed authentication.
func (l *Logger) ForRequest(correlationID, userID string) *Logger {
	fields := []zap.Field{zap.String(KeyCorrelation, correlationID)}
	if userID != "" {
		fields = append(fields, zap.String(KeyUser, userID))
	}
	return l.With(fields...)
}

// ForStream scopes a logger to the stream producing a thread's reply.
func (l *Logger) ForStream(threadID, handle string) *Logger {
	return l.With(
		zap.String(KeyThread, threadID),
		zap.String(KeyStream, handle),
	)
}

// SetGlobal makes l the logger behind zap.L and zap.S.
func SetGlobal(l *Logger) {
	zap.ReplaceGlobals(l.Logger)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
