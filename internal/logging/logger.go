// Package logging builds the zap loggers used across the engine and carries
// request-scoped fields through context.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names.
const (
	FieldRequestID = "request_id"
	FieldKeyHash   = "key_hash"
	FieldKeyName   = "key_name"
	FieldProjectID = "project_id"
	FieldAccount   = "account"
	FieldEventType = "event_type"
	FieldOutcome   = "outcome"
	FieldActor     = "actor"
	FieldTarget    = "target"
	FieldReason    = "reason"
	FieldClientIP  = "client_ip"
	FieldEndpoint  = "endpoint"
)

// Options configures New.
type Options struct {
	Level  string // debug, info, warn or error
	Format string // json or console
	File   string // empty writes to Output

	// Output receives logs when File is empty; nil means stdout.
	Output io.Writer

	// Rotation of File; zero values use 10 MiB and 5 backups.
	MaxSizeBytes int64
	MaxBackups   int
}

// NewLogger creates a zap.Logger with the specified level, format, and optional file output.
func NewLogger(level, format, filePath string) (*zap.Logger, error) {
	return New(Options{Level: level, Format: format, File: filePath})
}

// ParseLevel maps a level name to a zap level; unknown names give info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// New creates a zap.Logger from opts.
func New(opts Options) (*zap.Logger, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(opts.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	ws := zapcore.AddSync(os.Stdout)
	if opts.Output != nil {
		ws = zapcore.AddSync(opts.Output)
	}
	if opts.File != "" {
		rw, err := newRotateWriter(opts.File, opts.MaxSizeBytes, opts.MaxBackups)
		if err != nil {
			return nil, err
		}
		ws = rw
	}

	core := zapcore.NewCore(encoder, ws, ParseLevel(opts.Level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request id stored in ctx, if any.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// FromContext returns logger annotated with the request id carried by ctx.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if id := GetRequestID(ctx); id != "" {
		return logger.With(zap.String(FieldRequestID, id))
	}
	return logger
}
