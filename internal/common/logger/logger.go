// Package logger wraps go.uber.org/zap with the field conventions used
// across the agent core. Components receive a *Logger explicitly; the
// package-level Default exists for code paths with no injected logger.
package logger

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// Context keys that WithContext promotes into log fields. SessionIDKey is
// also how agent executors learn which session a step run belongs to.
const (
	CorrelationIDKey contextKey = "correlation_id"
	SessionIDKey     contextKey = "session_id"
)

// Config selects level, encoding and destination.
type Config struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, text
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
}

// Logger is a thin wrapper over zap.Logger.
type Logger struct {
	zl *zap.Logger
}

var (
	fallback     *Logger
	fallbackOnce sync.Once
)

// Default returns the process-wide fallback logger: info level, text
// encoding when attached to a terminal, stdout. EVOAGENT_LOG_LEVEL
// overrides the level.
func Default() *Logger {
	fallbackOnce.Do(func() {
		l, err := New(Config{Level: envLevel(), Format: envFormat()})
		if err != nil {
			zl, _ := zap.NewProduction()
			l = &Logger{zl: zl}
		}
		fallback = l
	})
	return fallback
}

// New builds a Logger from cfg. Unknown levels degrade to info rather
// than failing startup.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	return &Logger{zl: zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.LowercaseLevelEncoder

	switch format {
	case "console", "text":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	default:
		return zapcore.NewJSONEncoder(ec)
	}
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return zapcore.AddSync(f), nil
	}
}

func envLevel() string {
	if lvl := os.Getenv("EVOAGENT_LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "info"
}

func envFormat() string {
	if f := os.Getenv("EVOAGENT_LOG_FORMAT"); f != "" {
		return f
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	return "text"
}

// Sync flushes buffered entries. Call before process exit.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// WithFields returns a child logger carrying the given fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zl: l.zl.With(fields...)}
}

// WithContext lifts the correlation and session IDs, when present, out of
// ctx and onto the logger.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := make([]zap.Field, 0, 2)
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("correlation_id", id))
	}
	if id, ok := ctx.Value(SessionIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("session_id", id))
	}
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zl.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zl.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zl.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zl.Error(msg, fields...) }

// Fatal logs and then exits the process.
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zl.Fatal(msg, fields...) }

// Sugar exposes printf-style logging for the CLI surface.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.zl.Sugar()
}
