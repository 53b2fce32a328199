package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level. Matching is case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Field is a single structured logging attribute.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates the conventional error field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger is the structured logging interface passed to every component.
// Construct instances with NewLogger and hand them down explicitly; there is
// no package-level default.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a child logger carrying the extra fields.
	With(fields ...Field) Logger

	// WithComponent tags logs with a component name.
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// LoggerOption configures a logger built by NewLogger.
type LoggerOption func(*BaseLogger)

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level.Store(int64(level)) }
}

// WithWriter directs output to w instead of stderr.
func WithWriter(w io.Writer) LoggerOption {
	return func(l *BaseLogger) { l.out = w }
}

// WithJSONFormat switches output from logfmt-style text to JSON.
func WithJSONFormat() LoggerOption {
	return func(l *BaseLogger) { l.json = true }
}

// BaseLogger implements Logger on top of log/slog.
type BaseLogger struct {
	level *atomic.Int64
	out   io.Writer
	json  bool
	sl    *slog.Logger
}

// NewLogger creates a new logger with the given options.
func NewLogger(options ...LoggerOption) Logger {
	l := &BaseLogger{level: new(atomic.Int64), out: os.Stderr}
	l.level.Store(int64(InfoLevel))
	for _, option := range options {
		option(l)
	}
	// The handler re-evaluates the level on every record so SetLevel takes
	// effect without rebuilding the logger.
	hopts := &slog.HandlerOptions{Level: levelVar{l.level}}
	var h slog.Handler
	if l.json {
		h = slog.NewJSONHandler(l.out, hopts)
	} else {
		h = slog.NewTextHandler(l.out, hopts)
	}
	l.sl = slog.New(h)
	return l
}

// levelVar adapts the atomic level to slog.Leveler.
type levelVar struct{ v *atomic.Int64 }

func (lv levelVar) Level() slog.Level {
	return Level(lv.v.Load()).slogLevel()
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if Level(l.level.Load()) > level {
		return
	}
	attrs := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		attrs = append(attrs, f.Key, f.Value)
	}
	l.sl.Log(context.Background(), level.slogLevel(), msg, attrs...)
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// With returns a child logger carrying the extra fields.
func (l *BaseLogger) With(fields ...Field) Logger {
	attrs := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		attrs = append(attrs, f.Key, f.Value)
	}
	child := *l
	child.sl = l.sl.With(attrs...)
	return &child
}

// WithComponent tags logs with a component name.
func (l *BaseLogger) WithComponent(component string) Logger {
	return l.With(F("component", component))
}

// SetLevel sets the minimum log level.
func (l *BaseLogger) SetLevel(level Level) { l.level.Store(int64(level)) }

// GetLevel returns the current minimum log level.
func (l *BaseLogger) GetLevel() Level { return Level(l.level.Load()) }

// NewNopLogger returns a logger that discards everything. Handy default for
// library consumers that do not care about logs.
func NewNopLogger() Logger {
	return NewLogger(WithWriter(io.Discard), WithLevel(ErrorLevel))
}
