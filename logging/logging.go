// Package logging provides the structured logger shared by gracekit
// components. It keeps a small leveled API (message plus a field map) and
// writes JSON lines through zap.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel maps a configuration string to a Level. Unknown values map to
// LevelInfo.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(s)) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// output is a WriteSyncer whose destination can be swapped at runtime. All
// loggers derived from the same root share it.
type output struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

func (o *output) Sync() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

func (o *output) set(w io.Writer) {
	o.mu.Lock()
	o.w = w
	o.mu.Unlock()
}

// Logger provides leveled structured logging.
type Logger struct {
	zl        *zap.Logger
	level     zap.AtomicLevel
	out       *output
	component string
}

// New creates a new Logger writing to stderr at INFO level.
func New() *Logger {
	out := &output{w: os.Stderr}
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), out, level)

	return &Logger{
		zl:    zap.New(core),
		level: level,
		out:   out,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		zl:        l.zl.Named(component),
		level:     l.level,
		out:       l.out,
		component: component,
	}
}

// With returns a new logger that always includes the given fields.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{
		zl:        l.zl.With(zapFields(fields)...),
		level:     l.level,
		out:       l.out,
		component: l.component,
	}
}

// Component returns the component name, if any.
func (l *Logger) Component() string {
	return l.component
}

// SetLevel sets the minimum log level for this logger and every logger
// derived from the same root.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer (default: stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.out.set(w)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.DebugLevel, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.InfoLevel, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.WarnLevel, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.ErrorLevel, msg, fields...)
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

func (l *Logger) log(level zapcore.Level, msg string, fields ...map[string]interface{}) {
	ce := l.zl.Check(level, msg)
	if ce == nil {
		return
	}
	var zf []zap.Field
	if len(fields) > 0 && fields[0] != nil {
		zf = zapFields(fields[0])
	}
	ce.Write(zf...)
}

// zapFields converts a field map into zap fields in key order so output is
// stable.
func zapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			zf = append(zf, zap.NamedError(k, v))
		default:
			zf = append(zf, zap.Any(k, v))
		}
	}
	return zf
}

// --- Lifecycle event helpers ---

// StateChange logs a lifecycle state transition.
func (l *Logger) StateChange(from, to string) {
	l.Debug("state_change", map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

// WorkerEvent logs a fleet event for one worker.
func (l *Logger) WorkerEvent(event string, id, pid int, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["worker"] = id
	fields["pid"] = pid
	l.Info(event, fields)
}

// ExitResolved logs the final exit code of the process.
func (l *Logger) ExitResolved(code int, forced bool) {
	l.Info("exit", map[string]interface{}{
		"code":   code,
		"forced": forced,
	})
}
