// Package observability provides structured logging and metrics collection.
//
// Logger wraps zap with a persistent component field and helpers for the
// two event families the tool emits: sync runs and queries.
// Metrics exposes Prometheus collectors on a private registry that can be
// dumped to a node_exporter textfile after each command.
package observability

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Logger wraps zap with persistent component context.
type Logger struct {
	inner *zap.Logger
}

// NewLogger creates a structured logger for a component.
// Output defaults to os.Stderr if w is nil. A terminal gets the console
// encoder, anything else gets JSON lines.
func NewLogger(component string, w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if isTerminal(w) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), parseLevel(level))
	return NewLoggerWithCore(component, core)
}

// NewLoggerWithCore creates a logger with a custom zap core.
func NewLoggerWithCore(component string, core zapcore.Core) *Logger {
	return &Logger{inner: zap.New(core).With(zap.String("component", component))}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{inner: zap.NewNop()}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// With returns a new Logger with additional persistent fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{inner: l.inner.With(fields...)}
}

// Named returns a logger for a sub-component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{inner: l.inner.With(zap.String("subcomponent", component))}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.inner.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.inner.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.inner.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.inner.Error(msg, fields...) }

// SyncEvent logs a stage of a sync run.
func (l *Logger) SyncEvent(runID, stage string, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String("run_id", runID),
		zap.String("stage", stage),
	}, fields...)
	l.inner.Info("sync", all...)
}

// QueryEvent logs a completed query.
func (l *Logger) QueryEvent(op string, fields ...zap.Field) {
	all := append([]zap.Field{zap.String("op", op)}, fields...)
	l.inner.Debug("query", all...)
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.inner.Sync()
}
