package logger

import "context"

// LoggerContext accumulates attributes over the course of an operation so
// that later log lines carry everything learned so far.
type LoggerContext struct {
	*Logger
}

// NewLoggerContext wraps l so attributes can be added incrementally.
func NewLoggerContext(l *Logger) *LoggerContext {
	return &LoggerContext{Logger: l}
}

// Add appends key/value attributes to every subsequent record.
func (lc *LoggerContext) Add(args ...any) {
	lc.Logger = lc.Logger.With(args...)
}

// Flush logs msg at info level with all accumulated attributes.
func (lc *LoggerContext) Flush(ctx context.Context, msg string) {
	lc.Logger.Infoc(ctx, 4, msg)
}
