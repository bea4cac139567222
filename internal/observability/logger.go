// Package observability defines the structured logging primitives shared across layers.
package observability

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err builds the conventional error field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// OrNop returns logger, or a logger that discards everything when logger is nil.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return noopLogger{}
	}
	return logger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger renders entries as `LEVEL msg key=value ...` through a *log.Logger.
type StdLogger struct {
	out   *log.Logger
	debug bool
}

// NewStdLogger wraps out. Debug entries are dropped unless debug is set.
func NewStdLogger(out *log.Logger, debug bool) *StdLogger {
	return &StdLogger{out: out, debug: debug}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

func (l *StdLogger) Info(msg string, fields ...Field) {
	l.write("INFO", msg, fields)
}

func (l *StdLogger) Error(msg string, fields ...Field) {
	l.write("ERROR", msg, fields)
}

func (l *StdLogger) write(level, msg string, fields []Field) {
	if l == nil || l.out == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(formatValue(f.Value))
	}
	l.out.Print(b.String())
}

func formatValue(v any) string {
	var s string
	switch typed := v.(type) {
	case nil:
		return "<nil>"
	case string:
		s = typed
	case error:
		s = typed.Error()
	default:
		s = fmt.Sprint(typed)
	}
	if s == "" || strings.ContainsAny(s, " \t\"=") {
		return strconv.Quote(s)
	}
	return s
}
