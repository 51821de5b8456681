// Package observability defines shared logging and metric primitives.
package observability

import (
	"fmt"
	"log"
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

// F builds a logging field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a stdlib *log.Logger to the Logger interface, rendering
// fields as key=value pairs.
type StdLogger struct {
	base  *log.Logger
	debug bool
}

// NewStdLogger wraps base; debug enables Debug-level output.
func NewStdLogger(base *log.Logger, debug bool) *StdLogger {
	return &StdLogger{base: base, debug: debug}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || l.base == nil || !l.debug {
		return
	}
	l.base.Print(render("debug", msg, fields))
}

func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Print(render("info", msg, fields))
}

func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Print(render("error", msg, fields))
}

func render(level, msg string, fields []Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "level=%s msg=%q", level, msg)
	for _, f := range fields {
		key := strings.TrimSpace(f.Key)
		if key == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", key, f.Value)
	}
	return b.String()
}
