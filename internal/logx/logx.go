// Package logx is a small level-prefixed wrapper over the standard log
// package, matching the teacher project's own convention of operator
// output via fmt/log rather than a structured logging library: durable,
// queryable telemetry goes through the metrics event bus (internal/metrics),
// not through log lines.
package logx

import (
	"log"
	"os"
)

// Logger writes level-prefixed lines to an underlying writer.
type Logger struct {
	inner *log.Logger
}

// New returns a Logger writing to os.Stderr with no timestamp (the
// caller's terminal or the batch dashboard supplies timing context).
func New() *Logger {
	return &Logger{inner: log.New(os.Stderr, "", 0)}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.inner.Printf("[info] "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.inner.Printf("[warn] "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.inner.Printf("[error] "+format, args...)
}

// Default is a package-level logger for call sites that do not thread
// one through explicitly.
var Default = New()
