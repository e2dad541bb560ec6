// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Logger writes levelled messages to stderr with optional timestamps,
// level prefixes and a component name.  Loggers returned by [Logger.Named]
// share the parent's output, level and lock.
type Logger struct {
	level      LogLevel
	name       string
	sink       *logSink
	timestamps bool // if true, prepend timestamps
}

type logSink struct {
	mu     sync.Mutex
	output io.Writer
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	return &Logger{
		level:      LogLevel(verbosity),
		sink:       &logSink{output: os.Stderr},
		timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
	}
}

// Named returns a child logger that tags every line with name.
func (l *Logger) Named(name string) *Logger {
	child := *l
	if l.name != "" {
		name = l.name + "." + name
	}
	child.name = name
	return &child
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) { l.timestamps = on }

// SetOutput overrides the output writer (default: os.Stderr).  The
// change is visible to every logger derived with Named.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("INF", format, args...)
	}
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("WRN", format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.write("VRB", format, args...)
	}
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.write("DBG", format, args...)
	}
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("ERR", format, args...)
}

func (l *Logger) write(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.name != "" {
		msg = l.name + ": " + msg
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.timestamps {
		ts := time.Now().Format("15:04:05.000")
		fmt.Fprintf(l.sink.output, "%s [%s] %s\n", ts, level, msg)
	} else {
		fmt.Fprintf(l.sink.output, "[%s] %s\n", level, msg)
	}
}
