// Package logging provides the leveled logger used as the server's default.
// Callers can swap it for anything implementing the root Logger interface.
package logging

import (
	"io"
	"io/ioutil"
	"log"
	"os"
)

const (
	LevelError = iota
	LevelWarn
	LevelInfo
	LevelDebug

	prefixError = "\033[31m[ERROR]\033[0m "
	prefixWarn  = "\033[33m[WARN]\033[0m "
	prefixInfo  = "\033[32m[INFO]\033[0m "
	prefixDebug = "\033[36m[DEBUG]\033[0m "
)

var prefixes = []string{prefixError, prefixWarn, prefixInfo, prefixDebug}

type Logger struct {
	loggers []*log.Logger
}

// NewLogger writes all levels up to level to out, the rest are discarded.
func NewLogger(level int, out io.Writer) *Logger {
	if level < 0 {
		level = 0
	}
	if level > LevelDebug {
		level = LevelDebug
	}
	l := new(Logger)
	l.loggers = make([]*log.Logger, LevelDebug+1)
	i := 0
	for ; i <= level; i++ {
		l.loggers[i] = log.New(out, prefixes[i], log.LstdFlags)
	}
	for ; i <= LevelDebug; i++ {
		l.loggers[i] = log.New(ioutil.Discard, "", 0)
	}
	return l
}

// Printf logs at error level so the Logger satisfies the Printf-style
// interface expected by the server and the worker pool.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.loggers[LevelError].Printf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.loggers[LevelInfo].Printf(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.loggers[LevelWarn].Printf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.loggers[LevelError].Printf(format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.loggers[LevelDebug].Printf(format, args...)
}

var globalLogger = NewLogger(LevelWarn, os.Stderr)

// Default returns the process-wide logger.
func Default() *Logger {
	return globalLogger
}
