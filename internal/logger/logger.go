// Package logger provides the logging facility used across the engine.
// Every component logs through a named Logger instead of fmt or the
// standard library log package, so log lines can be filtered, redirected
// or silenced per component by the entry point.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cenkalti/log"
)

var handler log.Handler

func init() {
	SetHandler(log.NewFileHandler(os.Stderr))
}

// SetHandler replaces the process-wide logging handler. init installs a
// stderr handler; the CLI entry point only changes its level through
// SetLevel. Nothing inside the engine reaches for a global logger directly.
func SetHandler(h log.Handler) {
	handler = h
	handler.SetFormatter(formatter{})
}

// SetLevel changes the minimum level forwarded to the handler.
func SetLevel(l log.Level) {
	handler.SetLevel(l)
}

// Logger logs messages tagged with a component name.
type Logger struct {
	log.Logger
	name string
}

// New returns a Logger whose messages are prefixed with name.
func New(name string) Logger {
	l := log.NewLogger(name)
	l.SetLevel(log.DEBUG) // filtering happens in the handler
	l.SetHandler(handler)
	return Logger{Logger: l, name: name}
}

// Sub returns a derived Logger scoped to a sub-component, e.g.
// logger.New("peer").Sub(addr.String()) logs as "peer 1.2.3.4:6881".
func (l Logger) Sub(suffix string) Logger {
	return New(l.name + " " + suffix)
}

type formatter struct{}

// Format renders "2014-02-28 18:15:57 INFO     [name] file.go:42           message".
func (formatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %-20s %s",
		fmt.Sprint(rec.Time)[:19],
		rec.Level,
		rec.LoggerName,
		filepath.Base(rec.Filename)+":"+strconv.Itoa(rec.Line),
		rec.Message)
}
