// Package log adorns the logxi package with a hostname field so that
// every log line emitted by the runner, regardless of which SUT a given
// process is driving, can be traced back to the machine it ran on.
package log

import (
	"os"
	"sync"

	logxi "github.com/karlmutch/logxi/v1"
)

var hostName string

func init() {
	hostName, _ = os.Hostname()
}

// Logger wraps a logxi logger with the host field and a mutex so that
// concurrent callers (the scheduler runs many tests at once) cannot
// interleave a single record's fields.
type Logger struct {
	log logxi.Logger
	sync.Mutex
}

// NewLogger creates a logger labelled with component, e.g. "scheduler",
// "ssh", "ltx".
func NewLogger(component string) (l *Logger) {
	logxi.DisableCallstack()

	return &Logger{
		log: logxi.New(component),
	}
}

func (l *Logger) withHost(args []interface{}) []interface{} {
	allArgs := append([]interface{}{}, args...)
	return append(allArgs, "host", hostName)
}

func (l *Logger) Trace(msg string, args ...interface{}) {
	l.Lock()
	defer l.Unlock()
	l.log.Trace(msg, l.withHost(args)...)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.Lock()
	defer l.Unlock()
	l.log.Debug(msg, l.withHost(args)...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.Lock()
	defer l.Unlock()
	l.log.Info(msg, l.withHost(args)...)
}

func (l *Logger) Warn(msg string, args ...interface{}) (err error) {
	l.Lock()
	defer l.Unlock()
	return l.log.Warn(msg, l.withHost(args)...)
}

func (l *Logger) Error(msg string, args ...interface{}) (err error) {
	l.Lock()
	defer l.Unlock()
	return l.log.Error(msg, l.withHost(args)...)
}

func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.Lock()
	defer l.Unlock()
	l.log.Fatal(msg, l.withHost(args)...)
}
