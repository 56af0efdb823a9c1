// Package ui holds event-bus subscribers that render a session's
// progress for a human. Per spec §1 these are out of scope except as
// "pure subscribers on the event bus"; simple is the one default
// renderer provided so cmd/runner works standalone without pulling in a
// terminal UI library the retrieval pack doesn't carry.
package ui

import (
	"fmt"
	"io"

	"github.com/linux-test-project/runltp-ng-sub000/internal/bus"
)

// Simple subscribes to the bus and prints one line per lifecycle event to
// out, mirroring the plain fmt.Fprintf logging the teacher's cmd/runner
// uses for its own progress output before a Logger is available.
func Simple(b *bus.Bus, out io.Writer) {
	line := func(format string, args ...interface{}) error {
		fmt.Fprintf(out, format+"\n", args...)
		return nil
	}

	b.Register(bus.SessionStarted, func(args ...interface{}) error {
		return line("session: started")
	})
	b.Register(bus.SessionCompleted, func(args ...interface{}) error {
		return line("session: completed")
	})
	b.Register(bus.SessionStopped, func(args ...interface{}) error {
		return line("session: stopped")
	})
	b.Register(bus.SessionError, func(args ...interface{}) error {
		return line("session: error: %v", firstArg(args))
	})

	b.Register(bus.SUTRestart, func(args ...interface{}) error {
		return line("sut: restarting (%v)", firstArg(args))
	})
	b.Register(bus.SUTNotResponding, func(args ...interface{}) error {
		return line("sut: not responding")
	})

	b.Register(bus.SuiteStarted, func(args ...interface{}) error {
		return line("suite %v: started", firstArg(args))
	})
	b.Register(bus.SuiteCompleted, func(args ...interface{}) error {
		return line("suite %v: completed", firstArg(args))
	})
	b.Register(bus.SuiteTimeout, func(args ...interface{}) error {
		return line("suite %v: timed out", firstArg(args))
	})

	b.Register(bus.TestStarted, func(args ...interface{}) error {
		return line("  test %v: started", firstArg(args))
	})
	b.Register(bus.TestCompleted, func(args ...interface{}) error {
		return line("  test %v: %v", firstArg(args), secondArg(args))
	})
	b.Register(bus.TestTimedOut, func(args ...interface{}) error {
		return line("  test %v: %v", firstArg(args), secondArg(args))
	})

	b.Register(bus.KernelPanic, func(args ...interface{}) error {
		return line("!! kernel panic during %v", firstArg(args))
	})
	b.Register(bus.KernelTainted, func(args ...interface{}) error {
		return line("!! kernel tainted during %v: %v", firstArg(args), secondArg(args))
	})

	b.Register(bus.InternalError, func(args ...interface{}) error {
		return line("internal error: %v", firstArg(args))
	})
}

func firstArg(args []interface{}) interface{} {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func secondArg(args []interface{}) interface{} {
	if len(args) > 1 {
		return args[1]
	}
	return ""
}
