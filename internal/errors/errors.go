// Package errors defines the error taxonomy of spec §7 as kv.Error values
// tagged with a "kind" field, rather than as a hierarchy of Go types. This
// follows the teacher's own idiom of using github.com/jjeffery/kv to carry
// structured context on an error instead of defining new error types for
// every failure mode.
package errors

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Kind distinguishes the taxonomy entries of spec §7. It is carried as a
// "kind" key on the kv.Error rather than as a concrete Go type so that
// callers can still use kv.Error's normal With()/Is() machinery.
type Kind string

const (
	Configuration  Kind = "configuration"
	Transport      Kind = "transport"
	CommandTimeout Kind = "command_timeout"
	SuiteTimeout   Kind = "suite_timeout"
	KernelPanic    Kind = "kernel_panic"
	KernelTainted  Kind = "kernel_tainted"
	KernelTimeout  Kind = "kernel_timeout"
	Handler        Kind = "handler"
)

// New builds a kv.Error of the given kind with a message, annotated with
// the caller's stack frame the way every teacher package does.
func New(kind Kind, msg string) kv.Error {
	return kv.NewError(msg).With("kind", string(kind), "stack", stack.Trace().TrimRuntime())
}

// Wrap adorns an existing error with a kind and a stack trace.
func Wrap(kind Kind, err error) kv.Error {
	if err == nil {
		return nil
	}
	return kv.Wrap(err).With("kind", string(kind), "stack", stack.Trace().TrimRuntime())
}

// KindOf extracts the Kind tagged onto a kv.Error, if any. Errors from
// other sources (a bare error from a third-party library we have not yet
// wrapped) report an empty Kind.
func KindOf(err error) Kind {
	kvErr, ok := err.(kv.Error)
	if !ok {
		return ""
	}
	keyvals := kvErr.Keyvals()
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok && key == "kind" {
			if s, ok := keyvals[i+1].(string); ok {
				return Kind(s)
			}
		}
	}
	return ""
}

// Is reports whether err was built with Kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
