// Package bus implements the process-wide event bus of spec §4.1: a named
// registry of ordered handlers fed by a single-consumer FIFO queue, so
// that observers (the simple UI subscriber, the metrics subscriber, the
// Slack notifier) see a totally ordered, consistent narrative of a run.
//
// The bus is explicit shared state with a lifecycle bound to a Session
// (spec §9 "process-wide event bus" design note): callers construct one
// with New and Stop it when the session ends, rather than reaching for a
// package-level singleton.
package bus

import (
	"context"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
	"github.com/linux-test-project/runltp-ng-sub000/internal/log"
)

// InternalError is the reserved event name invoked when a subscriber
// handler itself fails (spec §4.1).
const InternalError = "internal_error"

// Handler is the signature every subscriber registers. args mirrors the
// payload passed to Fire for the same event name.
type Handler func(args ...interface{}) error

// invocation is one queued (handler, args) pair awaiting the consumer.
type invocation struct {
	event   string
	handler Handler
	args    []interface{}
	// aborted is shared by every invocation queued by one Fire call; once a
	// handler fails, the remaining handlers of that call are skipped.
	aborted *bool
}

// Bus is a named, ordered publish/subscribe channel with a single
// sequential consumer.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]Handler

	queue    chan invocation
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}

	log *log.Logger
}

// New creates a Bus with its consumer loop already running. depth bounds
// how many pending invocations may be queued before Fire blocks its
// caller; the teacher's equivalent fan-out (statebroadcast.go) uses small
// bounded channels for the same reason — a slow consumer should apply
// backpressure rather than grow without bound.
func New(depth int) (b *Bus) {
	if depth <= 0 {
		depth = 256
	}
	b = &Bus{
		handlers: map[string][]Handler{},
		queue:    make(chan invocation, depth),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.NewLogger("bus"),
	}
	go b.consume()
	return b
}

// Register appends handler to the ordered list for name. Registering the
// same name more than once appends; handlers run in registration order.
func (b *Bus) Register(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

// Unregister drops every handler registered for name.
func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, name)
}

// Reset drops every handler for every event name.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = map[string][]Handler{}
}

// Fire enqueues one invocation per handler currently registered under
// name, snapshotting the handler list at fire time. It never blocks on
// handler execution; it can block briefly if the queue is momentarily
// full (backpressure), but does not wait for the handlers to run.
func (b *Bus) Fire(name string, args ...interface{}) {
	b.mu.Lock()
	snapshot := append([]Handler{}, b.handlers[name]...)
	b.mu.Unlock()

	select {
	case <-b.stopped:
		return
	default:
	}

	aborted := new(bool)
	for _, h := range snapshot {
		select {
		case b.queue <- invocation{event: name, handler: h, args: args, aborted: aborted}:
		case <-b.stopped:
			return
		}
	}
}

// consume is the single sequential consumer: it dequeues and awaits each
// invocation in order, guaranteeing e.g. that test_started always
// precedes test_completed for the same test.
func (b *Bus) consume() {
	defer close(b.done)
	for inv := range b.queue {
		if inv.handler == nil {
			// Stop()'s sentinel invocation.
			return
		}
		b.invoke(inv)
	}
}

func (b *Bus) invoke(inv invocation) {
	if *inv.aborted {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			*inv.aborted = true
			b.redirectError(inv.event, runnerErrors.New(runnerErrors.Handler, "handler panicked").
				With("event", inv.event, "recovered", r, "stack", stack.Trace().TrimRuntime()))
		}
	}()

	if err := inv.handler(inv.args...); err != nil {
		*inv.aborted = true
		b.redirectError(inv.event, err)
	}
}

// redirectError looks up internal_error and invokes only its first
// handler, per spec §4.1 ("other handlers of the original event do not
// run"). If no internal_error handler is registered the failure is
// simply dropped; the bus never stops the run over a subscriber bug.
func (b *Bus) redirectError(failingEvent string, err error) {
	b.mu.Lock()
	handlers := b.handlers[InternalError]
	b.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	wrapped, ok := err.(kv.Error)
	if !ok {
		wrapped = kv.Wrap(err)
	}
	_ = handlers[0](wrapped, failingEvent)
}

// Stop enqueues a sentinel; the consumer drains remaining entries and
// exits. Stop is idempotent and safe to call multiple times; Wait blocks
// until the consumer loop has actually exited.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopped)
		// A nil handler is the queue sentinel: consume() recognises it
		// and exits without invoking anything.
		b.queue <- invocation{handler: nil}
		close(b.queue)
	})
}

// Wait blocks until the consumer loop has drained and exited, or ctx is
// done, whichever comes first.
func (b *Bus) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
