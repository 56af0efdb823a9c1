package scheduler

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/jjeffery/kv" // MIT License

	"github.com/linux-test-project/runltp-ng-sub000/internal/sut"
)

// fakeSUT is a minimal in-memory sut.SUT double used to drive the
// scheduler's classification and retry logic without a real transport.
type fakeSUT struct {
	mu sync.Mutex

	runFunc  func(ctx context.Context, command string, sink io.Writer) (sut.CommandOutcome, kv.Error)
	pingErr  kv.Error
	hostInfo sut.HostInfo
	startErr kv.Error

	stopCount  int
	startCount int
}

func (f *fakeSUT) Setup(config interface{}) (err kv.Error) { return nil }

func (f *fakeSUT) Start(ctx context.Context, sink io.Writer) (err kv.Error) {
	f.mu.Lock()
	f.startCount++
	f.mu.Unlock()
	return f.startErr
}

func (f *fakeSUT) Stop(ctx context.Context, sink io.Writer) (err kv.Error) {
	f.mu.Lock()
	f.stopCount++
	f.mu.Unlock()
	return nil
}

func (f *fakeSUT) Running() bool { return true }

func (f *fakeSUT) Ping(ctx context.Context) (rtt time.Duration, err kv.Error) {
	return 0, f.pingErr
}

func (f *fakeSUT) Run(ctx context.Context, command string, sink io.Writer) (outcome sut.CommandOutcome, err kv.Error) {
	if f.runFunc == nil {
		return sut.CommandOutcome{ReturnCode: 0}, nil
	}
	// Real transports accept a nil sink (the scheduler's "id -u" and
	// /dev/kmsg probes pass one); mirror that so runFunc can always write.
	if sink == nil {
		sink = io.Discard
	}
	return f.runFunc(ctx, command, sink)
}

func (f *fakeSUT) Fetch(ctx context.Context, path string) (data []byte, err kv.Error) { return nil, nil }

func (f *fakeSUT) HostInfo(ctx context.Context) (info sut.HostInfo, err kv.Error) {
	return f.hostInfo, nil
}

func (f *fakeSUT) TaintInfo(ctx context.Context) (info sut.TaintInfo, err kv.Error) {
	return sut.TaintInfo{}, nil
}

func (f *fakeSUT) ParallelCapable() bool { return true }

func (f *fakeSUT) EnsureStart(ctx context.Context, retries int) (err kv.Error) {
	return f.Start(ctx, io.Discard)
}

var _ sut.SUT = (*fakeSUT)(nil)
