package scheduler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jjeffery/kv" // MIT License

	"github.com/linux-test-project/runltp-ng-sub000/internal/bus"
	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
	"github.com/linux-test-project/runltp-ng-sub000/internal/manifest"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut"
)

func newTestScheduler(s sut.SUT, perTestTO time.Duration) *TestScheduler {
	return New(s, perTestTO, 1, false, bus.New(16), "suite")
}

func TestClassifyNilErrorIsOK(t *testing.T) {
	ts := newTestScheduler(&fakeSUT{}, time.Second)
	if got := ts.classify(context.Background(), nil, sut.CommandOutcome{}); got != StatusOK {
		t.Fatalf("classify() = %v, want %v", got, StatusOK)
	}
}

func TestClassifyKernelPanicKind(t *testing.T) {
	ts := newTestScheduler(&fakeSUT{}, time.Second)
	err := runnerErrors.New(runnerErrors.KernelPanic, "oops")
	if got := ts.classify(context.Background(), err, sut.CommandOutcome{}); got != StatusKernelPanic {
		t.Fatalf("classify() = %v, want %v", got, StatusKernelPanic)
	}
}

func TestClassifyCommandTimeoutEscalatesViaLivePing(t *testing.T) {
	ts := newTestScheduler(&fakeSUT{pingErr: nil}, time.Second)
	err := runnerErrors.Wrap(runnerErrors.CommandTimeout, context.DeadlineExceeded)
	if got := ts.classify(context.Background(), err, sut.CommandOutcome{}); got != StatusTestTimeout {
		t.Fatalf("classify() = %v, want %v (SUT still reachable)", got, StatusTestTimeout)
	}
}

func TestClassifyCommandTimeoutEscalatesToKernelTimeoutWhenUnreachable(t *testing.T) {
	dead := runnerErrors.New(runnerErrors.Transport, "connection refused")
	ts := newTestScheduler(&fakeSUT{pingErr: dead}, time.Second)
	err := runnerErrors.Wrap(runnerErrors.CommandTimeout, context.DeadlineExceeded)
	if got := ts.classify(context.Background(), err, sut.CommandOutcome{}); got != StatusKernelTimeout {
		t.Fatalf("classify() = %v, want %v (SUT unreachable)", got, StatusKernelTimeout)
	}
}

// TestRunPerTestTimeoutZeroBreaksEveryTest is spec §8's boundary case: a
// per-test timeout of zero must make every test CommandTimeout/broken,
// never StatusOK. internal/sut/host and internal/sut/ssh both return a
// CommandTimeout-kinded error once ctx.Err() is non-nil; this fake mirrors
// that contract so the scheduler side of the bug (now fixed) stays
// covered independent of either transport.
func TestRunPerTestTimeoutZeroBreaksEveryTest(t *testing.T) {
	fake := &fakeSUT{
		runFunc: func(ctx context.Context, command string, sink io.Writer) (sut.CommandOutcome, kv.Error) {
			if ctx.Err() != nil {
				return sut.CommandOutcome{ReturnCode: -1}, runnerErrors.Wrap(runnerErrors.CommandTimeout, ctx.Err())
			}
			return sut.CommandOutcome{ReturnCode: 0}, nil
		},
		pingErr: runnerErrors.New(runnerErrors.Transport, "unreachable"),
	}
	ts := newTestScheduler(fake, 0)

	tests := []manifest.Test{{Name: "t1", Command: "true"}}
	results := ts.Run(context.Background(), tests)

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status == StatusOK {
		t.Fatal("a zero per-test timeout must not classify as StatusOK")
	}
	if results[0].Broken != 1 {
		t.Fatalf("expected Broken=1, got %+v", results[0])
	}
	if results[0].ReturnCode != -1 {
		t.Fatalf("expected ReturnCode=-1 for a broken test, got %d", results[0].ReturnCode)
	}
}

func TestRunOKTestIsNotBroken(t *testing.T) {
	fake := &fakeSUT{
		runFunc: func(ctx context.Context, command string, sink io.Writer) (sut.CommandOutcome, kv.Error) {
			_, _ = sink.Write([]byte("Passed Tests:  1\n"))
			return sut.CommandOutcome{ReturnCode: 0}, nil
		},
	}
	ts := newTestScheduler(fake, time.Second)

	tests := []manifest.Test{{Name: "t1", Command: "true"}}
	results := ts.Run(context.Background(), tests)

	if len(results) != 1 || results[0].Status != StatusOK {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Broken != 0 {
		t.Fatalf("expected Broken=0 for an OK test, got %d", results[0].Broken)
	}
}
