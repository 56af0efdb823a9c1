package host

import (
	"context"
	"strings"
	"testing"
	"time"

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	h := New()
	if err := h.Setup(Config{}); err != nil {
		t.Fatalf("Setup() = %v", err)
	}
	return h
}

func TestRunSuccess(t *testing.T) {
	h := newTestHost(t)
	var sink strings.Builder
	outcome, err := h.Run(context.Background(), "echo hello", &sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.ReturnCode != 0 {
		t.Fatalf("ReturnCode = %d, want 0", outcome.ReturnCode)
	}
	if !strings.Contains(string(outcome.Stdout), "hello") {
		t.Fatalf("Stdout = %q, want it to contain %q", outcome.Stdout, "hello")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	h := newTestHost(t)
	outcome, err := h.Run(context.Background(), "exit 7", nil)
	if err != nil {
		t.Fatalf("Run() error = %v, want a nil error for a clean non-zero exit", err)
	}
	if outcome.ReturnCode != 7 {
		t.Fatalf("ReturnCode = %d, want 7", outcome.ReturnCode)
	}
}

// TestRunPerTestTimeoutZeroIsReportedAsTimeout is spec §8's boundary case:
// a context that is already expired before the command can finish must
// be reported as CommandTimeout, never as a successful run.
func TestRunPerTestTimeoutZeroIsReportedAsTimeout(t *testing.T) {
	h := newTestHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	outcome, err := h.Run(ctx, "sleep 5", nil)
	if err == nil {
		t.Fatal("Run() error = nil, want a CommandTimeout error")
	}
	if runnerErrors.KindOf(err) != runnerErrors.CommandTimeout {
		t.Fatalf("KindOf(err) = %q, want %q", runnerErrors.KindOf(err), runnerErrors.CommandTimeout)
	}
	if outcome.ReturnCode != -1 {
		t.Fatalf("ReturnCode = %d, want -1", outcome.ReturnCode)
	}
}

// TestRunTimeoutInterruptsLongCommand asserts the context deadline
// actually interrupts a long-running command promptly, rather than
// waiting for it to finish.
func TestRunTimeoutInterruptsLongCommand(t *testing.T) {
	h := newTestHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Run(ctx, "sleep 10", nil)
	elapsed := time.Since(start)

	if err == nil || runnerErrors.KindOf(err) != runnerErrors.CommandTimeout {
		t.Fatalf("Run() error = %v, want a CommandTimeout error", err)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("Run() took %v, want the 100ms deadline to cut the 10s sleep short", elapsed)
	}
}

func TestBroadcastEnvPersistsAcrossRunCalls(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()
	if err := h.BroadcastEnv(ctx, "RUNLTP_TEST_VAR", "sentinel"); err != nil {
		t.Fatalf("BroadcastEnv() = %v", err)
	}

	outcome, err := h.Run(ctx, "echo $RUNLTP_TEST_VAR", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(string(outcome.Stdout), "sentinel") {
		t.Fatalf("Stdout = %q, want it to contain the broadcast env value", outcome.Stdout)
	}
}

func TestStopKillsInFlightCommand(t *testing.T) {
	h := newTestHost(t)
	if err := h.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = h.Run(context.Background(), "sleep 10", nil)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	if err := h.Stop(context.Background(), nil); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after Stop(); the process group was not killed")
	}
}
