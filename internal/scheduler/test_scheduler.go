// Package scheduler implements the Test Scheduler (spec §4.4) and the
// Suite Scheduler (spec §4.5) that wraps it. Grounded in the teacher's
// worker-pool idiom from cmd/runner/processor.go (a bounded semaphore
// gating concurrent work, results collected under a mutex) adapted from
// "process one training run" to "run one LTP test".
package scheduler

import (
	"bytes"
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jjeffery/kv" // MIT License
	"github.com/lthibault/jitterbug"
	"go.uber.org/atomic"

	"github.com/linux-test-project/runltp-ng-sub000/internal/bus"
	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
	"github.com/linux-test-project/runltp-ng-sub000/internal/log"
	"github.com/linux-test-project/runltp-ng-sub000/internal/manifest"
	"github.com/linux-test-project/runltp-ng-sub000/internal/metrics"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut"
)

// Status is the exactly-one-of-five classification spec §4.4 step 5
// requires.
type Status string

const (
	StatusOK            Status = "OK"
	StatusTestTimeout   Status = "TEST_TIMEOUT"
	StatusKernelPanic   Status = "KERNEL_PANIC"
	StatusKernelTainted Status = "KERNEL_TAINTED"
	StatusKernelTimeout Status = "KERNEL_TIMEOUT"
)

// TestResult is the per-test outcome fed into the JSON report (spec §6).
type TestResult struct {
	Name       string
	Command    string
	Arguments  []string
	Status     Status
	ReturnCode int
	Stdout     []byte
	ExecTime   time.Duration

	Passed   int
	Failed   int
	Broken   int
	Skipped  int
	Warnings int

	TaintedDuring bool
	TaintMessages []string
}

// TestScheduler runs a cohort of manifest.Tests against a SUT, honoring
// spec §4.4's parallel/serial partitioning.
type TestScheduler struct {
	sut       sut.SUT
	perTestTO time.Duration
	workers   int
	forceAll  bool
	bus       *bus.Bus
	log       *log.Logger
	suiteName string

	// inFlight tracks concurrently-running tests so runCohort can publish
	// worker occupancy without a data race on a plain int.
	inFlight atomic.Int32

	mu       sync.Mutex
	results  []TestResult
	stopping bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	rootOnce sync.Once
	isRoot   bool
}

// New builds a TestScheduler. workers must be ≥1; perTestTimeout 0 means
// every test times out immediately (spec §8 boundary behavior).
func New(s sut.SUT, perTestTimeout time.Duration, workers int, forceParallel bool, eventBus *bus.Bus, suiteName string) *TestScheduler {
	if workers < 1 {
		workers = 1
	}
	return &TestScheduler{
		sut:       s,
		perTestTO: perTestTimeout,
		workers:   workers,
		forceAll:  forceParallel,
		bus:       eventBus,
		log:       log.NewLogger("scheduler/test"),
		suiteName: suiteName,
	}
}

// summaryRE matches the canonical LTP "Summary:" block, e.g.
// "Total Tests: 1\nTotal Skipped Tests: 0\n...\nPassed Tests: 1\n...".
var summaryRE = regexp.MustCompile(`(?m)^\s*(Passed|Failed|Skipped|Broken|Warnings)\s+Tests:\s+(\d+)\s*$`)

var (
	tpassRE = regexp.MustCompile(`\bTPASS\b`)
	tfailRE = regexp.MustCompile(`\bTFAIL\b`)
	tskipRE = regexp.MustCompile(`\bTSKIP\b`)
	tbrokRE = regexp.MustCompile(`\bTBROK\b`)
	twarnRE = regexp.MustCompile(`\bTWARN\b`)
)

// Run executes tests to completion (or cancellation), returning results in
// completion order per spec §4.4 "Output ordering".
func (ts *TestScheduler) Run(ctx context.Context, tests []manifest.Test) []TestResult {
	runCtx, cancel := context.WithCancel(ctx)
	ts.mu.Lock()
	ts.cancel = cancel
	ts.stopping = false
	ts.mu.Unlock()

	var parallelCohort, serialCohort []manifest.Test
	if ts.forceAll {
		parallelCohort = tests
	} else {
		for _, t := range tests {
			if t.Parallelizable {
				parallelCohort = append(parallelCohort, t)
			} else {
				serialCohort = append(serialCohort, t)
			}
		}
	}

	ts.runCohort(runCtx, parallelCohort, ts.workers)
	ts.runCohort(runCtx, serialCohort, 1)

	ts.mu.Lock()
	out := ts.results
	ts.mu.Unlock()
	return out
}

func (ts *TestScheduler) runCohort(ctx context.Context, tests []manifest.Test, concurrency int) {
	if len(tests) == 0 {
		return
	}
	sem := make(chan struct{}, concurrency)

	for _, t := range tests {
		ts.mu.Lock()
		stopping := ts.stopping
		ts.mu.Unlock()
		if stopping || ctx.Err() != nil {
			return
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		ts.wg.Add(1)
		go func(test manifest.Test) {
			defer ts.wg.Done()
			defer func() { <-sem }()

			occupied := ts.inFlight.Inc()
			metrics.WorkerOccupancy.WithLabelValues(hostLabel(), ts.suiteName).Set(float64(occupied))
			defer func() {
				metrics.WorkerOccupancy.WithLabelValues(hostLabel(), ts.suiteName).Set(float64(ts.inFlight.Dec()))
			}()

			result := ts.runOne(ctx, test)

			ts.mu.Lock()
			ts.results = append(ts.results, result)
			ts.mu.Unlock()
		}(t)
	}

	// Wait for this cohort to drain before the next begins, matching
	// spec §4.4's "parallel cohort runs first ... the serial cohort runs
	// afterwards".
	done := make(chan struct{})
	go func() {
		ts.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		<-done
	}
}

func (ts *TestScheduler) runOne(ctx context.Context, test manifest.Test) TestResult {
	result := TestResult{
		Name:      test.Name,
		Command:   test.Command,
		Arguments: test.Arguments,
	}

	ts.bus.Fire(bus.TestStarted, test.Name)
	ts.logKmsg(ctx, test)

	taintBefore, errK := ts.sut.TaintInfo(ctx)
	if errK != nil {
		ts.log.Warn("taint snapshot before test failed", "test", test.Name, "err", errK)
	}

	testCtx := ctx
	var cancel context.CancelFunc
	if ts.perTestTO > 0 {
		testCtx, cancel = context.WithTimeout(ctx, ts.perTestTO)
	} else {
		testCtx, cancel = context.WithTimeout(ctx, 0)
	}
	defer cancel()

	var stdout bytes.Buffer
	sink := &fanoutSink{bus: ts.bus, name: test.Name, accum: &stdout}

	commandLine := test.Command
	if len(test.Arguments) > 0 {
		commandLine = test.Command + " " + strings.Join(test.Arguments, " ")
	}
	start := time.Now()
	outcome, runErr := ts.sut.Run(testCtx, commandLine, sink)
	result.ExecTime = time.Since(start)
	result.Stdout = stdout.Bytes()

	taintAfter, errK2 := ts.sut.TaintInfo(ctx)
	if errK2 == nil && errK == nil && taintAfter.Code != taintBefore.Code {
		result.TaintedDuring = true
		result.TaintMessages = taintAfter.Messages
		ts.bus.Fire(bus.KernelTainted, test.Name, taintAfter.Messages)
	}

	result.Status = ts.classify(testCtx, runErr, outcome)
	// A panic or timeout always outranks a taint; absent either, a taint
	// still promotes the test out of OK (spec §4.5 step 3c treats
	// KERNEL_TAINTED as one of the three statuses that trigger a SUT
	// restart, so it must survive into the classification, not just the
	// TaintedDuring flag).
	if result.Status == StatusOK && result.TaintedDuring {
		result.Status = StatusKernelTainted
	}
	ts.populateCounters(&result, outcome)

	if result.Status != StatusOK {
		result.Broken = 1
		result.ReturnCode = -1
		ts.escalate(ctx, test.Name, result.Status)
	} else {
		result.ReturnCode = outcome.ReturnCode
	}

	ts.bus.Fire(bus.TestCompleted, test.Name, string(result.Status))
	return result
}

// classify turns a Run error (if any) plus its outcome into exactly one
// of the five statuses of spec §4.4 step 5.
func (ts *TestScheduler) classify(ctx context.Context, runErr kv.Error, outcome sut.CommandOutcome) Status {
	if runErr == nil {
		return StatusOK
	}
	switch runnerErrors.KindOf(runErr) {
	case runnerErrors.KernelPanic:
		return StatusKernelPanic
	case runnerErrors.CommandTimeout:
		return ts.escalateTimeout(ctx)
	}
	if ctx.Err() != nil {
		return ts.escalateTimeout(ctx)
	}
	return StatusTestTimeout
}

// escalateTimeout implements spec §4.4's "Timeout handling": ping the SUT
// with a jittered ~10s deadline; success keeps TEST_TIMEOUT, failure
// escalates to KERNEL_TIMEOUT.
func (ts *TestScheduler) escalateTimeout(ctx context.Context) Status {
	jitter := &jitterbug.Norm{Stdev: time.Second}
	deadline := jitter.Jitter(10 * time.Second)

	pingCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if _, err := ts.sut.Ping(pingCtx); err != nil {
		return StatusKernelTimeout
	}
	return StatusTestTimeout
}

func (ts *TestScheduler) escalate(ctx context.Context, testName string, status Status) {
	switch status {
	case StatusKernelPanic:
		ts.bus.Fire(bus.KernelPanic, testName)
	case StatusKernelTimeout, StatusTestTimeout:
		ts.bus.Fire(bus.TestTimedOut, testName, string(status))
	}
}

// populateCounters implements spec §4.4 step 6's counter derivation
// chain: canonical Summary block, else TPASS/TFAIL/... occurrence counts,
// else inference from the return code.
func (ts *TestScheduler) populateCounters(result *TestResult, outcome sut.CommandOutcome) {
	if result.Status != StatusOK {
		result.Skipped = 0
		return
	}

	text := string(result.Stdout)
	if matches := summaryRE.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		for _, m := range matches {
			count, _ := strconv.Atoi(m[2])
			switch m[1] {
			case "Passed":
				result.Passed = count
			case "Failed":
				result.Failed = count
			case "Skipped":
				result.Skipped = count
			case "Broken":
				result.Broken = count
			case "Warnings":
				result.Warnings = count
			}
		}
		return
	}

	result.Passed = len(tpassRE.FindAllString(text, -1))
	result.Failed = len(tfailRE.FindAllString(text, -1))
	result.Skipped = len(tskipRE.FindAllString(text, -1))
	result.Broken = len(tbrokRE.FindAllString(text, -1))
	result.Warnings = len(twarnRE.FindAllString(text, -1))
	if result.Passed+result.Failed+result.Skipped+result.Broken+result.Warnings > 0 {
		return
	}

	switch outcome.ReturnCode {
	case 0:
		result.Passed = 1
	case 4:
		result.Warnings = 1
	case 32:
		result.Skipped = 1
	default:
		result.Failed = 1
	}
}

// logKmsg writes the test's command line to /dev/kmsg for post-mortem
// correlation, when running as root; non-root skips silently per spec
// §4.4 step 1.
func (ts *TestScheduler) logKmsg(ctx context.Context, test manifest.Test) {
	if !ts.isRunningAsRoot(ctx) {
		return
	}
	line := test.Name + ": " + test.Command
	if len(test.Arguments) > 0 {
		line += " " + strings.Join(test.Arguments, " ")
	}
	if _, err := ts.sut.Run(ctx, "echo '"+escapeForShell(line)+"' > /dev/kmsg", nil); err != nil {
		ts.log.Warn("kmsg correlation log failed", "test", test.Name, "err", err)
	}
}

// isRunningAsRoot checks, once per suite attempt, whether the SUT itself
// (not the local process invoking it) is executing commands as root, by
// asking it directly rather than trusting the local euid, since the SUT
// may be a remote host reached over ssh or ltx.
func (ts *TestScheduler) isRunningAsRoot(ctx context.Context) bool {
	ts.rootOnce.Do(func() {
		outcome, err := ts.sut.Run(ctx, "id -u", nil)
		if err != nil {
			return
		}
		ts.isRoot = strings.TrimSpace(string(outcome.Stdout)) == "0"
	})
	return ts.isRoot
}

var schedulerHost, _ = os.Hostname()

func hostLabel() string { return schedulerHost }

func escapeForShell(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

// Stop implements spec §4.4 "Cancellation": marks a flag, cancels every
// in-flight task, and awaits their completion. Results already appended
// remain.
func (ts *TestScheduler) Stop() {
	ts.mu.Lock()
	ts.stopping = true
	cancel := ts.cancel
	ts.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ts.wg.Wait()
}

// fanoutSink mirrors test stdout to the event bus while accumulating it,
// per spec §4.4 step 3.
type fanoutSink struct {
	bus   *bus.Bus
	name  string
	accum *bytes.Buffer
}

func (f *fanoutSink) Write(p []byte) (int, error) {
	f.accum.Write(p)
	f.bus.Fire(bus.TestStdout, f.name, append([]byte{}, p...))
	return len(p), nil
}
