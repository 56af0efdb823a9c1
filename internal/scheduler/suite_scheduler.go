package scheduler

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/linux-test-project/runltp-ng-sub000/internal/backoff"
	"github.com/linux-test-project/runltp-ng-sub000/internal/bus"
	"github.com/linux-test-project/runltp-ng-sub000/internal/log"
	"github.com/linux-test-project/runltp-ng-sub000/internal/manifest"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut"
)

// SuiteResult is the sealed, per-suite outcome handed to the report
// writer (spec §6's "results" entries are built from these).
type SuiteResult struct {
	Name     string
	HostInfo sut.HostInfo
	Results  []TestResult
	ExecTime time.Duration
}

// SuiteScheduler wraps a TestScheduler and iterates suites serially,
// implementing spec §4.5's residual-set retry loop.
type SuiteScheduler struct {
	sut            sut.SUT
	perTestTO      time.Duration
	suiteTO        time.Duration
	workers        int
	forceParallel  bool
	skipRE         *regexp.Regexp
	bus            *bus.Bus
	log            *log.Logger
	restartRetries int
	backoffs       *backoff.Backoffs

	mu      sync.Mutex
	current *TestScheduler
}

// Config bundles the suite-independent knobs a Session supplies.
type Config struct {
	PerTestTimeout time.Duration
	SuiteTimeout   time.Duration
	Workers        int
	ForceParallel  bool
	SkipRegex      *regexp.Regexp
	RestartRetries int
}

// New builds a SuiteScheduler.
func New(s sut.SUT, eventBus *bus.Bus, cfg Config) *SuiteScheduler {
	retries := cfg.RestartRetries
	if retries < 1 {
		retries = 3
	}
	return &SuiteScheduler{
		sut:            s,
		perTestTO:      cfg.PerTestTimeout,
		suiteTO:        cfg.SuiteTimeout,
		workers:        cfg.Workers,
		forceParallel:  cfg.ForceParallel,
		skipRE:         cfg.SkipRegex,
		bus:            eventBus,
		log:            log.NewLogger("scheduler/suite"),
		restartRetries: retries,
		backoffs:       backoff.New(),
	}
}

// Run implements spec §4.5 in full: filter, residual loop, restart on
// kernel errors, skip synthesis on suite timeout, and exec_time summed
// across every attempt.
func (ss *SuiteScheduler) Run(ctx context.Context, suite manifest.Suite) SuiteResult {
	ss.bus.Fire(bus.SuiteStarted, suite.Name)

	filtered := ss.filter(suite.Tests)
	residual := filtered

	var accumulated []TestResult
	var totalExec time.Duration

	for len(residual) > 0 {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if ss.suiteTO > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, ss.suiteTO)
		} else {
			attemptCtx, cancel = context.WithTimeout(ctx, 0)
		}

		ts := New(ss.sut, ss.perTestTO, ss.workers, ss.forceParallel, ss.bus, suite.Name)
		ss.mu.Lock()
		ss.current = ts
		ss.mu.Unlock()

		start := time.Now()
		results := ts.Run(attemptCtx, residual)
		attemptExec := time.Since(start)
		totalExec += attemptExec

		// attemptCtx.Err() must be read before cancel() runs: cancel()
		// itself marks attemptCtx done, which would make every attempt
		// look timed out regardless of whether ts.Run actually exhausted
		// the deadline.
		timedOut := attemptCtx.Err() != nil
		cancel()

		accumulated = append(accumulated, results...)

		if timedOut {
			ss.bus.Fire(bus.SuiteTimeout, suite.Name)
			accumulated = append(accumulated, syntheticSkips(residual, accumulated)...)
			break
		}

		kernelErr := anyKernelStatus(results)
		if kernelErr == "" {
			break
		}

		ss.restartSUT(ctx, suite.Name)
		residual = residualOf(filtered, accumulated)
	}

	hostInfo, _ := ss.sut.HostInfo(ctx)

	result := SuiteResult{
		Name:     suite.Name,
		HostInfo: hostInfo,
		Results:  accumulated,
		ExecTime: totalExec,
	}
	ss.bus.Fire(bus.SuiteCompleted, suite.Name)
	return result
}

func (ss *SuiteScheduler) filter(tests []manifest.Test) []manifest.Test {
	if ss.skipRE == nil {
		return tests
	}
	var out []manifest.Test
	for _, t := range tests {
		if ss.skipRE.MatchString(t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// anyKernelStatus reports the first kernel-class status seen in results,
// or "" if none, used to decide whether a restart-and-retry round is
// needed per spec §4.5 step 3c.
func anyKernelStatus(results []TestResult) Status {
	for _, r := range results {
		switch r.Status {
		case StatusKernelPanic, StatusKernelTainted, StatusKernelTimeout:
			return r.Status
		}
	}
	return ""
}

// residualOf computes "tests whose name does not yet appear in the
// accumulated results", per spec §4.5 step 3c.
func residualOf(all []manifest.Test, accumulated []TestResult) []manifest.Test {
	seen := make(map[string]bool, len(accumulated))
	for _, r := range accumulated {
		seen[r.Name] = true
	}
	var out []manifest.Test
	for _, t := range all {
		if !seen[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// syntheticSkips builds the skipped TestResult spec §4.5 step 3b requires
// for every remaining test on a suite timeout: all counters zero except
// skipped=1, return code 32, exec-time 0.
func syntheticSkips(residual []manifest.Test, alreadyDone []TestResult) []TestResult {
	done := make(map[string]bool, len(alreadyDone))
	for _, r := range alreadyDone {
		done[r.Name] = true
	}
	var out []TestResult
	for _, t := range residual {
		if done[t.Name] {
			continue
		}
		out = append(out, TestResult{
			Name:       t.Name,
			Command:    t.Command,
			Arguments:  t.Arguments,
			Status:     StatusTestTimeout,
			ReturnCode: 32,
			Skipped:    1,
			ExecTime:   0,
		})
	}
	return out
}

// restartSUT implements spec §4.5 step 3c's recovery: fire sut_restart,
// stop the inner scheduler, then stop and ensureStart the SUT.
func (ss *SuiteScheduler) restartSUT(ctx context.Context, suiteName string) {
	ss.bus.Fire(bus.SUTRestart, suiteName)

	ss.mu.Lock()
	ts := ss.current
	ss.mu.Unlock()
	if ts != nil {
		ts.Stop()
	}

	if err := ss.sut.Stop(ctx, nil); err != nil {
		ss.log.Warn("sut stop during restart failed", "err", err)
	}

	ss.backoffs.Wait(suiteName)
	if err := ss.sut.EnsureStart(ctx, ss.restartRetries); err != nil {
		ss.log.Error("sut restart failed", "err", err)
		ss.backoffs.Set(suiteName, 30*time.Second)
	}
}

// Stop cancels the in-flight suite iteration, cooperatively, per spec §5
// "Cancellation".
func (ss *SuiteScheduler) Stop() {
	ss.mu.Lock()
	ts := ss.current
	ss.mu.Unlock()
	if ts != nil {
		ts.Stop()
	}
}
