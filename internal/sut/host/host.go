// Package host implements the Host SUT transport of spec §4.2.1: a
// direct process spawn on the local machine, in its own process group so
// that Stop can kill every descendant at once.
package host

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
	"github.com/linux-test-project/runltp-ng-sub000/internal/log"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut"
)

// Config is the Host transport's setup options. The Host transport needs
// no connection parameters; Shell lets a caller pick an alternative to
// /bin/sh (unit tests, for instance, might want a predictable busybox
// sh).
type Config struct {
	Shell string
}

// Host runs commands as direct child processes of the runner.
type Host struct {
	mu      sync.Mutex
	running bool

	shell string

	// inFlight tracks the *exec.Cmd of every currently executing Run call
	// so that Stop can signal each one's whole process group.
	inFlight map[*exec.Cmd]struct{}

	fetchWG sync.WaitGroup

	// env holds variables applied via BroadcastEnv (spec §4.6's session
	// environment construction); every subsequent Run spawns a fresh
	// process, so these must be threaded into cmd.Env rather than set
	// once in the parent shell.
	envMu sync.Mutex
	env   map[string]string

	log *log.Logger
}

// New constructs an unconfigured Host transport.
func New() *Host {
	return &Host{shell: "/bin/sh", log: log.NewLogger("sut/host")}
}

func (h *Host) Setup(config interface{}) (err kv.Error) {
	if cfg, ok := config.(Config); ok && cfg.Shell != "" {
		h.shell = cfg.Shell
	}
	return nil
}

func (h *Host) Start(ctx context.Context, sink io.Writer) (err kv.Error) {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
	return nil
}

func (h *Host) Stop(ctx context.Context, sink io.Writer) (err kv.Error) {
	h.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(h.inFlight))
	for cmd := range h.inFlight {
		cmds = append(cmds, cmd)
	}
	h.running = false
	h.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.Process != nil {
			// Negative pid sends the signal to the whole process group,
			// killing any grandchildren the test spawned.
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			_, _ = cmd.Process.Wait()
		}
	}

	// Join any outstanding Fetch calls before reporting Stop complete.
	h.fetchWG.Wait()
	return nil
}

func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// BroadcastEnv sets a variable that every subsequent Run call inherits,
// the Host transport's counterpart to ltx.Transport.BroadcastEnv, used by
// Session.applyEnv to export spec §4.6's session environment (LTPROOT,
// TMPDIR, PATH, LTP_TIMEOUT_MUL, ...) once at session start rather than
// re-exporting it in every test's command line.
func (h *Host) BroadcastEnv(ctx context.Context, key, value string) (err kv.Error) {
	h.envMu.Lock()
	defer h.envMu.Unlock()
	if h.env == nil {
		h.env = map[string]string{}
	}
	h.env[key] = value
	return nil
}

func (h *Host) Ping(ctx context.Context) (rtt time.Duration, err kv.Error) {
	start := time.Now()
	outcome, err := h.Run(ctx, "true", io.Discard)
	if err != nil {
		return 0, err
	}
	if outcome.ReturnCode != 0 {
		return 0, runnerErrors.New(runnerErrors.Transport, "ping command failed").
			With("retcode", outcome.ReturnCode)
	}
	return time.Since(start), nil
}

// Run spawns command through h.shell in a fresh process group, streaming
// stdout to sink in reads of up to sut.ChunkSize bytes (exact chunking is
// not load-bearing, only that bytes are streamed incrementally rather
// than buffered whole).
func (h *Host) Run(ctx context.Context, command string, sink io.Writer) (outcome sut.CommandOutcome, err kv.Error) {
	outcome.Command = command
	start := time.Now()

	cmd := exec.CommandContext(ctx, h.shell, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h.envMu.Lock()
	if len(h.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range h.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	h.envMu.Unlock()

	stdout, errGo := cmd.StdoutPipe()
	if errGo != nil {
		return outcome, runnerErrors.Wrap(runnerErrors.Transport, errGo)
	}
	cmd.Stderr = cmd.Stdout

	panicSink := sut.NewPanicSink(sink)
	var captured bytes.Buffer
	tee := io.MultiWriter(panicSink, &captured)

	if errGo = cmd.Start(); errGo != nil {
		return outcome, runnerErrors.Wrap(runnerErrors.Transport, errGo).
			With("stack", stack.Trace().TrimRuntime())
	}

	h.mu.Lock()
	if h.inFlight == nil {
		h.inFlight = map[*exec.Cmd]struct{}{}
	}
	h.inFlight[cmd] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inFlight, cmd)
		h.mu.Unlock()
	}()

	reader := bufio.NewReaderSize(stdout, sut.ChunkSize)
	var panicErr kv.Error
	buf := make([]byte, sut.ChunkSize)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, werr := tee.Write(buf[:n]); werr != nil {
				if kvErr, ok := werr.(kv.Error); ok && panicErr == nil {
					panicErr = kvErr
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	outcome.ExecTime = time.Since(start)
	outcome.Stdout = captured.Bytes()

	if panicErr != nil {
		return outcome, panicErr
	}

	// exec.CommandContext only sends the process a kill signal when ctx is
	// done; it does not itself turn that into an error distinguishable
	// from a normal exit. Check ctx first so a timed-out test is reported
	// as CommandTimeout rather than as a (nonsensical) successful run with
	// ExitCode() -1.
	if ctx.Err() != nil {
		outcome.ReturnCode = -1
		return outcome, runnerErrors.Wrap(runnerErrors.CommandTimeout, ctx.Err()).
			With("stack", stack.Trace().TrimRuntime())
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			outcome.ReturnCode = exitErr.ExitCode()
			return outcome, nil
		}
		return outcome, runnerErrors.Wrap(runnerErrors.Transport, waitErr).
			With("stack", stack.Trace().TrimRuntime())
	}
	outcome.ReturnCode = 0
	return outcome, nil
}

// Fetch reads an entire file from the local filesystem. Each call is
// counted in fetchWG, which Stop waits on, so a shutdown does not return
// while a read is mid-flight.
func (h *Host) Fetch(ctx context.Context, path string) (data []byte, err kv.Error) {
	h.fetchWG.Add(1)
	defer h.fetchWG.Done()

	data, errGo := os.ReadFile(path)
	if errGo != nil {
		return nil, runnerErrors.Wrap(runnerErrors.Transport, errGo).With("path", path)
	}
	return data, nil
}

func (h *Host) HostInfo(ctx context.Context) (info sut.HostInfo, err kv.Error) {
	return sut.HostInfoGeneric(ctx, h)
}

func (h *Host) TaintInfo(ctx context.Context) (info sut.TaintInfo, err kv.Error) {
	return sut.TaintInfoGeneric(ctx, h)
}

// ParallelCapable: a host can run multiple commands concurrently, each in
// its own process group, limited only by the worker pool above it.
func (h *Host) ParallelCapable() bool { return true }

func (h *Host) EnsureStart(ctx context.Context, retries int) (err kv.Error) {
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		if err = h.Start(ctx, io.Discard); err == nil {
			return nil
		}
		h.log.Warn("host start attempt failed", "attempt", attempt, "err", err)
		_ = h.Stop(ctx, io.Discard)
	}
	return runnerErrors.Wrap(runnerErrors.Configuration, fmt.Errorf("host transport failed to start after %d attempts: %v", retries, err))
}

var _ sut.SUT = (*Host)(nil)
