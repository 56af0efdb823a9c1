package ltx

// Transport adapts a Session onto the sut.SUT interface (spec §4.2), the
// same role internal/sut/host.Host and internal/sut/ssh.SSH play for
// their respective connection kinds. It additionally owns the local
// process that hosts the remote LTX server (spawned over the chosen
// Dialer).

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/jjeffery/kv" // MIT License

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
	"github.com/linux-test-project/runltp-ng-sub000/internal/log"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut"
)

// Dialer starts the remote ltx-server process (however it reaches the
// SUT: a local fork/exec, an ssh ProcessStart, a serial console, ...) and
// returns the pipe endpoints the protocol frames travel over.
type Dialer interface {
	Dial(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err kv.Error)
}

// LocalDialer execs the ltx-server binary as a child process, used when
// the SUT is addressable only by its own exec helper (spec §4.2.3: "LTX
// is transport-agnostic; this runner only needs a pair of byte streams").
type LocalDialer struct {
	// Command is the ltx-server binary and arguments, e.g.
	// []string{"ltx-server"}.
	Command []string
}

func (d LocalDialer) Dial(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err kv.Error) {
	if len(d.Command) == 0 {
		return nil, nil, runnerErrors.New(runnerErrors.Configuration, "ltx: no server command configured")
	}
	cmd := exec.CommandContext(ctx, d.Command[0], d.Command[1:]...)

	stdin, errGo := cmd.StdinPipe()
	if errGo != nil {
		return nil, nil, runnerErrors.Wrap(runnerErrors.Transport, errGo)
	}
	stdout, errGo = cmd.StdoutPipe()
	if errGo != nil {
		return nil, nil, runnerErrors.Wrap(runnerErrors.Transport, errGo)
	}
	if errGo = cmd.Start(); errGo != nil {
		return nil, nil, runnerErrors.Wrap(runnerErrors.Transport, errGo)
	}
	return stdin, stdout, nil
}

// Transport is the sut.SUT implementation for the LTX pipe protocol.
type Transport struct {
	mu      sync.Mutex
	dialer  Dialer
	running bool
	session *Session
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	log     *log.Logger
}

// New builds an unconnected LTX transport around dialer.
func New(dialer Dialer) *Transport {
	return &Transport{dialer: dialer, log: log.NewLogger("sut/ltx")}
}

func (t *Transport) Setup(config interface{}) (err kv.Error) {
	if d, ok := config.(Dialer); ok {
		t.mu.Lock()
		t.dialer = d
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Start(ctx context.Context, sink io.Writer) (err kv.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	stdin, stdout, err := t.dialer.Dial(ctx)
	if err != nil {
		return err
	}

	session := NewSession(stdin, stdout)
	if _, errV := session.Version(ctx); errV != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return errV
	}
	if sink != nil {
		fmt.Fprintf(sink, "ltx session established\n")
	}

	t.stdin = stdin
	t.stdout = stdout
	t.session = session
	t.running = true
	return nil
}

func (t *Transport) Stop(ctx context.Context, sink io.Writer) (err kv.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	if t.session != nil {
		err = t.session.Close(ctx)
	}
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.stdout != nil {
		_ = t.stdout.Close()
	}
	t.running = false
	t.session = nil
	return err
}

func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Transport) currentSession() (*Session, kv.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.session == nil {
		return nil, runnerErrors.New(runnerErrors.Transport, "ltx transport is not running")
	}
	return t.session, nil
}

func (t *Transport) Ping(ctx context.Context) (rtt time.Duration, err kv.Error) {
	session, err := t.currentSession()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if _, err = session.Ping(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Run sends the command as an EXEC argv of /bin/sh -c command, matching
// the other transports' "run a shell command line" contract, and streams
// LOG chunks to sink through a PanicSink so a kernel panic banner in the
// command's own output is caught the same way it is for the other
// transports (spec §4.4).
func (t *Transport) Run(ctx context.Context, command string, sink io.Writer) (outcome sut.CommandOutcome, err kv.Error) {
	outcome.Command = command
	session, err := t.currentSession()
	if err != nil {
		return outcome, err
	}

	start := time.Now()
	panicSink := sut.NewPanicSink(sink)
	var captured captureWriter
	tee := io.MultiWriter(panicSink, &captured)

	result, err := session.Exec(ctx, []string{"/bin/sh", "-c", command}, tee)
	outcome.ExecTime = time.Since(start)
	outcome.Stdout = captured.Bytes()
	if err != nil {
		return outcome, err
	}

	// si_code 1 is CLD_EXITED per waitid(2): si_status is the exit code.
	// Any other si_code (CLD_KILLED, CLD_DUMPED, ...) means the command
	// died by signal, so si_status is the signal number instead.
	if result.SiCode == 1 {
		outcome.ReturnCode = int(result.SiStatus)
	} else {
		outcome.ReturnCode = 128 + int(result.SiStatus)
	}
	return outcome, nil
}

// captureWriter accumulates everything written to it, the same role
// bytes.Buffer plays in the host transport's Run, kept as a named type
// here only so its zero value is directly usable without an explicit
// constructor.
type captureWriter struct {
	buf []byte
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *captureWriter) Bytes() []byte { return c.buf }

func (t *Transport) Fetch(ctx context.Context, path string) (data []byte, err kv.Error) {
	session, err := t.currentSession()
	if err != nil {
		return nil, err
	}
	return session.GetFile(ctx, path)
}

func (t *Transport) HostInfo(ctx context.Context) (info sut.HostInfo, err kv.Error) {
	return sut.HostInfoGeneric(ctx, t)
}

func (t *Transport) TaintInfo(ctx context.Context) (info sut.TaintInfo, err kv.Error) {
	return sut.TaintInfoGeneric(ctx, t)
}

// ParallelCapable reports true: the slot table exists precisely so a
// single LTX connection can multiplex concurrent commands (spec §4.2.3).
func (t *Transport) ParallelCapable() bool { return true }

func (t *Transport) EnsureStart(ctx context.Context, retries int) (err kv.Error) {
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		if err = t.Start(ctx, io.Discard); err == nil {
			return nil
		}
		t.log.Warn("ltx start attempt failed", "attempt", attempt, "err", err)
		_ = t.Stop(ctx, io.Discard)
	}
	return runnerErrors.Wrap(runnerErrors.Configuration,
		fmt.Errorf("ltx transport failed to start after %d attempts: %v", retries, err))
}

// BroadcastEnv applies an ENV change to every slot at once via
// SlotBroadcast, used by the session layer before a suite run begins.
func (t *Transport) BroadcastEnv(ctx context.Context, key, value string) (err kv.Error) {
	session, err := t.currentSession()
	if err != nil {
		return err
	}
	return session.SetEnv(ctx, SlotBroadcast, key, value)
}

// BroadcastCwd applies a CWD change to every slot at once via
// SlotBroadcast.
func (t *Transport) BroadcastCwd(ctx context.Context, path string) (err kv.Error) {
	session, err := t.currentSession()
	if err != nil {
		return err
	}
	return session.SetCwd(ctx, SlotBroadcast, path)
}

var _ sut.SUT = (*Transport)(nil)
