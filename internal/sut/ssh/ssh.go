// Package ssh implements the Secure Shell SUT transport of spec §4.2.2:
// remote command execution behind a session-concurrency ceiling learned
// from the remote sshd, with an optional host-local reset_cmd run on
// Stop.
package ssh

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
	"github.com/linux-test-project/runltp-ng-sub000/internal/log"
	"github.com/linux-test-project/runltp-ng-sub000/internal/shell"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut"
)

// DefaultMaxSessions is used when the remote sshd's MaxSessions directive
// cannot be determined (spec §4.2.2).
const DefaultMaxSessions = 10

// Config is the Secure Shell transport's setup options (spec §4.2.2).
type Config struct {
	Host     string
	Port     int
	User     string
	Password string // may be a "vault://path#field" reference
	KeyFile  string // may be a "vault://path#field" reference
	Sudo     bool
	ResetCmd string
	Cwd      string
	Env      map[string]string

	HostKeyFingerprint string // empty => InsecureIgnoreHostKey

	VaultEndpoint string
	VaultToken    string
}

// SSH is the Secure Shell transport.
type SSH struct {
	mu      sync.Mutex
	running bool
	cfg     Config

	client      *gossh.Client
	sem         chan struct{}
	maxSessions int

	sessions   map[*gossh.Session]struct{}
	sessionsMu sync.Mutex

	// runtimeEnv holds variables applied via BroadcastEnv after Start
	// (spec §4.6's session environment); every Run spawns a fresh
	// gossh.Session, so these are re-applied as an export prefix on every
	// wrapped command rather than set once.
	envMu      sync.Mutex
	runtimeEnv map[string]string

	log *log.Logger
}

// New constructs an unconfigured Secure Shell transport.
func New() *SSH {
	return &SSH{
		sessions: map[*gossh.Session]struct{}{},
		log:      log.NewLogger("sut/ssh"),
	}
}

func (s *SSH) Setup(config interface{}) (err kv.Error) {
	cfg, ok := config.(Config)
	if !ok {
		return runnerErrors.New(runnerErrors.Configuration, "ssh transport requires ssh.Config")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return runnerErrors.New(runnerErrors.Configuration, "ssh port out of range").With("port", cfg.Port)
	}
	s.cfg = cfg
	return nil
}

func (s *SSH) resolveSecret(value string) (string, kv.Error) {
	if ref, ok := ParseVaultRef(value, s.cfg.VaultEndpoint, s.cfg.VaultToken); ok {
		return ref.Resolve(context.Background())
	}
	return value, nil
}

func (s *SSH) Start(ctx context.Context, sink io.Writer) (err kv.Error) {
	if s.cfg.Host == "" {
		return runnerErrors.New(runnerErrors.Configuration, "ssh host is not configured")
	}

	authMethods := []gossh.AuthMethod{}
	if s.cfg.KeyFile != "" {
		keyPath, errK := s.resolveSecret(s.cfg.KeyFile)
		if errK != nil {
			return errK
		}
		keyBytes, errGo := os.ReadFile(keyPath)
		if errGo != nil {
			return runnerErrors.Wrap(runnerErrors.Configuration, errGo).With("key_file", keyPath)
		}
		signer, errGo := gossh.ParsePrivateKey(keyBytes)
		if errGo != nil {
			return runnerErrors.Wrap(runnerErrors.Configuration, errGo).With("key_file", keyPath)
		}
		authMethods = append(authMethods, gossh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		password, errK := s.resolveSecret(s.cfg.Password)
		if errK != nil {
			return errK
		}
		authMethods = append(authMethods, gossh.Password(password))
	}
	if len(authMethods) == 0 {
		return runnerErrors.New(runnerErrors.Configuration, "neither password nor key_file configured")
	}

	hostKeyCB := gossh.InsecureIgnoreHostKey()
	if s.cfg.HostKeyFingerprint != "" {
		hostKeyCB = PinnedHostKeyCallback(s.cfg.HostKeyFingerprint)
	}

	clientCfg := &gossh.ClientConfig{
		User:            s.cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCB,
		Timeout:         15 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	client, errGo := gossh.Dial("tcp", addr, clientCfg)
	if errGo != nil {
		return runnerErrors.Wrap(runnerErrors.Transport, errGo).With("addr", addr)
	}

	s.mu.Lock()
	s.client = client
	s.running = true
	s.mu.Unlock()

	maxSessions := s.queryMaxSessions(ctx)
	s.maxSessions = maxSessions
	s.sem = make(chan struct{}, maxSessions)

	return nil
}

// queryMaxSessions inspects the live sshd configuration for a MaxSessions
// directive, defaulting to DefaultMaxSessions per spec §4.2.2.
var maxSessionsRE = regexp.MustCompile(`(?i)maxsessions\s+(\d+)`)

func (s *SSH) queryMaxSessions(ctx context.Context) int {
	outcome, err := s.runRaw(ctx, "sshd -T 2>/dev/null | grep -i maxsessions || true")
	if err != nil {
		return DefaultMaxSessions
	}
	match := maxSessionsRE.FindSubmatch(outcome.Stdout)
	if match == nil {
		return DefaultMaxSessions
	}
	n, errGo := strconv.Atoi(string(match[1]))
	if errGo != nil || n <= 0 {
		return DefaultMaxSessions
	}
	return n
}

func (s *SSH) Stop(ctx context.Context, sink io.Writer) (err kv.Error) {
	s.mu.Lock()
	s.running = false
	client := s.client
	s.client = nil
	s.mu.Unlock()

	s.sessionsMu.Lock()
	for sess := range s.sessions {
		_ = sess.Signal(gossh.SIGKILL)
		_ = sess.Close()
	}
	s.sessions = map[*gossh.Session]struct{}{}
	s.sessionsMu.Unlock()

	if client != nil {
		_ = client.Close()
	}

	if s.cfg.ResetCmd != "" {
		if _, rerr := shell.RunLocal(ctx, s.cfg.ResetCmd, sink, 64*1024); rerr != nil {
			return runnerErrors.Wrap(runnerErrors.Transport, rerr).With("reset_cmd", s.cfg.ResetCmd)
		}
	}
	return nil
}

func (s *SSH) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *SSH) Ping(ctx context.Context) (rtt time.Duration, err kv.Error) {
	start := time.Now()
	_, err = s.runRaw(ctx, "true")
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// wrapCommand applies cwd/env and an optional sudo wrapper, per spec
// §4.2.2 ("commands are wrapped to apply cwd/env and optional
// sudo /bin/sh -c '…'").
func (s *SSH) wrapCommand(command string) string {
	wrapped := command
	if s.cfg.Sudo {
		wrapped = fmt.Sprintf("sudo /bin/sh -c '%s'", escapeSingleQuotes(wrapped))
	}
	var prefix string
	for k, v := range s.cfg.Env {
		prefix += fmt.Sprintf("export %s=%s; ", k, shellQuote(v))
	}
	s.envMu.Lock()
	for k, v := range s.runtimeEnv {
		prefix += fmt.Sprintf("export %s=%s; ", k, shellQuote(v))
	}
	s.envMu.Unlock()
	if s.cfg.Cwd != "" {
		prefix += fmt.Sprintf("cd %s; ", shellQuote(s.cfg.Cwd))
	}
	return prefix + wrapped
}

// BroadcastEnv sets a variable that every subsequent Run call re-exports,
// the SSH transport's counterpart to ltx.Transport.BroadcastEnv: each Run
// opens a fresh gossh.Session, so there is no single persistent shell to
// export into once, matching spec §4.6's session environment construction.
func (s *SSH) BroadcastEnv(ctx context.Context, key, value string) (err kv.Error) {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	if s.runtimeEnv == nil {
		s.runtimeEnv = map[string]string{}
	}
	s.runtimeEnv[key] = value
	return nil
}

func escapeSingleQuotes(s string) string {
	out := ""
	for _, r := range s {
		if r == '\'' {
			out += `'\''`
			continue
		}
		out += string(r)
	}
	return out
}

func shellQuote(s string) string {
	return "'" + escapeSingleQuotes(s) + "'"
}

// Run acquires a session permit (spec invariant: at most MaxSessions
// concurrent commands), executes the wrapped command, and streams stdout
// to sink.
func (s *SSH) Run(ctx context.Context, command string, sink io.Writer) (outcome sut.CommandOutcome, err kv.Error) {
	outcome.Command = command

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return outcome, runnerErrors.Wrap(runnerErrors.Transport, ctx.Err())
	}
	defer func() { <-s.sem }()

	return s.execute(ctx, s.wrapCommand(command), sink, true)
}

// runRaw executes command unwrapped (no cwd/env/sudo), used by Ping and
// queryMaxSessions which must not fight the configured environment.
func (s *SSH) runRaw(ctx context.Context, command string) (outcome sut.CommandOutcome, err kv.Error) {
	return s.execute(ctx, command, nil, false)
}

func (s *SSH) execute(ctx context.Context, command string, sink io.Writer, trackPanic bool) (outcome sut.CommandOutcome, err kv.Error) {
	outcome.Command = command
	start := time.Now()

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return outcome, runnerErrors.New(runnerErrors.Transport, "ssh client is not connected")
	}

	session, errGo := client.NewSession()
	if errGo != nil {
		return outcome, runnerErrors.Wrap(runnerErrors.Transport, errGo).
			With("stack", stack.Trace().TrimRuntime())
	}
	defer session.Close()

	s.sessionsMu.Lock()
	s.sessions[session] = struct{}{}
	s.sessionsMu.Unlock()
	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, session)
		s.sessionsMu.Unlock()
	}()

	var captured bytes.Buffer
	var tee io.Writer = &captured
	var panicErr *panicCapture
	if trackPanic {
		panicErr = &panicCapture{sink: sut.NewPanicSink(sink)}
		tee = io.MultiWriter(panicErr, &captured)
	} else if sink != nil {
		tee = io.MultiWriter(sink, &captured)
	}
	session.Stdout = tee
	session.Stderr = tee

	// golang.org/x/crypto/ssh's Session.Run has no ctx hook of its own;
	// watch ctx.Done() ourselves and close the session to unblock Run,
	// the same role ltx.Session.Exec's "case <-ctx.Done(): _ = s.Kill(...)"
	// plays for the LTX transport.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(gossh.SIGKILL)
			_ = session.Close()
		case <-watchDone:
		}
	}()

	runErr := session.Run(command)
	close(watchDone)
	outcome.ExecTime = time.Since(start)
	outcome.Stdout = captured.Bytes()

	if panicErr != nil && panicErr.err != nil {
		return outcome, panicErr.err
	}

	if ctx.Err() != nil {
		outcome.ReturnCode = -1
		return outcome, runnerErrors.Wrap(runnerErrors.CommandTimeout, ctx.Err()).
			With("stack", stack.Trace().TrimRuntime())
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*gossh.ExitError); ok {
			outcome.ReturnCode = exitErr.ExitStatus()
			return outcome, nil
		}
		return outcome, runnerErrors.Wrap(runnerErrors.Transport, runErr).
			With("stack", stack.Trace().TrimRuntime())
	}
	outcome.ReturnCode = 0
	return outcome, nil
}

// Fetch reads an entire remote file. No sftp client is carried by this
// corpus, so Fetch shells out to base64 and decodes
// locally; this keeps binary-safety without adding a dependency absent
// from the retrieval pack.
func (s *SSH) Fetch(ctx context.Context, path string) (data []byte, err kv.Error) {
	outcome, err := s.Run(ctx, fmt.Sprintf("base64 %s", shellQuote(path)), io.Discard)
	if err != nil {
		return nil, err
	}
	if outcome.ReturnCode != 0 {
		return nil, runnerErrors.New(runnerErrors.Transport, "fetch command failed").
			With("path", path, "retcode", outcome.ReturnCode)
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, string(outcome.Stdout))
	decoded, errGo := base64.StdEncoding.DecodeString(cleaned)
	if errGo != nil {
		return nil, runnerErrors.Wrap(runnerErrors.Transport, errGo).With("path", path)
	}
	return decoded, nil
}

func (s *SSH) HostInfo(ctx context.Context) (info sut.HostInfo, err kv.Error) {
	return sut.HostInfoGeneric(ctx, s)
}

func (s *SSH) TaintInfo(ctx context.Context) (info sut.TaintInfo, err kv.Error) {
	return sut.TaintInfoGeneric(ctx, s)
}

// ParallelCapable is true: Run is bounded by the MaxSessions semaphore,
// not serialised.
func (s *SSH) ParallelCapable() bool { return true }

func (s *SSH) EnsureStart(ctx context.Context, retries int) (err kv.Error) {
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		if err = s.Start(ctx, io.Discard); err == nil {
			return nil
		}
		s.log.Warn("ssh start attempt failed", "attempt", attempt, "err", err)
		_ = s.Stop(ctx, io.Discard)
	}
	return runnerErrors.Wrap(runnerErrors.Configuration, fmt.Errorf("ssh transport failed to start after %d attempts: %v", retries, err))
}

// panicCapture wraps a sut.PanicSink and latches the first KernelPanic
// error it sees, since an io.Copy performed internally by the ssh session
// machinery may not otherwise surface a mid-stream Write error to the
// caller of session.Run.
type panicCapture struct {
	sink *sut.PanicSink
	err  kv.Error
}

func (p *panicCapture) Write(b []byte) (n int, err error) {
	n, werr := p.sink.Write(b)
	if werr != nil {
		if kvErr, ok := werr.(kv.Error); ok && p.err == nil {
			p.err = kvErr
		}
		return n, nil
	}
	return n, nil
}

var _ sut.SUT = (*SSH)(nil)
