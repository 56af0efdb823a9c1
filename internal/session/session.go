package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/linux-test-project/runltp-ng-sub000/internal/bus"
	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
	"github.com/linux-test-project/runltp-ng-sub000/internal/log"
	"github.com/linux-test-project/runltp-ng-sub000/internal/manifest"
	"github.com/linux-test-project/runltp-ng-sub000/internal/report"
	"github.com/linux-test-project/runltp-ng-sub000/internal/scheduler"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut/host"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut/ltx"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut/ssh"
)

// Config is everything a Session needs beyond the SUT itself.
type Config struct {
	LTPRoot        string
	TmpDir         string
	ReportPath     string
	Suites         []string
	SkipRegex      *regexp.Regexp
	Env            map[string]string
	PerTestTimeout time.Duration
	SuiteTimeout   time.Duration
	Workers        int
	ForceParallel  bool
	AdHocCommand   string
}

// Session owns one SUT instance and drives it through spec §4.6's
// lifecycle: environment construction, start, optional ad-hoc command,
// suite download/parse/schedule, report persistence.
type Session struct {
	sut    sut.SUT
	cfg    Config
	bus    *bus.Bus
	log    *log.Logger
	report *report.Writer
}

// New binds a Session to an already-configured SUT.
func New(s sut.SUT, cfg Config, eventBus *bus.Bus) *Session {
	return &Session{
		sut:    s,
		cfg:    cfg,
		bus:    eventBus,
		log:    log.NewLogger("session"),
		report: report.NewWriter(),
	}
}

// BuildSUT constructs the transport named by d.Transport, wired with its
// descriptor fields; cmd/runner calls this once per invocation.
func BuildSUT(d SUTDescriptor) (s sut.SUT, err kv.Error) {
	switch d.Transport {
	case "host", "":
		h := host.New()
		if errK := h.Setup(host.Config{}); errK != nil {
			return nil, errK
		}
		return h, nil

	case "ssh":
		client := ssh.New()
		cfg := ssh.Config{
			Host:               d.Host,
			Port:               d.Port,
			User:               d.User,
			Password:           d.Password,
			KeyFile:            d.KeyFile,
			Sudo:               d.Sudo,
			ResetCmd:           d.ResetCmd,
			Cwd:                d.Cwd,
			Env:                d.Env,
			HostKeyFingerprint: d.HostKeyFingerprint,
			VaultEndpoint:      d.VaultEndpoint,
			VaultToken:         d.VaultToken,
		}
		if errK := client.Setup(cfg); errK != nil {
			return nil, errK
		}
		return client, nil

	case "ltx":
		dialer := ltx.LocalDialer{Command: d.LTXCommand}
		transport := ltx.New(dialer)
		return transport, nil

	default:
		return nil, runnerErrors.New(runnerErrors.Configuration, "unknown SUT transport").
			With("transport", d.Transport).With("stack", stack.Trace().TrimRuntime())
	}
}

// buildEnv implements spec §4.6's environment construction: PATH with
// <ltpdir>/testcases/bin appended, LTPROOT, TMPDIR,
// LTP_COLORIZE_OUTPUT, LTP_TIMEOUT_MUL = exec_timeout*0.9/300, plus
// user-supplied entries that do not override built-ins.
func (s *Session) buildEnv() map[string]string {
	env := map[string]string{
		"LTPROOT":             s.cfg.LTPRoot,
		"TMPDIR":              s.cfg.TmpDir,
		"LTP_COLORIZE_OUTPUT": "0",
		"PATH":                os.Getenv("PATH") + ":" + filepath.Join(s.cfg.LTPRoot, "testcases", "bin"),
	}

	timeoutMul := float64(s.cfg.PerTestTimeout.Seconds()) * 0.9 / 300
	env["LTP_TIMEOUT_MUL"] = strconv.FormatFloat(timeoutMul, 'f', -1, 64)

	for k, v := range s.cfg.Env {
		if _, builtin := env[k]; !builtin {
			env[k] = v
		}
	}
	return env
}

// Run executes the full session lifecycle and returns the sealed suite
// reports (one per requested suite, in request order).
func (s *Session) Run(ctx context.Context) (results []scheduler.SuiteResult, err kv.Error) {
	s.bus.Fire(bus.SessionStarted)

	if err = s.sut.EnsureStart(ctx, 3); err != nil {
		s.bus.Fire(bus.SessionError, err.Error())
		return nil, err
	}
	defer func() {
		_ = s.sut.Stop(context.Background(), io.Discard)
	}()

	if err = s.applyEnv(ctx); err != nil {
		s.bus.Fire(bus.SessionError, err.Error())
		return nil, err
	}

	if s.cfg.AdHocCommand != "" {
		if _, runErr := s.sut.Run(ctx, s.cfg.AdHocCommand, io.Discard); runErr != nil {
			s.bus.Fire(bus.SessionError, runErr.Error())
			return nil, runErr
		}
	}

	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if !s.sut.ParallelCapable() {
		workers = 1
	}

	for _, suiteName := range s.cfg.Suites {
		suite, errK := s.downloadAndParse(ctx, suiteName)
		if errK != nil {
			s.bus.Fire(bus.SessionError, errK.Error())
			return results, errK
		}

		suiteSched := scheduler.New(s.sut, s.bus, scheduler.Config{
			PerTestTimeout: s.cfg.PerTestTimeout,
			SuiteTimeout:   s.cfg.SuiteTimeout,
			Workers:        workers,
			ForceParallel:  s.cfg.ForceParallel,
			SkipRegex:      s.cfg.SkipRegex,
		})
		results = append(results, suiteSched.Run(ctx, suite))
	}

	reportDoc := report.Build(results)
	if werr := s.report.Write(reportDoc, filepath.Join(s.cfg.TmpDir, "results.json"), s.cfg.ReportPath); werr != nil {
		s.bus.Fire(bus.SessionError, werr.Error())
		return results, werr
	}

	s.bus.Fire(bus.SessionCompleted)
	return results, nil
}

// applyEnv exports every constructed environment variable to the SUT
// (spec §4.6). Every transport (host, ssh, ltx) implements BroadcastEnv,
// re-applying the environment to each subsequent command itself (a fresh
// process, a fresh gossh.Session, or a broadcast ENV frame respectively)
// since none of them share a single persistent shell across Run calls.
// The one-shot `export ...; true` fallback below only fires for a SUT
// implementation that does not implement BroadcastEnv at all.
func (s *Session) applyEnv(ctx context.Context) (err kv.Error) {
	env := s.buildEnv()
	if broadcaster, ok := s.sut.(interface {
		BroadcastEnv(ctx context.Context, key, value string) kv.Error
	}); ok {
		for k, v := range env {
			if err = broadcaster.BroadcastEnv(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	}

	var exportCmd string
	for k, v := range env {
		exportCmd += fmt.Sprintf("export %s=%q; ", k, v)
	}
	if _, err = s.sut.Run(ctx, exportCmd+"true", io.Discard); err != nil {
		return err
	}
	return nil
}

// downloadAndParse implements spec §4.6's suite acquisition: fetch
// <ltpdir>/runtest/<name>, cache a copy under TmpDir, parse it with
// optional metadata from <ltpdir>/metadata/ltp.json.
func (s *Session) downloadAndParse(ctx context.Context, suiteName string) (suite manifest.Suite, err kv.Error) {
	s.bus.Fire(bus.SuiteDownloadStarted, suiteName)

	runtestPath := filepath.Join(s.cfg.LTPRoot, "runtest", suiteName)
	raw, err := s.sut.Fetch(ctx, runtestPath)
	if err != nil {
		return suite, err
	}

	cachePath := filepath.Join(s.cfg.TmpDir, "runtest-"+suiteName)
	if errGo := os.WriteFile(cachePath, raw, 0o644); errGo != nil {
		return suite, runnerErrors.Wrap(runnerErrors.Configuration, errGo).With("path", cachePath)
	}

	var metadata *manifest.Metadata
	metaPath := filepath.Join(s.cfg.LTPRoot, "metadata", "ltp.json")
	if metaRaw, metaErr := s.sut.Fetch(ctx, metaPath); metaErr == nil {
		if metadata, err = manifest.ParseMetadata(metaRaw); err != nil {
			return suite, err
		}
	}

	suite, err = manifest.Parse(suiteName, string(raw), metadata)
	if err != nil {
		return suite, err
	}
	s.bus.Fire(bus.SuiteDownloadCompleted, suiteName)
	return suite, nil
}

// Stop cooperatively tears the session down: it is safe to call
// concurrently with Run, per spec §5's outside-in cancellation.
func (s *Session) Stop(ctx context.Context) {
	s.bus.Fire(bus.SessionStopped)
	_ = s.sut.Stop(ctx, io.Discard)
}
