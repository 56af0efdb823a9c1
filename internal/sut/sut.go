// Package sut defines the uniform capability set that every System Under
// Test transport (host, secure shell, LTX) implements, plus the generic
// host-info/taint-info helpers built on top of Run that spec §4.2 asks
// every transport to reuse rather than reimplement.
package sut

import (
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/karlmutch/circbuf"

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
)

// CommandOutcome is returned by every SUT command invocation (spec §3).
type CommandOutcome struct {
	Command    string
	Stdout     []byte
	ReturnCode int
	ExecTime   time.Duration
}

// HostInfo is the environment description spec §3/§6 ask every SUT to be
// able to produce, implemented generically on top of Run.
type HostInfo struct {
	Distro    string
	DistroVer string
	Kernel    string
	Arch      string
	CPU       string
	RAM       uint64
	Swap      uint64
}

// TaintInfo is the decoded /proc/sys/kernel/tainted bitmask (spec §4.2).
type TaintInfo struct {
	Code     uint64
	Messages []string
}

// CanonicalTaintMessages is the 18-entry table of spec §4.2, indexed by
// bit position.
var CanonicalTaintMessages = [18]string{
	"proprietary module loaded",
	"module force loaded",
	"out-of-spec system",
	"module force unloaded",
	"MCE reported",
	"bad page or unexpected flags",
	"userspace-requested taint",
	"OOPS or BUG",
	"ACPI override",
	"kernel warning",
	"staging driver",
	"platform-firmware workaround",
	"out-of-tree module",
	"unsigned module",
	"soft lockup",
	"live patched",
	"distro-defined",
	"struct randomization plugin",
}

// SUT is the capability set every transport implements (spec §4.2).
type SUT interface {
	// Setup performs late binding of configuration; it does no I/O.
	Setup(config interface{}) (err kv.Error)

	// Start and Stop are idempotent lifecycle operations; stdout from any
	// transport-level bootstrapping (e.g. the SSH reset_cmd) is mirrored
	// to sink.
	Start(ctx context.Context, sink io.Writer) (err kv.Error)
	Stop(ctx context.Context, sink io.Writer) (err kv.Error)

	// Running reports the current connectivity state.
	Running() bool

	// Ping is a liveness probe returning round-trip time.
	Ping(ctx context.Context) (rtt time.Duration, err kv.Error)

	// Run executes a shell command, streaming stdout to sink as bytes
	// arrive, returning once the remote process terminates.
	Run(ctx context.Context, command string, sink io.Writer) (outcome CommandOutcome, err kv.Error)

	// Fetch reads an entire file from the SUT.
	Fetch(ctx context.Context, path string) (data []byte, err kv.Error)

	// HostInfo describes the SUT's distro/kernel/arch/cpu/ram/swap.
	HostInfo(ctx context.Context) (info HostInfo, err kv.Error)

	// TaintInfo decodes /proc/sys/kernel/tainted.
	TaintInfo(ctx context.Context) (info TaintInfo, err kv.Error)

	// ParallelCapable advertises whether Run may be invoked concurrently.
	ParallelCapable() bool

	// EnsureStart performs a resilient start: up to retries attempts,
	// each followed by a Stop on failure.
	EnsureStart(ctx context.Context, retries int) (err kv.Error)
}

// Runner is the minimal capability HostInfoGeneric/TaintInfoGeneric need;
// every transport's Run method already satisfies it.
type Runner interface {
	Run(ctx context.Context, command string, sink io.Writer) (CommandOutcome, kv.Error)
}

var (
	memTotalRE = regexp.MustCompile(`(?m)^MemTotal:\s*(\d+)\s*kB`)
	swapTotalRE = regexp.MustCompile(`(?m)^SwapTotal:\s*(\d+)\s*kB`)
)

// HostInfoGeneric implements spec §4.2's "implemented generically on top
// of run" host-info call by reading /etc/os-release, uname, and
// /proc/meminfo over the transport's Run. Missing RAM/SWAP fields fail
// the call, matching spec wording precisely.
func HostInfoGeneric(ctx context.Context, r Runner) (info HostInfo, err kv.Error) {
	osRelease, errK := runCapture(ctx, r, "cat /etc/os-release")
	if errK != nil {
		return info, errK
	}
	info.Distro = grepField(osRelease, "ID")
	info.DistroVer = grepField(osRelease, "VERSION_ID")

	uname, errK := runCapture(ctx, r, "uname -sr && uname -m")
	if errK != nil {
		return info, errK
	}
	lines := strings.Split(strings.TrimSpace(uname), "\n")
	if len(lines) > 0 {
		info.Kernel = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		info.Arch = strings.TrimSpace(lines[1])
	}

	cpuInfo, errK := runCapture(ctx, r, "grep -m1 'model name' /proc/cpuinfo || true")
	if errK != nil {
		return info, errK
	}
	if idx := strings.Index(cpuInfo, ":"); idx >= 0 {
		info.CPU = strings.TrimSpace(cpuInfo[idx+1:])
	}

	memInfo, errK := runCapture(ctx, r, "cat /proc/meminfo")
	if errK != nil {
		return info, errK
	}
	memMatch := memTotalRE.FindStringSubmatch(memInfo)
	if memMatch == nil {
		return info, runnerErrors.New(runnerErrors.Transport, "MemTotal not found in /proc/meminfo").
			With("stack", stack.Trace().TrimRuntime())
	}
	ramKB, errGo := strconv.ParseUint(memMatch[1], 10, 64)
	if errGo != nil {
		return info, runnerErrors.Wrap(runnerErrors.Transport, errGo)
	}
	info.RAM = ramKB * 1024

	swapMatch := swapTotalRE.FindStringSubmatch(memInfo)
	if swapMatch == nil {
		return info, runnerErrors.New(runnerErrors.Transport, "SwapTotal not found in /proc/meminfo").
			With("stack", stack.Trace().TrimRuntime())
	}
	swapKB, errGo := strconv.ParseUint(swapMatch[1], 10, 64)
	if errGo != nil {
		return info, runnerErrors.Wrap(runnerErrors.Transport, errGo)
	}
	info.Swap = swapKB * 1024

	return info, nil
}

// TaintInfoGeneric reads /proc/sys/kernel/tainted and decodes it against
// CanonicalTaintMessages; bit i set maps to message i, list order follows
// bit order, as spec §4.2 requires.
func TaintInfoGeneric(ctx context.Context, r Runner) (info TaintInfo, err kv.Error) {
	out, errK := runCapture(ctx, r, "cat /proc/sys/kernel/tainted")
	if errK != nil {
		return info, errK
	}
	code, errGo := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
	if errGo != nil {
		return info, runnerErrors.Wrap(runnerErrors.Transport, errGo).With("raw", out)
	}
	info.Code = code
	for i, msg := range CanonicalTaintMessages {
		if code&(1<<uint(i)) != 0 {
			info.Messages = append(info.Messages, msg)
		}
	}
	return info, nil
}

func runCapture(ctx context.Context, r Runner, command string) (string, kv.Error) {
	var sb strings.Builder
	outcome, err := r.Run(ctx, command, &sb)
	if err != nil {
		return "", err
	}
	if outcome.ReturnCode != 0 && sb.Len() == 0 {
		return "", runnerErrors.New(runnerErrors.Transport, "command produced no output").
			With("command", command, "retcode", outcome.ReturnCode)
	}
	return sb.String(), nil
}

func grepField(osRelease, field string) string {
	prefix := field + "="
	for _, line := range strings.Split(osRelease, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.Trim(strings.TrimPrefix(line, prefix), `"`)
		}
	}
	return ""
}

// PanicWindow is the trailing-window size (in bytes) spec §4.4 describes
// as "2×chunk-size" over which the literal substring "Kernel panic" is
// searched. ChunkSize is the default streaming chunk noted in spec
// §4.2.1 for the host transport; other transports use the same constant
// so the detector's behaviour is uniform across SUTs.
const (
	ChunkSize  = 1024
	PanicWindow = 2 * ChunkSize
)

// PanicSink wraps an io.Writer, mirroring every byte written to it while
// also feeding a circbuf.Buffer-backed trailing window that is checked
// for the literal "Kernel panic" substring on every write. This is the
// same circular-buffer idiom the teacher uses in internal/io/io.go to
// retain a bounded tail of process output.
type PanicSink struct {
	inner  io.Writer
	window *circbuf.Buffer
}

// NewPanicSink builds a PanicSink writing through to inner.
func NewPanicSink(inner io.Writer) *PanicSink {
	window, _ := circbuf.NewBuffer(PanicWindow)
	return &PanicSink{inner: inner, window: window}
}

// Write implements io.Writer. It returns a KernelPanic-kind kv.Error as
// soon as the trailing window contains "Kernel panic"; the caller (the
// scheduler) is expected to treat that as a terminal condition for the
// in-flight command, per spec §4.4.
func (p *PanicSink) Write(b []byte) (n int, err error) {
	if p.inner != nil {
		if n, err = p.inner.Write(b); err != nil {
			return n, err
		}
	} else {
		n = len(b)
	}

	if _, werr := p.window.Write(b); werr != nil {
		return n, werr
	}
	if strings.Contains(string(p.window.Bytes()), "Kernel panic") {
		return n, runnerErrors.New(runnerErrors.KernelPanic, "Kernel panic detected in stdout").
			With("stack", stack.Trace().TrimRuntime())
	}
	return n, nil
}
