// Package shell runs host-local commands and captures their output,
// adapted from the teacher's internal/shell/run_python.go (which ran a
// Python interpreter against a staged script directory). The kernel-test
// runner has no Python workloads, but the same "spawn, tee output,
// bound the captured tail" shape is exactly what the Secure Shell
// transport's host-local reset_cmd (spec §4.2.2) needs.
package shell

import (
	"bufio"
	"context"
	"io"
	"os/exec"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/karlmutch/circbuf"
)

// RunLocal runs command through /bin/sh on the local machine, tee-ing its
// combined stdout/stderr to sink as it arrives and also returning the
// last tailBytes bytes of output for diagnostics. It is used by the SSH
// transport to execute a configured reset_cmd once a remote connection is
// torn down (spec §4.2.2: "runs the host-local reset_cmd while tee-ing
// its stdout to the caller-provided sink").
func RunLocal(ctx context.Context, command string, sink io.Writer, tailBytes int64) (tail []byte, err kv.Error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

	stdout, errGo := cmd.StdoutPipe()
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	cmd.Stderr = cmd.Stdout

	if tailBytes <= 0 {
		tailBytes = 64 * 1024
	}
	ring, _ := circbuf.NewBuffer(tailBytes)

	var tee io.Writer = ring
	if sink != nil {
		tee = io.MultiWriter(ring, sink)
	}

	if errGo = cmd.Start(); errGo != nil {
		return nil, kv.Wrap(errGo).With("command", command, "stack", stack.Trace().TrimRuntime())
	}

	reader := bufio.NewReader(stdout)
	buf := make([]byte, 4096)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			_, _ = tee.Write(buf[:n])
		}
		if readErr != nil {
			break
		}
	}

	if errGo = cmd.Wait(); errGo != nil {
		return ring.Bytes(), kv.Wrap(errGo).With("command", command, "stack", stack.Trace().TrimRuntime())
	}
	return ring.Bytes(), nil
}
