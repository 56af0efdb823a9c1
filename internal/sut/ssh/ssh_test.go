package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
)

func TestWrapCommandAppliesCwdEnvAndSudo(t *testing.T) {
	s := New()
	s.cfg = Config{
		Cwd:  "/opt/ltp",
		Sudo: true,
		Env:  map[string]string{"FOO": "bar"},
	}
	got := s.wrapCommand("ls")
	if !strings.Contains(got, "export FOO='bar'; ") {
		t.Fatalf("wrapCommand() = %q, want it to export the configured env", got)
	}
	if !strings.Contains(got, "cd '/opt/ltp'; ") {
		t.Fatalf("wrapCommand() = %q, want it to cd into the configured cwd", got)
	}
	if !strings.Contains(got, "sudo /bin/sh -c") {
		t.Fatalf("wrapCommand() = %q, want a sudo wrapper", got)
	}
}

// TestWrapCommandAppliesBroadcastEnv covers the env-persistence fix:
// BroadcastEnv (the counterpart Session.applyEnv calls once at session
// start) must be re-applied to every subsequently wrapped command, since
// every Run opens a brand new gossh.Session with no memory of the last
// one.
func TestWrapCommandAppliesBroadcastEnv(t *testing.T) {
	s := New()
	if err := s.BroadcastEnv(context.Background(), "LTPROOT", "/opt/ltp"); err != nil {
		t.Fatalf("BroadcastEnv() = %v", err)
	}

	for i := 0; i < 3; i++ {
		got := s.wrapCommand("true")
		if !strings.Contains(got, "export LTPROOT='/opt/ltp'; ") {
			t.Fatalf("wrapCommand() call %d = %q, want the broadcast env re-applied", i, got)
		}
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's a test")
	want := `'it'\''s a test'`
	if got != want {
		t.Fatalf("shellQuote() = %q, want %q", got, want)
	}
}

// startFakeSSHServer spins up a minimal in-process sshd that accepts any
// client and, for a command containing "hang", blocks on reading from the
// channel until the client closes it (or 3s pass) — simulating a process
// that only stops when the caller tears the session down.
func startFakeSSHServer(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	serverCfg := &gossh.ServerConfig{NoClientAuth: true}
	serverCfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				sconn, chans, reqs, err := gossh.NewServerConn(conn, serverCfg)
				if err != nil {
					return
				}
				defer sconn.Close()
				go gossh.DiscardRequests(reqs)
				for newChan := range chans {
					handleFakeSession(newChan)
				}
			}()
		}
	}()
	return listener.Addr().String()
}

func handleFakeSession(newChan gossh.NewChannel) {
	if newChan.ChannelType() != "session" {
		_ = newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
		return
	}
	channel, requests, err := newChan.Accept()
	if err != nil {
		return
	}
	go func() {
		for req := range requests {
			if req.Type != "exec" {
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
				continue
			}
			var payload struct{ Command string }
			_ = gossh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			go runFakeCommand(channel, payload.Command)
		}
	}()
}

func runFakeCommand(channel gossh.Channel, command string) {
	defer channel.Close()
	if strings.Contains(command, "hang") {
		done := make(chan struct{})
		go func() {
			buf := make([]byte, 1)
			_, _ = channel.Read(buf)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
		return
	}
	_, _ = io.WriteString(channel, "ok\n")
}

// TestExecuteContextCancellationUnblocksSession covers the SSH
// cancellation fix: execute() must stop waiting on a hung remote command
// as soon as ctx is done, by signalling and closing the session, rather
// than blocking until the remote side exits on its own.
func TestExecuteContextCancellationUnblocksSession(t *testing.T) {
	addr := startFakeSSHServer(t)

	client, err := gossh.Dial("tcp", addr, &gossh.ClientConfig{
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	s := New()
	s.client = client

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, runErr := s.execute(ctx, "hang forever", io.Discard, false)
	elapsed := time.Since(start)

	if runErr == nil {
		t.Fatal("execute() error = nil, want a CommandTimeout error")
	}
	if runnerErrors.KindOf(runErr) != runnerErrors.CommandTimeout {
		t.Fatalf("KindOf(err) = %q, want %q", runnerErrors.KindOf(runErr), runnerErrors.CommandTimeout)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("execute() took %v, want ctx cancellation to cut the hang short", elapsed)
	}
}
