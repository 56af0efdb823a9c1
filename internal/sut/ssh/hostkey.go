package ssh

// Host-key pinning for the Secure Shell transport, adapted from the
// teacher's pkg/defense/ssh.go (which parsed raw SSH signature blobs for
// parity with Python Paramiko clients). Pinning compares the SHA-256
// fingerprint of the key the remote offers against the one a SUT
// descriptor names; the length-prefixed signature-blob parser carried
// over from the teacher is kept here but is not used by pinning.

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"net"

	gossh "golang.org/x/crypto/ssh"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

func parseString(in []byte) (out, rest []byte, err kv.Error) {
	if len(in) < 4 {
		return out, rest, kv.NewError("bad length").With("stack", stack.Trace().TrimRuntime())
	}
	length := binary.BigEndian.Uint32(in)
	in = in[4:]
	if uint32(len(in)) < length {
		return out, rest, kv.NewError("truncated data").With("stack", stack.Trace().TrimRuntime())
	}
	return in[:length], in[length:], nil
}

// ParseSSHSignature extracts a signature from a byte buffer formatted as
// a pair of length-prefixed (format, blob) fields, per
// https://tools.ietf.org/html/draft-ietf-curdle-ssh-ed25519-01.
func ParseSSHSignature(in []byte) (out *gossh.Signature, err kv.Error) {
	format, rest, err := parseString(in)
	if err != nil {
		return nil, err
	}
	out = &gossh.Signature{Format: string(format)}
	out.Blob, _, err = parseString(rest)
	return out, err
}

// Fingerprint returns the base64 SHA-256 fingerprint of a host public
// key, in the same form `ssh-keygen -lf` prints.
func Fingerprint(key gossh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// PinnedHostKeyCallback builds an ssh.HostKeyCallback that accepts only a
// host key matching the given fingerprint, for SUT descriptors that pin
// one. When expectedFingerprint is empty, callers should fall back to
// gossh.InsecureIgnoreHostKey (only appropriate for disposable VM SUTs).
func PinnedHostKeyCallback(expectedFingerprint string) gossh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key gossh.PublicKey) error {
		if Fingerprint(key) != expectedFingerprint {
			return kv.NewError("host key fingerprint mismatch").
				With("hostname", hostname, "got", Fingerprint(key), "want", expectedFingerprint).
				With("stack", stack.Trace().TrimRuntime())
		}
		return nil
	}
}
