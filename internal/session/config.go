// Package session binds a SUT configuration, an environment, a temporary
// directory, and a set of requested suites into one run, per spec §4.6.
// The TOML descriptor loader here mirrors the teacher's own reliance on
// TOML for cmd/runner's config surface.
package session

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
)

// Descriptor is the on-disk TOML shape of a session/SUT configuration.
type Descriptor struct {
	SUT     SUTDescriptor     `toml:"sut"`
	Session SessionDescriptor `toml:"session"`
}

// SUTDescriptor names the transport and its connection parameters. The
// transport-specific fields are a superset across host/ssh/ltx; each
// transport's Setup ignores the fields it doesn't use.
type SUTDescriptor struct {
	Transport          string            `toml:"transport"` // "host", "ssh", "ltx"
	Host               string            `toml:"host"`
	Port               int               `toml:"port"`
	User               string            `toml:"user"`
	Password           string            `toml:"password"`
	KeyFile            string            `toml:"key_file"`
	Sudo               bool              `toml:"sudo"`
	ResetCmd           string            `toml:"reset_cmd"`
	Cwd                string            `toml:"cwd"`
	Env                map[string]string `toml:"env"`
	HostKeyFingerprint string            `toml:"host_key_fingerprint"`
	VaultEndpoint      string            `toml:"vault_endpoint"`
	VaultToken         string            `toml:"vault_token"`
	LTXCommand         []string          `toml:"ltx_command"`
}

// SessionDescriptor names the run's LTP root, suites, and timeouts.
type SessionDescriptor struct {
	LTPRoot        string            `toml:"ltp_root"`
	TmpDir         string            `toml:"tmp_dir"`
	ReportPath     string            `toml:"report_path"`
	Suites         []string          `toml:"suites"`
	SkipRegex      string            `toml:"skip_regex"`
	Env            map[string]string `toml:"env"`
	PerTestTimeout time.Duration     `toml:"per_test_timeout"`
	SuiteTimeout   time.Duration     `toml:"suite_timeout"`
	Workers        int               `toml:"workers"`
	ForceParallel  bool              `toml:"force_parallel"`
	AdHocCommand   string            `toml:"ad_hoc_command"`
	S3Endpoint     string            `toml:"s3_endpoint"`
	S3Bucket       string            `toml:"s3_bucket"`
	S3AccessKey    string            `toml:"s3_access_key"`
	S3SecretKey    string            `toml:"s3_secret_key"`
	S3UseSSL       bool              `toml:"s3_use_ssl"`
	SlackWebhook   string            `toml:"slack_webhook"`
}

// LoadDescriptor reads and decodes a session TOML file.
func LoadDescriptor(path string) (descriptor Descriptor, err kv.Error) {
	raw, errGo := os.ReadFile(path)
	if errGo != nil {
		return descriptor, runnerErrors.Wrap(runnerErrors.Configuration, errGo).
			With("path", path).With("stack", stack.Trace().TrimRuntime())
	}
	if _, errGo = toml.Decode(string(raw), &descriptor); errGo != nil {
		return descriptor, runnerErrors.Wrap(runnerErrors.Configuration, errGo).
			With("path", path).With("stack", stack.Trace().TrimRuntime())
	}
	return descriptor, nil
}
