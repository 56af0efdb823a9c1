package manifest

import (
	"bytes"
	"encoding/json"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
)

// Metadata is the decoded shape of spec §6's metadata file:
// {"tests": {"<name>": {"<param>": "<value>"}, ...}}. Parameter values are
// kept as raw JSON-decoded interface{} since the blacklist gate only
// checks key presence, never the value.
type Metadata struct {
	Tests map[string]map[string]interface{} `json:"tests"`
}

// ParseMetadata decodes a metadata document. An empty or all-whitespace
// document is treated as "no metadata supplied" (nil, nil), matching the
// session's "optional" framing of the metadata file in spec §4.6.
func ParseMetadata(raw []byte) (metadata *Metadata, err kv.Error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var m Metadata
	if errGo := json.Unmarshal(raw, &m); errGo != nil {
		return nil, runnerErrors.Wrap(runnerErrors.Configuration, errGo).
			With("stack", stack.Trace().TrimRuntime())
	}
	if m.Tests == nil {
		m.Tests = map[string]map[string]interface{}{}
	}
	return &m, nil
}
