package report

import (
	"encoding/json"
	"os"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
)

// Writer persists a sealed Report to disk as the canonical JSON document.
// The human-readable recap is rendered separately by Summary and is not
// written by Writer.
type Writer struct{}

// NewWriter builds a Writer.
func NewWriter() *Writer { return &Writer{} }

// Write serialises doc to tmpPath (always) and, when callerPath is
// non-empty and different, a second copy there too, matching spec §4.6's
// "persist results via a JSON writer both to <tmpdir>/results.json and to
// a caller-supplied report path".
func (w *Writer) Write(doc Report, tmpPath, callerPath string) (err kv.Error) {
	body, errGo := json.MarshalIndent(doc, "", "  ")
	if errGo != nil {
		return runnerErrors.Wrap(runnerErrors.Configuration, errGo).With("stack", stack.Trace().TrimRuntime())
	}

	if errGo = os.WriteFile(tmpPath, body, 0o644); errGo != nil {
		return runnerErrors.Wrap(runnerErrors.Configuration, errGo).With("path", tmpPath)
	}

	if callerPath != "" && callerPath != tmpPath {
		if errGo = os.WriteFile(callerPath, body, 0o644); errGo != nil {
			return runnerErrors.Wrap(runnerErrors.Configuration, errGo).With("path", callerPath)
		}
	}
	return nil
}

const summaryTemplate = `Suite run complete.
Distro:   {{ .Environment.Distribution }} {{ .Environment.DistributionVersion }}
Kernel:   {{ .Environment.Kernel }} ({{ .Environment.Arch }})
Runtime:  {{ .Stats.Runtime | printf "%.1f" }}s

Passed:   {{ .Stats.Passed }}
Failed:   {{ .Stats.Failed }}
Broken:   {{ .Stats.Broken }}
Skipped:  {{ .Stats.Skipped }}
Warnings: {{ .Stats.Warnings }}
`

// Summary renders a short human-readable recap of doc. Nothing in the
// repository calls it; the simple UI subscriber prints its own lines.
func Summary(doc Report) (string, kv.Error) {
	tmpl, errGo := template.New("summary").Funcs(sprig.TxtFuncMap()).Parse(summaryTemplate)
	if errGo != nil {
		return "", runnerErrors.Wrap(runnerErrors.Configuration, errGo)
	}
	var sb strings.Builder
	if errGo = tmpl.Execute(&sb, doc); errGo != nil {
		return "", runnerErrors.Wrap(runnerErrors.Configuration, errGo)
	}
	return sb.String(), nil
}
