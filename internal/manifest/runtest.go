// Package manifest parses LTP runtest files and their optional metadata
// sidecar, and decides per spec §4.3 which tests are safe to run
// concurrently. Grounded in the teacher's preference for small,
// dependency-free parsers (project.go's TOML/descriptor reading) combined
// with the plain-text line scanning idiom used throughout
// cmd/runner/*.go's config loaders.
package manifest

import (
	"bufio"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
)

// Test is one parsed runtest line, plus the parallelism decision of spec
// §4.3.
type Test struct {
	Name           string
	Command        string
	Arguments      []string
	Parallelizable bool
}

// Suite is a named, ordered collection of Tests, as produced from one
// runtest file.
type Suite struct {
	Name  string
	Tests []Test
}

// blacklistKeys is the spec §4.3 set of metadata keys that disqualify a
// test from running in the parallel cohort.
var blacklistKeys = []string{
	"needs_root",
	"needs_device",
	"mount_device",
	"mntpoint",
	"resource_file",
	"format_device",
	"save_restore",
	"max_runtime",
}

// Parse reads a runtest file's raw text into a Suite. metadata may be nil,
// meaning no sidecar was available; every Test is then non-parallelizable
// per spec §4.3.
func Parse(suiteName string, runtestText string, metadata *Metadata) (suite Suite, err kv.Error) {
	suite.Name = suiteName

	scanner := bufio.NewScanner(strings.NewReader(runtestText))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return suite, runnerErrors.New(runnerErrors.Configuration, "runtest line has fewer than two tokens").
				With("suite", suiteName, "line", lineNo, "text", line).
				With("stack", stack.Trace().TrimRuntime())
		}

		test := Test{
			Name:      fields[0],
			Command:   fields[1],
			Arguments: append([]string{}, fields[2:]...),
		}
		test.Parallelizable = parallelizable(test.Name, metadata)
		suite.Tests = append(suite.Tests, test)
	}
	if errGo := scanner.Err(); errGo != nil {
		return suite, runnerErrors.Wrap(runnerErrors.Configuration, errGo).With("suite", suiteName)
	}
	return suite, nil
}

// parallelizable implements spec §4.3's gate exactly: no metadata at all
// means never parallel; metadata present but silent on this test means
// never parallel (legacy/unknown); otherwise parallel iff none of the
// blacklist keys appear among the test's own parameters.
func parallelizable(testName string, metadata *Metadata) bool {
	if metadata == nil {
		return false
	}
	params, ok := metadata.Tests[testName]
	if !ok {
		return false
	}
	for _, key := range blacklistKeys {
		if _, present := params[key]; present {
			return false
		}
	}
	return true
}
