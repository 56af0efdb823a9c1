// Package report implements the JSON report schema of spec §6. The
// module itself is out of scope per spec §1 ("external collaborator"),
// but a default implementation is provided so a Session can be exercised
// standalone, grounded in the teacher's preference for a small,
// explicit JSON document (cmd/runner/json_test.go's fixtures) rather than
// a generic marshal-whatever-struct approach.
package report

import (
	"strconv"

	"github.com/karlmutch/vtclean"

	"github.com/linux-test-project/runltp-ng-sub000/internal/scheduler"
	"github.com/linux-test-project/runltp-ng-sub000/internal/sut"
)

// Environment mirrors spec §6's environment object.
type Environment struct {
	Distribution        string `json:"distribution"`
	DistributionVersion string `json:"distribution_version"`
	Kernel              string `json:"kernel"`
	Arch                string `json:"arch"`
	CPU                 string `json:"cpu"`
	RAM                 uint64 `json:"RAM"`
	Swap                uint64 `json:"swap"`
}

// Stats mirrors spec §6's stats object: sums across every TestResult of
// every suite.
type Stats struct {
	Runtime  float64 `json:"runtime"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Broken   int     `json:"broken"`
	Skipped  int     `json:"skipped"`
	Warnings int     `json:"warnings"`
}

// TestDetail is the nested "test" object of one result entry.
type TestDetail struct {
	Command   string   `json:"command"`
	Arguments []string `json:"arguments"`
	Failed    int      `json:"failed"`
	Passed    int      `json:"passed"`
	Broken    int      `json:"broken"`
	Skipped   int      `json:"skipped"`
	Warnings  int      `json:"warnings"`
	Duration  float64  `json:"duration"`
	Result    string   `json:"result"`
	Log       string   `json:"log"`
	Retval    []string `json:"retval"`
}

// ResultEntry is one element of the root "results" array.
type ResultEntry struct {
	TestFQN string     `json:"test_fqn"`
	Status  string     `json:"status"`
	Test    TestDetail `json:"test"`
}

// Report is the root object of spec §6's JSON schema.
type Report struct {
	Environment Environment   `json:"environment"`
	Stats       Stats         `json:"stats"`
	Results     []ResultEntry `json:"results"`
}

// Build aggregates a run's SuiteResults into the sealed Report. The
// environment is taken from the first suite that successfully read host
// info; results preserve each suite's completion order, suites in request
// order.
func Build(suites []scheduler.SuiteResult) Report {
	var r Report
	haveEnv := false

	for _, suite := range suites {
		if !haveEnv && suite.HostInfo != (sut.HostInfo{}) {
			haveEnv = true
			r.Environment = Environment{
				Distribution:        suite.HostInfo.Distro,
				DistributionVersion: suite.HostInfo.DistroVer,
				Kernel:              suite.HostInfo.Kernel,
				Arch:                suite.HostInfo.Arch,
				CPU:                 suite.HostInfo.CPU,
				RAM:                 suite.HostInfo.RAM,
				Swap:                suite.HostInfo.Swap,
			}
		}

		r.Stats.Runtime += suite.ExecTime.Seconds()
		for _, t := range suite.Results {
			r.Stats.Passed += t.Passed
			r.Stats.Failed += t.Failed
			r.Stats.Broken += t.Broken
			r.Stats.Skipped += t.Skipped
			r.Stats.Warnings += t.Warnings

			r.Results = append(r.Results, ResultEntry{
				TestFQN: suite.Name + "/" + t.Name,
				Status:  statusOf(t),
				Test: TestDetail{
					Command:   t.Command,
					Arguments: t.Arguments,
					Failed:    t.Failed,
					Passed:    t.Passed,
					Broken:    t.Broken,
					Skipped:   t.Skipped,
					Warnings:  t.Warnings,
					Duration:  t.ExecTime.Seconds(),
					Result:    string(t.Status),
					Log:       vtclean.Clean(string(t.Stdout), false),
					Retval:    []string{strconv.Itoa(t.ReturnCode)},
				},
			})
		}
	}
	return r
}

// statusOf maps a TestResult onto the four-way pass/fail/broken/skip
// status spec §6 names.
func statusOf(t scheduler.TestResult) string {
	if t.Status == scheduler.StatusOK {
		if t.Failed > 0 {
			return "fail"
		}
		return "pass"
	}
	if t.Skipped > 0 && t.Passed == 0 && t.Failed == 0 {
		return "skip"
	}
	return "broken"
}
