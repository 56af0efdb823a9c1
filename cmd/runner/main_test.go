package main

import (
	"testing"
	"time"

	"github.com/linux-test-project/runltp-ng-sub000/internal/session"
)

func TestSplitCSV(t *testing.T) {
	cases := map[string][]string{
		"":              nil,
		"syscalls":      {"syscalls"},
		"syscalls,mm":   {"syscalls", "mm"},
		"syscalls, mm,": {"syscalls", " mm"},
		",,":            nil,
	}
	for in, want := range cases {
		got := splitCSV(in)
		if len(got) != len(want) {
			t.Fatalf("splitCSV(%q) = %v, want %v", in, got, want)
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("splitCSV(%q) = %v, want %v", in, got, want)
			}
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	d := session.Descriptor{
		Session: session.SessionDescriptor{
			Suites:       []string{"syscalls"},
			AdHocCommand: "",
			SkipRegex:    "",
			Workers:      4,
		},
	}

	suitesOpt = flagString("mm,fs")
	adHocOpt = flagString("uname -a")
	skipOpt = flagString("^fallocate")
	workersOpt = flagInt(8)
	defer func() {
		suitesOpt = flagString("")
		adHocOpt = flagString("")
		skipOpt = flagString("")
		workersOpt = flagInt(0)
	}()

	applyOverrides(&d)

	if len(d.Session.Suites) != 2 || d.Session.Suites[0] != "mm" || d.Session.Suites[1] != "fs" {
		t.Fatalf("suites override not applied: %v", d.Session.Suites)
	}
	if d.Session.AdHocCommand != "uname -a" {
		t.Fatalf("ad-hoc override not applied: %q", d.Session.AdHocCommand)
	}
	if d.Session.SkipRegex != "^fallocate" {
		t.Fatalf("skip regex override not applied: %q", d.Session.SkipRegex)
	}
	if d.Session.Workers != 8 {
		t.Fatalf("workers override not applied: %d", d.Session.Workers)
	}
}

func TestToSessionConfigInvalidRegex(t *testing.T) {
	_, err := toSessionConfig(session.SessionDescriptor{
		SkipRegex:      "(unterminated",
		PerTestTimeout: time.Minute,
	})
	if err == nil {
		t.Fatal("expected an error for an invalid skip_regex")
	}
}

func TestToSessionConfigDefaultsTmpDir(t *testing.T) {
	cfg, err := toSessionConfig(session.SessionDescriptor{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TmpDir == "" {
		t.Fatal("expected a non-empty default TmpDir")
	}
}

func flagString(v string) *string { return &v }
func flagInt(v int) *int          { return &v }
