package manifest

import (
	"testing"

	"github.com/go-test/deep"
)

func TestParseBasic(t *testing.T) {
	text := "# a comment\n\nsyscalls01 syscalls/abort01\nsyscalls02 syscalls/accept01 -i 5\n"
	suite, err := Parse("syscalls", text, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Suite{
		Name: "syscalls",
		Tests: []Test{
			{Name: "syscalls01", Command: "syscalls/abort01", Arguments: []string{}},
			{Name: "syscalls02", Command: "syscalls/accept01", Arguments: []string{"-i", "5"}},
		},
	}
	if diff := deep.Equal(suite, want); diff != nil {
		t.Fatalf("Parse() diff: %v", diff)
	}
}

func TestParseRejectsShortLine(t *testing.T) {
	if _, err := Parse("syscalls", "syscalls01\n", nil); err == nil {
		t.Fatal("expected an error for a line with fewer than two tokens")
	}
}

func TestParallelizableNoMetadata(t *testing.T) {
	suite, err := Parse("syscalls", "syscalls01 syscalls/abort01\n", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if suite.Tests[0].Parallelizable {
		t.Fatal("expected non-parallelizable when metadata is nil")
	}
}

func TestParallelizableUnknownTest(t *testing.T) {
	md := &Metadata{Tests: map[string]map[string]interface{}{
		"other01": {},
	}}
	suite, err := Parse("syscalls", "syscalls01 syscalls/abort01\n", md)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if suite.Tests[0].Parallelizable {
		t.Fatal("expected non-parallelizable when the test is absent from metadata")
	}
}

func TestParallelizableBlacklisted(t *testing.T) {
	md := &Metadata{Tests: map[string]map[string]interface{}{
		"mount01": {"mount_device": true, "mntpoint": "/mnt"},
		"read01":  {},
	}}
	suite, err := Parse("fs", "mount01 fs/mount01\nread01 fs/read01\n", md)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if suite.Tests[0].Parallelizable {
		t.Fatal("mount01 has a blacklisted key and must not be parallelizable")
	}
	if !suite.Tests[1].Parallelizable {
		t.Fatal("read01 has no blacklisted keys and should be parallelizable")
	}
}
