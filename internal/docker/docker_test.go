package docker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeDocker installs a docker script on PATH that logs its arguments and
// stdin, then runs body.
func fakeDocker(t *testing.T, body string) string {
	t.Helper()
	bin := t.TempDir()
	log := filepath.Join(t.TempDir(), "calls.log")
	script := "#!/bin/sh\necho \"$@\" >> \"$FAKE_DOCKER_LOG\"\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(bin, "docker"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	t.Setenv("FAKE_DOCKER_LOG", log)
	return log
}

func TestBuild(t *testing.T) {
	log := fakeDocker(t, "echo step 1/3")
	var out bytes.Buffer
	c := NewClient(&out)

	if _, err := c.Build(context.Background(), t.TempDir(), "abc"); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	calls, _ := os.ReadFile(log)
	if strings.TrimSpace(string(calls)) != "build -t app:abc ." {
		t.Errorf("calls = %q", calls)
	}
	if !strings.Contains(out.String(), "step 1/3") {
		t.Errorf("output not streamed: %q", out.String())
	}

	if _, err := c.Build(context.Background(), filepath.Join(t.TempDir(), "nope"), "abc"); err == nil {
		t.Error("Build() on missing dir succeeded")
	}
}

func TestLoginUsesStdin(t *testing.T) {
	fakeDocker(t, `read pw; echo "got $pw"`)
	res, err := NewClient(nil).Login(context.Background(), "123.dkr.ecr.us-east-1.amazonaws.com", "AWS", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Stdout, "got s3cret") {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestIsImmutableTagError(t *testing.T) {
	tests := []struct {
		out  string
		want bool
	}{
		{"tag invalid: The image tag 'v1' already exists in the 'app' repository and cannot be overwritten because the repository is immutable.", true},
		{"ImageTagAlreadyExistsException: IMMUTABLE", true},
		{"denied: requested access to the resource is denied", false},
	}
	for _, tt := range tests {
		if got := IsImmutableTagError(tt.out); got != tt.want {
			t.Errorf("IsImmutableTagError(%q) = %v, want %v", tt.out, got, tt.want)
		}
	}
}

func TestUniqueTag(t *testing.T) {
	ts := time.Date(2026, 2, 8, 12, 0, 5, 0, time.UTC)
	if got := UniqueTag(ts); got != "build-20260208T120005Z" {
		t.Errorf("UniqueTag() = %q", got)
	}
}
