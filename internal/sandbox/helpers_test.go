package sandbox

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testProfile(t *testing.T, limits Limits) Profile {
	t.Helper()
	if limits.OutputBytes == 0 {
		limits.OutputBytes = 64 << 10
	}
	if limits.ScratchBytes == 0 {
		limits.ScratchBytes = 8 << 20
	}
	p, err := NewProfile("test", []string{"CAP_SETUID", "setgid"}, limits, false)
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}
	return p
}

// testJob lays out a job dir the way the workspace package does and returns
// a request pointing at it.
func testJob(t *testing.T, p Profile, command ...string) Request {
	t.Helper()
	root := t.TempDir()
	jobDir := filepath.Join(root, "job-test")
	if err := os.MkdirAll(filepath.Join(jobDir, "tmp"), 0o700); err != nil {
		t.Fatal(err)
	}
	return Request{
		Command:    command,
		Profile:    p,
		JobDir:     jobDir,
		ScratchDir: jobDir,
		TmpDir:     filepath.Join(jobDir, "tmp"),
	}
}
