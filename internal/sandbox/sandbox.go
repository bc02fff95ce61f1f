// Package sandbox runs a single untrusted subprocess inside an isolated
// execution context: dropped capabilities, private mounts, tmpfs temp,
// no network and a hard wall-clock deadline.
package sandbox

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jkaninda/scratchd/internal/domain"
)

const defaultTimeout = 30 * time.Second

// ErrEmptyCommand is returned when a Request has no command.
var ErrEmptyCommand = errors.New("sandbox: empty command")

// Sandbox runs one command under a Profile.
type Sandbox interface {
	// Run blocks until the command exits, the timeout fires or ctx is
	// canceled. Failures of the child (including policy violations) are
	// reported through Result.Outcome; the error is reserved for requests
	// that could not be started at all.
	Run(ctx context.Context, req Request) (*Result, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}

// Request describes one sandboxed invocation.
type Request struct {
	// Command is the absolute program path followed by its arguments.
	Command []string
	// WorkingDir is the directory the command starts in. It must live inside ScratchDir.
	WorkingDir string
	// Env is merged on top of the sanitized base environment.
	Env map[string]string
	// Profile is consumed unmodified.
	Profile Profile
	// Timeout is the wall-clock ceiling. Zero means the backend default.
	Timeout time.Duration

	// ToolchainRoot is bound read-only.
	ToolchainRoot string
	// JobDir is the per-job workspace root and the only writable host
	// path the child can see.
	JobDir string
	// ScratchDir is bound read-write.
	ScratchDir string
	// TmpDir receives a tmpfs capped at Profile.Limits.ScratchBytes.
	TmpDir string
	// ReadOnlyPaths are extra host trees bound read-only next to the system
	// directories. Container backends take these from their image instead.
	ReadOnlyPaths []string
}

// Result captures a finished sandboxed invocation.
type Result struct {
	Outcome  domain.Outcome
	ExitCode int
	Signal   string
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// baseEnv is the sanitized environment every child starts from. Nothing is
// inherited from the host process.
func baseEnv(home, tmp string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + tmp,
		"LANG=C",
		"LC_ALL=C",
		"TERM=dumb",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
