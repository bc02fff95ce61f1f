package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/sandbox"
	"github.com/jkaninda/scratchd/internal/toolchain"
	"github.com/jkaninda/scratchd/internal/workspace"
)

// fakeSandbox plays the compiler: it runs fn against the request instead of
// spawning anything.
type fakeSandbox struct {
	mu    sync.Mutex
	calls []sandbox.Request
	fn    func(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

func (f *fakeSandbox) Name() string { return "fake" }

func (f *fakeSandbox) Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

// outputArg returns the path after -o.
func outputArg(cmd []string) string {
	i := slices.Index(cmd, "-o")
	return cmd[i+1]
}

func writeObject(data []byte) func(context.Context, sandbox.Request) (*sandbox.Result, error) {
	return func(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
		if err := os.WriteFile(outputArg(req.Command), data, 0o600); err != nil {
			return nil, err
		}
		return &sandbox.Result{Outcome: domain.OutcomeSucceeded}, nil
	}
}

type fixture struct {
	runner *Runner
	sbx    *fakeSandbox
	ws     *workspace.Workspace
}

func newFixture(t *testing.T, fn func(context.Context, sandbox.Request) (*sandbox.Result, error)) *fixture {
	t.Helper()
	reg, err := toolchain.NewRegistry("/opt/tc", nil, []toolchain.Toolchain{
		{Arch: "mips", Compiler: "gcc", Version: "2.95", Family: "gcc", Executable: "gcc2.95/gcc"},
	})
	if err != nil {
		t.Fatal(err)
	}
	adapter, err := toolchain.NewAdapter(reg, toolchain.Limits{Timeout: 5 * time.Second, OutputBytes: 64, ScratchBytes: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sbx := &fakeSandbox{fn: fn}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		runner: New(adapter, sbx, ws, Config{Timeout: 5 * time.Second, MaxOutputBytes: 64}, logger),
		sbx:    sbx,
		ws:     ws,
	}
}

func (f *fixture) assertNoJobs(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.ws.JobsDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace not torn down: %d entries left", len(entries))
	}
}

func mipsRequest() domain.CompileRequest {
	return domain.CompileRequest{Source: "int f(void){return 1;}", Arch: "mips", Compiler: "gcc", Version: "2.95", Flags: []string{"-O2"}}
}

func TestCompile_Succeeded(t *testing.T) {
	f := newFixture(t, writeObject([]byte("\x7fELF-object")))

	var states []domain.State
	res := f.runner.Compile(context.Background(), mipsRequest(),
		WithJobID("j1"),
		WithObserver(func(id string, s domain.State) {
			if id != "j1" {
				t.Errorf("observer id = %q", id)
			}
			states = append(states, s)
		}))

	if res.Outcome != domain.OutcomeSucceeded {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Error)
	}
	if string(res.Artifact) != "\x7fELF-object" || res.ArtifactTruncated {
		t.Errorf("artifact = %q truncated=%v", res.Artifact, res.ArtifactTruncated)
	}
	want := []domain.State{
		domain.StateCreated, domain.StateStaging, domain.StateRunning,
		domain.OutcomeState(domain.OutcomeSucceeded), domain.StateTornDown,
	}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if res.Duration <= 0 {
		t.Error("duration not recorded")
	}
	f.assertNoJobs(t)
}

func TestCompile_SandboxRequest(t *testing.T) {
	f := newFixture(t, func(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
		src, err := os.ReadFile(filepath.Join(req.JobDir, "src", "code.c"))
		if err != nil || !strings.Contains(string(src), "return 1") {
			t.Errorf("source not staged: %v", err)
		}
		if _, err := os.Stat(filepath.Join(req.JobDir, "src", "include", "defs.h")); err != nil {
			t.Errorf("aux file not staged: %v", err)
		}
		return writeObject([]byte("o"))(context.Background(), req)
	})
	req := mipsRequest()
	req.AuxFiles = []domain.AuxFile{{Name: "../defs.h", Content: []byte("#define X 1")}}

	res := f.runner.Compile(context.Background(), req)
	if res.Outcome != domain.OutcomeSucceeded {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Error)
	}

	call := f.sbx.calls[0]
	if filepath.Dir(call.JobDir) != f.ws.JobsDir() || call.ScratchDir != call.JobDir {
		t.Errorf("scratch = %s job = %s", call.ScratchDir, call.JobDir)
	}
	if len(call.ReadOnlyPaths) != 0 {
		t.Errorf("native toolchain got read-only paths %q", call.ReadOnlyPaths)
	}
	if call.ToolchainRoot != "/opt/tc" || call.Timeout != 5*time.Second {
		t.Errorf("toolchain root = %s timeout = %s", call.ToolchainRoot, call.Timeout)
	}
	if call.Profile.Family() != "gcc" {
		t.Errorf("profile = %s", call.Profile)
	}
}

func TestCompile_UnknownToolchainCreatesNothing(t *testing.T) {
	f := newFixture(t, writeObject(nil))
	req := mipsRequest()
	req.Version = "13.2"

	res := f.runner.Compile(context.Background(), req)
	if res.Outcome != domain.OutcomeUnknownToolchain {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if len(f.sbx.calls) != 0 {
		t.Error("sandbox invoked for unknown toolchain")
	}
	f.assertNoJobs(t)
}

func TestCompile_ForbiddenFlag(t *testing.T) {
	f := newFixture(t, writeObject(nil))
	req := mipsRequest()
	req.Flags = []string{"-o", "/etc/passwd"}

	res := f.runner.Compile(context.Background(), req)
	if res.Outcome != domain.OutcomeCompileError {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if !strings.Contains(res.Stderr, "forbidden flag") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if len(f.sbx.calls) != 0 {
		t.Error("sandbox invoked for forbidden flag")
	}
	f.assertNoJobs(t)
}

func TestCompile_DuplicateAuxFile(t *testing.T) {
	f := newFixture(t, writeObject(nil))
	req := mipsRequest()
	req.AuxFiles = []domain.AuxFile{{Name: "a/x.h"}, {Name: "b/x.h"}}

	res := f.runner.Compile(context.Background(), req)
	if res.Outcome != domain.OutcomeCompileError || len(f.sbx.calls) != 0 {
		t.Errorf("outcome = %s calls = %d", res.Outcome, len(f.sbx.calls))
	}
	f.assertNoJobs(t)
}

func TestCompile_SandboxOutcomesPassThrough(t *testing.T) {
	for _, outcome := range []domain.Outcome{
		domain.OutcomeCompileError,
		domain.OutcomeTimedOut,
		domain.OutcomeSandboxViolation,
		domain.OutcomeCancelled,
		domain.OutcomeInternalError,
	} {
		t.Run(string(outcome), func(t *testing.T) {
			f := newFixture(t, func(context.Context, sandbox.Request) (*sandbox.Result, error) {
				return &sandbox.Result{Outcome: outcome, ExitCode: 1, Stderr: "code.c:1: error"}, nil
			})
			res := f.runner.Compile(context.Background(), mipsRequest())
			if res.Outcome != outcome {
				t.Errorf("outcome = %s, want %s", res.Outcome, outcome)
			}
			if res.Artifact != nil {
				t.Error("artifact attached to a failed job")
			}
			f.assertNoJobs(t)
		})
	}
}

func TestCompile_MissingArtifactIsInternalError(t *testing.T) {
	f := newFixture(t, func(context.Context, sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Outcome: domain.OutcomeSucceeded}, nil
	})
	res := f.runner.Compile(context.Background(), mipsRequest())
	if res.Outcome != domain.OutcomeInternalError {
		t.Errorf("outcome = %s", res.Outcome)
	}
	f.assertNoJobs(t)
}

func TestCompile_ArtifactTruncated(t *testing.T) {
	f := newFixture(t, writeObject([]byte(strings.Repeat("x", 100))))
	res := f.runner.Compile(context.Background(), mipsRequest())
	if res.Outcome != domain.OutcomeSucceeded {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(res.Artifact) != 64 || !res.ArtifactTruncated {
		t.Errorf("artifact len = %d truncated = %v", len(res.Artifact), res.ArtifactTruncated)
	}
}

func TestCompile_SymlinkArtifactRefused(t *testing.T) {
	f := newFixture(t, func(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
		if err := os.Symlink("/etc/hostname", outputArg(req.Command)); err != nil {
			return nil, err
		}
		return &sandbox.Result{Outcome: domain.OutcomeSucceeded}, nil
	})
	res := f.runner.Compile(context.Background(), mipsRequest())
	if res.Outcome != domain.OutcomeSandboxViolation || res.Artifact != nil {
		t.Errorf("outcome = %s artifact = %q", res.Outcome, res.Artifact)
	}
}

func TestCompile_SandboxErrorIsInternal(t *testing.T) {
	f := newFixture(t, func(context.Context, sandbox.Request) (*sandbox.Result, error) {
		return nil, errors.New("fork failed")
	})
	res := f.runner.Compile(context.Background(), mipsRequest())
	if res.Outcome != domain.OutcomeInternalError || !strings.Contains(res.Error, "fork failed") {
		t.Errorf("outcome = %s error = %q", res.Outcome, res.Error)
	}
	f.assertNoJobs(t)
}

func TestCompile_PanicStillTearsDown(t *testing.T) {
	f := newFixture(t, func(context.Context, sandbox.Request) (*sandbox.Result, error) {
		panic("boom")
	})
	res := f.runner.Compile(context.Background(), mipsRequest())
	if res.Outcome != domain.OutcomeInternalError {
		t.Errorf("outcome = %s", res.Outcome)
	}
	f.assertNoJobs(t)
}

func TestCompile_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, writeObject(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.runner.Compile(ctx, mipsRequest())
	if res.Outcome != domain.OutcomeCancelled || len(f.sbx.calls) != 0 {
		t.Errorf("outcome = %s calls = %d", res.Outcome, len(f.sbx.calls))
	}
	f.assertNoJobs(t)
}

func TestCompile_CancelledDuringStaging(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The cancel lands after staging; the backend then fails to start.
	f := newFixture(t, func(ctx context.Context, _ sandbox.Request) (*sandbox.Result, error) {
		cancel()
		return nil, fmt.Errorf("starting sandbox: %w", ctx.Err())
	})

	res := f.runner.Compile(ctx, mipsRequest())
	if res.Outcome != domain.OutcomeCancelled || res.ExitCode != -1 {
		t.Errorf("outcome = %s exit = %d (%s), want CANCELLED", res.Outcome, res.ExitCode, res.Error)
	}
	f.assertNoJobs(t)
}

func TestCompile_CancelWhileRunning(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ sandbox.Request) (*sandbox.Result, error) {
		close(started)
		<-ctx.Done()
		return &sandbox.Result{Outcome: domain.OutcomeCancelled, ExitCode: -1, Signal: "killed"}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res := f.runner.Compile(ctx, mipsRequest())
	if res.Outcome != domain.OutcomeCancelled {
		t.Errorf("outcome = %s", res.Outcome)
	}
	f.assertNoJobs(t)
}
