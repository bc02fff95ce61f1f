// Package runner drives one compilation end to end: resolve, stage, run in
// the sandbox, collect the artifact, tear down.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/sandbox"
	"github.com/jkaninda/scratchd/internal/toolchain"
	"github.com/jkaninda/scratchd/internal/workspace"
)

// diagPrefix marks engine diagnostics placed on a result's stderr.
const diagPrefix = "scratchd: "

// Observer receives every state transition of a job.
type Observer func(jobID string, state domain.State)

// Config holds the per-job ceilings.
type Config struct {
	Timeout        time.Duration
	MaxOutputBytes int64
}

// Runner executes compile jobs. It holds no per-job state and is safe for
// concurrent use.
type Runner struct {
	adapter   *toolchain.Adapter
	sandbox   sandbox.Sandbox
	workspace *workspace.Workspace
	config    Config
	logger    *slog.Logger
}

// New creates a Runner.
func New(adapter *toolchain.Adapter, sbx sandbox.Sandbox, ws *workspace.Workspace, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		adapter:   adapter,
		sandbox:   sbx,
		workspace: ws,
		config:    cfg,
		logger:    logger,
	}
}

type compileOptions struct {
	jobID    string
	observer Observer
}

// CompileOption configures a single Compile call.
type CompileOption func(*compileOptions)

// WithJobID tags logs and observer calls with id.
func WithJobID(id string) CompileOption {
	return func(o *compileOptions) { o.jobID = id }
}

// WithObserver reports state transitions to fn.
func WithObserver(fn Observer) CompileOption {
	return func(o *compileOptions) { o.observer = fn }
}

// job is the state carried through one Compile call.
type job struct {
	id       string
	req      domain.CompileRequest
	observer Observer
	logger   *slog.Logger
	state    domain.State
}

func (j *job) transition(s domain.State) {
	j.logger.Debug("job state", slog.String("from", string(j.state)), slog.String("state", string(s)))
	j.state = s
	if j.observer != nil {
		j.observer(j.id, s)
	}
}

// Compile runs req to completion and returns exactly one terminal result.
// The workspace, if one was created, is gone when Compile returns.
func (r *Runner) Compile(ctx context.Context, req domain.CompileRequest, opts ...CompileOption) (result domain.CompileResult) {
	o := compileOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	j := &job{
		id:       o.jobID,
		req:      req,
		observer: o.observer,
		logger: r.logger.With(
			slog.String("job_id", o.jobID),
			slog.String("arch", req.Arch),
			slog.String("compiler", req.Compiler),
			slog.String("version", req.Version),
		),
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			j.logger.Error("job panicked", slog.Any("panic", p))
			result = internalError(fmt.Errorf("panic: %v", p))
		}
		result.Duration = time.Since(start)
		j.transition(domain.OutcomeState(result.Outcome))
		j.transition(domain.StateTornDown)
		j.logger.Info("job finished",
			slog.String("outcome", string(result.Outcome)),
			slog.Int("exit_code", result.ExitCode),
			slog.Int("artifact_bytes", len(result.Artifact)),
			slog.Duration("duration", result.Duration),
		)
	}()

	j.transition(domain.StateCreated)

	plan, err := r.adapter.Plan(req)
	switch {
	case errors.Is(err, domain.ErrUnknownToolchain):
		return domain.CompileResult{Outcome: domain.OutcomeUnknownToolchain, ExitCode: -1, Error: err.Error()}
	case errors.Is(err, toolchain.ErrForbiddenFlag):
		return domain.CompileResult{Outcome: domain.OutcomeCompileError, ExitCode: -1, Stderr: diagPrefix + err.Error() + "\n", Error: err.Error()}
	case err != nil:
		return internalError(err)
	}
	if ctx.Err() != nil {
		return cancelled()
	}

	wj, err := r.workspace.CreateJob()
	if err != nil {
		return internalError(err)
	}
	// The single teardown path. It runs before the result defer above.
	defer func() {
		if err := wj.Destroy(); err != nil {
			j.logger.Error("workspace teardown failed", slog.String("dir", wj.Layout.Root), slog.String("error", err.Error()))
		}
	}()

	j.transition(domain.StateStaging)
	inv := r.adapter.Invocation(plan, wj.Layout)
	if res, ok := stage(wj, inv, req); !ok {
		return res
	}
	if ctx.Err() != nil {
		return cancelled()
	}

	j.transition(domain.StateRunning)
	sres, err := r.sandbox.Run(ctx, sandbox.Request{
		Command:       inv.Command,
		WorkingDir:    inv.WorkingDir,
		Env:           inv.Env,
		Profile:       plan.Profile,
		Timeout:       r.config.Timeout,
		ToolchainRoot: r.adapter.Registry().Root(),
		JobDir:        wj.Layout.Root,
		ScratchDir:    wj.Layout.Root,
		TmpDir:        wj.Layout.Tmp,
		ReadOnlyPaths: inv.ReadOnlyPaths,
	})
	switch {
	case err != nil && ctx.Err() != nil:
		// The backend refused to start on a dead context.
		return cancelled()
	case err != nil:
		return internalError(fmt.Errorf("sandbox: %w", err))
	}

	result = domain.CompileResult{
		Outcome:  sres.Outcome,
		ExitCode: sres.ExitCode,
		Stdout:   sres.Stdout,
		Stderr:   sres.Stderr,
	}
	if sres.Signal != "" && sres.Outcome == domain.OutcomeCompileError {
		result.Stderr += fmt.Sprintf("\n%scompiler killed by %s\n", diagPrefix, sres.Signal)
	}
	if sres.Outcome != domain.OutcomeSucceeded {
		return result
	}

	artifact, truncated, err := readArtifact(inv.OutputPath, r.config.MaxOutputBytes)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		result.Outcome = domain.OutcomeInternalError
		result.Error = "compiler exited 0 without producing " + filepath.Base(inv.OutputPath)
	case errors.Is(err, errNotRegular):
		result.Outcome = domain.OutcomeSandboxViolation
		result.Error = err.Error()
	case err != nil:
		result.Outcome = domain.OutcomeInternalError
		result.Error = err.Error()
	default:
		result.Artifact = artifact
		result.ArtifactTruncated = truncated
	}
	return result
}

func cancelled() domain.CompileResult {
	return domain.CompileResult{Outcome: domain.OutcomeCancelled, ExitCode: -1}
}

func internalError(err error) domain.CompileResult {
	return domain.CompileResult{Outcome: domain.OutcomeInternalError, ExitCode: -1, Error: err.Error()}
}

// stage writes the source and auxiliary files. Duplicate aux names after
// sanitizing are a user error.
func stage(wj *workspace.Job, inv toolchain.Invocation, req domain.CompileRequest) (domain.CompileResult, bool) {
	if _, err := wj.WriteSource(filepath.Base(inv.SourcePath), []byte(req.Source)); err != nil {
		return internalError(err), false
	}
	for _, f := range req.AuxFiles {
		if _, err := wj.WriteInclude(f.Name, f.Content); err != nil {
			if errors.Is(err, fs.ErrExist) {
				msg := fmt.Sprintf("duplicate auxiliary file %q", workspace.SanitizeName(f.Name))
				return domain.CompileResult{Outcome: domain.OutcomeCompileError, ExitCode: -1, Stderr: diagPrefix + msg + "\n", Error: msg}, false
			}
			return internalError(err), false
		}
	}
	return domain.CompileResult{}, true
}

var errNotRegular = errors.New("artifact is not a regular file")

// readArtifact reads at most limit bytes of the output. Symlinks and other
// non-regular files planted by the child are refused.
func readArtifact(path string, limit int64) ([]byte, bool, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, false, err
	}
	if !fi.Mode().IsRegular() {
		return nil, false, errNotRegular
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, false, fmt.Errorf("reading artifact: %w", err)
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
