//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// waitDelay bounds how long we wait for grandchildren holding our pipes
// after the child itself is gone.
const waitDelay = 2 * time.Second

// ProcessConfig configures the namespace-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	// HelperPath is the binary re-executed as the sandbox helper. Empty
	// means the running executable, which must call RunInitIfRequested.
	HelperPath string
}

// ProcessSandbox runs each command in fresh user, mount, network, PID, IPC
// and UTS namespaces.
//
// The child is this same binary re-executed as a helper that, as root
// inside the user namespace:
//   - pivots into an empty tmpfs root holding read-only binds of the
//     system directories, the toolchain root and any extra read-only paths
//   - binds the job directory read-write; nothing else of the host is visible
//   - mounts a size-capped tmpfs on the job's tmp directory
//   - drops every capability outside the profile allowlist
//   - sets no_new_privs, rlimits and a seccomp filter that kills on socket(2)
//   - execs the command with a sanitized environment
//
// The helper is its own process group; timeout and cancellation kill the
// whole group, and PID namespace teardown takes every descendant with it.
type ProcessSandbox struct {
	defaultTimeout time.Duration
	helperPath     string
	logger         *slog.Logger
}

// NewProcessSandbox creates a namespace-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) (*ProcessSandbox, error) {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	helper := cfg.HelperPath
	if helper == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving sandbox helper: %w", err)
		}
		helper = self
	}
	return &ProcessSandbox{
		defaultTimeout: timeout,
		helperPath:     helper,
		logger:         logger,
	}, nil
}

func (s *ProcessSandbox) Name() string { return "process" }

// Run executes req.Command inside the jail.
func (s *ProcessSandbox) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limits := req.Profile.Limits()
	workDir := req.WorkingDir
	if workDir == "" {
		workDir = req.ScratchDir
	}
	spec := initSpec{
		Command:       req.Command,
		Dir:           workDir,
		Env:           baseEnv(req.ScratchDir, req.TmpDir, req.Env),
		ToolchainRoot: hostPath(req.ToolchainRoot),
		JobDir:        req.JobDir,
		ReadOnlyPaths: hostPaths(req.ReadOnlyPaths),
		TmpDir:        req.TmpDir,
		TmpBytes:      limits.ScratchBytes,
		Capabilities:  req.Profile.Capabilities(),
		CPUSeconds:    limits.CPUSeconds,
		MemoryMB:      limits.MemoryMB,
		FileBytes:     limits.ScratchBytes,
		AllowUnix:     req.Profile.allowsUnixSockets(),
		AllowCompat:   req.Profile.WindowsShim(),
	}
	encoded, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox spec: %w", err)
	}

	cmd := exec.CommandContext(runCtx, s.helperPath)
	cmd.Args = []string{"scratchd-sandbox"}
	cmd.Env = []string{initEnvKey + "=" + string(encoded)}
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWNET |
			syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS,
		UidMappings:                []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings:                []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
		GidMappingsEnableSetgroups: false,
	}
	// Negative PID kills the whole process group.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	stdout := newCappedBuffer(limits.OutputBytes)
	stderr := newCappedBuffer(limits.OutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.logger.Debug("sandbox executing",
		slog.String("backend", s.Name()),
		slog.String("profile", req.Profile.Family()),
		slog.Any("command", req.Command),
		slog.String("dir", workDir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Non-zero exits are results; only a child that never started is an error.
	if runErr != nil && cmd.ProcessState == nil {
		return nil, fmt.Errorf("starting sandbox: %w", runErr)
	}
	info := exitInfo{}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			info.signal = ws.Signal()
			info.exitCode = -1
		} else {
			info.exitCode = ws.ExitStatus()
		}
	}
	if info.exitCode == setupFailureExitCode && strings.Contains(stderr.String(), initErrorPrefix) {
		info.setupFailure = true
	}

	outcome := classify(ctx, runCtx, info)
	s.logger.Debug("sandbox completed",
		slog.String("backend", s.Name()),
		slog.String("outcome", string(outcome)),
		slog.Int("exit_code", info.exitCode),
		slog.String("signal", signalName(info.signal)),
		slog.Duration("duration", duration),
		slog.Bool("stdout_truncated", stdout.Truncated()),
		slog.Bool("stderr_truncated", stderr.Truncated()),
	)

	return &Result{
		Outcome:  outcome,
		ExitCode: info.exitCode,
		Signal:   signalName(info.signal),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}

// hostPath resolves symlinks so the bind lands on a real directory inside
// the new root. Unresolvable paths are passed through and skipped there.
func hostPath(p string) string {
	if p == "" {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return p
}

func hostPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, hostPath(p))
	}
	return out
}
