package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "scratchd-toolchains:latest"
)

// DockerConfig configures the Docker-based sandbox.
type DockerConfig struct {
	Image          string        // Image providing the toolchain runtime (libc, wine).
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit unless the profile sets one.
	MemoryMB       int           // --memory for profiles without an address-space limit.
	Binary         string        // docker CLI path; empty = "docker".
}

// DockerSandbox runs each command in an ephemeral container.
//
// The container gets --cap-drop=ALL plus the profile allowlist,
// no-new-privileges, a read-only root, --network=none, the toolchain root
// bound read-only, the scratch dir bound read-write at the same path, a
// size-capped tmpfs and a generated seccomp profile that kills on socket(2).
// Paths are identical inside and outside so the adapter's command line is
// valid in both backends.
type DockerSandbox struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerSandbox creates a Docker-based sandbox.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	return &DockerSandbox{config: cfg, logger: logger}
}

func (s *DockerSandbox) Name() string { return "docker" }

// Run executes req.Command inside an ephemeral container.
func (s *DockerSandbox) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	// The profile is read by the docker daemon, never by the child.
	seccompPath, err := writeDockerSeccomp(req.Profile)
	if err != nil {
		return nil, err
	}
	defer os.Remove(seccompPath)

	args := s.buildDockerArgs(containerName, seccompPath, req)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(runCtx, s.config.Binary, args...)
	cmd.WaitDelay = 2 * time.Second

	limits := req.Profile.Limits()
	stdout := newCappedBuffer(limits.OutputBytes)
	stderr := newCappedBuffer(limits.OutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.logger.Debug("docker sandbox executing",
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.String("profile", req.Profile.Family()),
		slog.Any("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Killing the client does not stop the container; this does.
	s.forceRemoveContainer(containerName)

	info := exitInfo{}
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			if exitErr.ExitCode() == -1 {
				// The docker client itself was killed by cmd.Cancel.
				info = exitInfo{exitCode: -1, signal: syscall.SIGKILL}
			} else {
				info = fromExitCode(exitErr.ExitCode())
			}
		case cmd.ProcessState == nil:
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
	}

	outcome := classify(ctx, runCtx, info)
	s.logger.Debug("docker sandbox completed",
		slog.String("container", containerName),
		slog.String("outcome", string(outcome)),
		slog.Int("exit_code", info.exitCode),
		slog.Duration("duration", duration),
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

// buildDockerArgs constructs the docker run argument list. The command itself
// is NOT included; the caller appends it after the image.
func (s *DockerSandbox) buildDockerArgs(name, seccompPath string, req Request) []string {
	limits := req.Profile.Limits()
	pids := s.config.PIDsLimit
	if limits.PIDs > 0 {
		pids = limits.PIDs
	}
	workDir := req.WorkingDir
	if workDir == "" {
		workDir = req.ScratchDir
	}

	args := []string{
		"run", "--rm",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--read-only",
		"--user=" + strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid()),
		"--network=none",
		"--ipc=none",

		"--cpus=" + strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(pids),
		"--ulimit", "core=0:0",
	}
	for _, c := range req.Profile.Capabilities() {
		args = append(args, "--cap-add="+strings.TrimPrefix(c, "CAP_"))
	}
	memMB := limits.MemoryMB
	if memMB == 0 {
		memMB = s.config.MemoryMB
	}
	if memMB > 0 {
		mem := strconv.Itoa(memMB) + "m"
		args = append(args, "--memory="+mem, "--memory-swap="+mem)
	}
	if limits.CPUSeconds > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", limits.CPUSeconds, limits.CPUSeconds+1))
	}

	if req.ToolchainRoot != "" {
		args = append(args, "--volume", req.ToolchainRoot+":"+req.ToolchainRoot+":ro")
	}
	args = append(args,
		"--volume", req.ScratchDir+":"+req.ScratchDir+":rw",
		"--tmpfs", fmt.Sprintf("%s:rw,nosuid,nodev,size=%d", req.TmpDir, limits.ScratchBytes),
		"--workdir", workDir,
	)

	for _, kv := range baseEnv(req.ScratchDir, req.TmpDir, req.Env) {
		args = append(args, "--env", kv)
	}

	// Image (must come after all flags, before command).
	args = append(args, s.config.Image)
	return args
}

// dockerSeccompProfile is the subset of the docker seccomp JSON we emit.
type dockerSeccompProfile struct {
	DefaultAction string              `json:"defaultAction"`
	Syscalls      []dockerSeccompRule `json:"syscalls"`
}

type dockerSeccompRule struct {
	Names  []string           `json:"names"`
	Action string             `json:"action"`
	Args   []dockerSeccompArg `json:"args,omitempty"`
}

type dockerSeccompArg struct {
	Index uint   `json:"index"`
	Value uint64 `json:"value"`
	Op    string `json:"op"`
}

// deniedSyscalls never make sense for a compiler.
var deniedSyscalls = []string{
	"add_key", "bpf", "keyctl", "kexec_load", "mount", "open_by_handle_at",
	"perf_event_open", "pivot_root", "ptrace", "request_key", "setns",
	"umount2", "unshare",
}

// writeDockerSeccomp writes the profile to a temp file and returns its path.
func writeDockerSeccomp(p Profile) (string, error) {
	socketRule := dockerSeccompRule{Names: []string{"socket"}, Action: "SCMP_ACT_KILL_PROCESS"}
	if p.allowsUnixSockets() {
		socketRule.Args = []dockerSeccompArg{{Index: 0, Value: 1, Op: "SCMP_CMP_NE"}} // AF_UNIX
	}
	profile := dockerSeccompProfile{
		DefaultAction: "SCMP_ACT_ALLOW",
		Syscalls: []dockerSeccompRule{
			socketRule,
			{Names: deniedSyscalls, Action: "SCMP_ACT_ERRNO"},
		},
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("encoding seccomp profile: %w", err)
	}
	f, err := os.CreateTemp("", "scratchd-seccomp-*.json")
	if err != nil {
		return "", fmt.Errorf("creating seccomp profile: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	return f.Name(), nil
}

// forceRemoveContainer removes the container by name. "No such container"
// is expected when --rm already cleaned up.
func (s *DockerSandbox) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.config.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// generateContainerName returns a unique container name: scratchd-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "scratchd-" + hex.EncodeToString(b), nil
}
