//go:build !linux

package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var errUnsupported = errors.New("sandbox: the process backend requires linux namespaces")

// ProcessConfig configures the namespace-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	HelperPath     string
}

// ProcessSandbox is unavailable on this platform; use the docker backend.
type ProcessSandbox struct{}

func NewProcessSandbox(_ ProcessConfig, _ *slog.Logger) (*ProcessSandbox, error) {
	return nil, errUnsupported
}

func (s *ProcessSandbox) Name() string { return "process" }

func (s *ProcessSandbox) Run(_ context.Context, _ Request) (*Result, error) {
	return nil, errUnsupported
}
