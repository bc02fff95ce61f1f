package sandbox

import (
	"context"
	"errors"
	"syscall"

	"github.com/jkaninda/scratchd/internal/domain"
)

// setupFailureExitCode is how both backends report that the isolation
// could not be established (docker run uses the same code).
const setupFailureExitCode = 125

// exitInfo is the backend-neutral view of how a child ended.
type exitInfo struct {
	exitCode     int
	signal       syscall.Signal
	setupFailure bool
}

// fromExitCode decodes the shell convention of 128+signal used by docker.
func fromExitCode(code int) exitInfo {
	info := exitInfo{exitCode: code}
	if code > 128 && code < 128+65 {
		info.signal = syscall.Signal(code - 128)
	}
	if code == setupFailureExitCode || code == 126 || code == 127 {
		info.setupFailure = true
	}
	return info
}

// classify maps how the child ended onto an outcome.
//
// A child that was killed after the caller canceled is CANCELLED; one killed
// after the deadline is TIMED_OUT. A child that managed to exit on its own
// keeps its real status even if a deadline raced with it.
func classify(parent, run context.Context, info exitInfo) domain.Outcome {
	killed := info.signal == syscall.SIGKILL
	switch {
	case killed && parent.Err() != nil:
		return domain.OutcomeCancelled
	case killed && errors.Is(run.Err(), context.DeadlineExceeded):
		return domain.OutcomeTimedOut
	case info.signal == syscall.SIGSYS:
		return domain.OutcomeSandboxViolation
	case info.signal == syscall.SIGXCPU:
		return domain.OutcomeTimedOut
	case info.setupFailure:
		return domain.OutcomeInternalError
	case info.signal == 0 && info.exitCode == 0:
		return domain.OutcomeSucceeded
	default:
		return domain.OutcomeCompileError
	}
}

func signalName(s syscall.Signal) string {
	if s == 0 {
		return ""
	}
	return s.String()
}
