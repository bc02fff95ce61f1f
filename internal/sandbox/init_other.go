//go:build !linux

package sandbox

// RunInitIfRequested is a no-op where the process backend is unavailable.
func RunInitIfRequested() {}
