package sandbox

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// NetworkPolicy is the network stance of a profile. Only NetworkDenied exists.
type NetworkPolicy string

const NetworkDenied NetworkPolicy = "denied"

// MountKind identifies which per-job path a mount binds.
type MountKind string

const (
	MountToolchain MountKind = "toolchain"
	MountScratch   MountKind = "scratch"
	MountTemp      MountKind = "tmp"
)

// Mount is a symbolic filesystem mount, resolved against a Request at run time.
type Mount struct {
	Kind     MountKind
	ReadOnly bool
}

// Limits are the resource ceilings of a profile.
type Limits struct {
	CPUSeconds   int   // RLIMIT_CPU; exceeding it is treated as a timeout.
	MemoryMB     int   // RLIMIT_AS. Zero leaves address space unbounded (Wine).
	OutputBytes  int64 // stdout/stderr/artifact cap.
	ScratchBytes int64 // tmpfs size and RLIMIT_FSIZE.
	PIDs         int   // docker --pids-limit.
}

// Profile is the immutable isolation description of one toolchain family.
// Build it with NewProfile; copies are safe to share between jobs.
type Profile struct {
	family       string
	capabilities []string
	mounts       []Mount
	network      NetworkPolicy
	limits       Limits
	windowsShim  bool
}

// knownCaps is the allowlist vocabulary. Anything else is rejected.
var knownCaps = []string{
	"CAP_CHOWN", "CAP_DAC_OVERRIDE", "CAP_FOWNER", "CAP_FSETID",
	"CAP_SETFCAP", "CAP_SETGID", "CAP_SETUID",
}

// NewProfile validates and freezes a profile.
func NewProfile(family string, caps []string, limits Limits, windowsShim bool) (Profile, error) {
	if family == "" {
		return Profile{}, fmt.Errorf("profile: family is required")
	}
	normalized := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToUpper(strings.TrimSpace(c))
		if !strings.HasPrefix(c, "CAP_") {
			c = "CAP_" + c
		}
		if !slices.Contains(knownCaps, c) {
			return Profile{}, fmt.Errorf("profile %s: capability %s is not allowlistable", family, c)
		}
		if !slices.Contains(normalized, c) {
			normalized = append(normalized, c)
		}
	}
	slices.Sort(normalized)
	if limits.OutputBytes <= 0 || limits.ScratchBytes <= 0 {
		return Profile{}, fmt.Errorf("profile %s: output and scratch limits must be positive", family)
	}
	return Profile{
		family:       family,
		capabilities: normalized,
		mounts: []Mount{
			{Kind: MountToolchain, ReadOnly: true},
			{Kind: MountScratch},
			{Kind: MountTemp},
		},
		network:     NetworkDenied,
		limits:      limits,
		windowsShim: windowsShim,
	}, nil
}

func (p Profile) Family() string { return p.family }
func (p Profile) Capabilities() []string { return slices.Clone(p.capabilities) }
func (p Profile) Mounts() []Mount { return slices.Clone(p.mounts) }
func (p Profile) Network() NetworkPolicy { return p.network }
func (p Profile) Limits() Limits { return p.limits }
func (p Profile) WindowsShim() bool { return p.windowsShim }
func (p Profile) IsZero() bool { return p.family == "" }
func (p Profile) allowsUnixSockets() bool { return p.windowsShim }
func (p Profile) String() string { return "profile(" + p.family + ")" }

// validate checks a request against its profile before anything is spawned.
func (r Request) validate() error {
	if len(r.Command) == 0 {
		return ErrEmptyCommand
	}
	if r.Profile.IsZero() {
		return fmt.Errorf("sandbox: request has no profile")
	}
	if r.Profile.network != NetworkDenied {
		return fmt.Errorf("sandbox: network policy %q is not supported", r.Profile.network)
	}
	if r.ScratchDir == "" || r.TmpDir == "" || r.JobDir == "" {
		return fmt.Errorf("sandbox: job, scratch and tmp directories are required")
	}
	if r.WorkingDir != "" && !within(r.WorkingDir, r.JobDir) {
		return fmt.Errorf("sandbox: working dir %s escapes job dir", r.WorkingDir)
	}
	if !within(r.ScratchDir, r.JobDir) || !within(r.TmpDir, r.JobDir) {
		return fmt.Errorf("sandbox: scratch and tmp directories must live in the job dir")
	}
	for _, p := range append([]string{r.JobDir, r.ToolchainRoot}, r.ReadOnlyPaths...) {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("sandbox: path %s is not absolute", p)
		}
	}
	return nil
}

func within(path, root string) bool {
	root = strings.TrimSuffix(root, "/")
	return path == root || strings.HasPrefix(path, root+"/")
}
