package toolchain

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/sandbox"
	"github.com/jkaninda/scratchd/internal/workspace"
)

const (
	defaultWinePath = "/usr/bin/wine"
	objectName      = "object.o"
)

// Invocation is the concrete, engine-controlled command for one job.
type Invocation struct {
	Command    []string
	Env        map[string]string
	WorkingDir string
	SourcePath string
	OutputPath string
	Toolchain  Toolchain

	// ReadOnlyPaths are host trees the command needs beyond the system
	// directories, such as a Wine install outside /usr.
	ReadOnlyPaths []string
}

// Plan is a validated request bound to its toolchain and family. It exists
// before any workspace does.
type Plan struct {
	Toolchain Toolchain
	Family    Family
	Profile   sandbox.Profile
	flags     []string
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithWinePath sets the Wine loader used for Windows-hosted toolchains.
func WithWinePath(path string) AdapterOption {
	return func(a *Adapter) { a.winePath = path }
}

// Adapter turns compile requests into invocations.
type Adapter struct {
	registry *Registry
	profiles map[string]sandbox.Profile
	winePath string
}

// NewAdapter builds the family profiles once from limits.
func NewAdapter(registry *Registry, limits Limits, opts ...AdapterOption) (*Adapter, error) {
	profiles, err := buildProfiles(limits)
	if err != nil {
		return nil, fmt.Errorf("building sandbox profiles: %w", err)
	}
	a := &Adapter{registry: registry, profiles: profiles, winePath: defaultWinePath}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Registry returns the registry the adapter resolves against.
func (a *Adapter) Registry() *Registry { return a.registry }

// Plan resolves the toolchain and checks user flags. Errors wrap
// domain.ErrUnknownToolchain or ErrForbiddenFlag.
func (a *Adapter) Plan(req domain.CompileRequest) (*Plan, error) {
	tc, err := a.registry.Resolve(req.Arch, req.Compiler, req.Version)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", domain.ErrUnknownToolchain, err)
		}
		return nil, err
	}
	fam := families[tc.Family]
	if err := checkFlags(req.Flags, fam.ExemptFlags()); err != nil {
		return nil, err
	}

	flags := defaultFlags(tc.Arch, tc.Family)
	flags = append(flags, tc.Flags...)
	flags = append(flags, req.Flags...)
	return &Plan{
		Toolchain: tc,
		Family:    fam,
		Profile:   a.profiles[tc.Family],
		flags:     flags,
	}, nil
}

// BuildInvocation resolves req and lays its command out against the job's
// workspace. The output path and working directory always come from layout.
func (a *Adapter) BuildInvocation(req domain.CompileRequest, layout workspace.Layout) (Invocation, sandbox.Profile, error) {
	plan, err := a.Plan(req)
	if err != nil {
		return Invocation{}, sandbox.Profile{}, err
	}
	return a.Invocation(plan, layout), plan.Profile, nil
}

// Invocation lays a plan out against a job layout.
func (a *Adapter) Invocation(plan *Plan, layout workspace.Layout) Invocation {
	paths := Paths{
		Source:  filepath.Join(layout.Src, plan.Family.SourceName()),
		Output:  filepath.Join(layout.Out, objectName),
		Include: layout.Include,
	}
	args := plan.Family.Args(slices.Clone(plan.flags), paths)

	inv := Invocation{
		WorkingDir: layout.Src,
		SourcePath: paths.Source,
		OutputPath: paths.Output,
		Toolchain:  plan.Toolchain,
		Env:        map[string]string{},
	}
	if plan.Family.Windows() {
		inv.Command = append([]string{a.winePath, plan.Toolchain.Executable}, args...)
		inv.Env["WINEPREFIX"] = layout.Wine
		inv.Env["WINEDEBUG"] = "-all"
		inv.Env["WINEDLLOVERRIDES"] = "mscoree,mshtml="
		inv.ReadOnlyPaths = []string{wineRoot(a.winePath)}
	} else {
		inv.Command = append([]string{plan.Toolchain.Executable}, args...)
		// IDO and old gcc drivers look up their passes relative to these.
		inv.Env["COMPILER_PATH"] = filepath.Dir(plan.Toolchain.Executable)
	}
	return inv
}

// wineRoot is the install prefix of the Wine loader: the parent of its bin
// directory, or the directory itself for a flat layout.
func wineRoot(winePath string) string {
	dir := filepath.Dir(winePath)
	if filepath.Base(dir) == "bin" {
		return filepath.Dir(dir)
	}
	return dir
}

// Profile returns the frozen profile for family.
func (a *Adapter) Profile(family string) (sandbox.Profile, bool) {
	p, ok := a.profiles[family]
	return p, ok
}
