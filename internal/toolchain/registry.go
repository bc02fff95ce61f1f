// Package toolchain resolves logical (arch, compiler, version) triples to
// installed toolchains and turns a compile request into a concrete,
// engine-controlled command line plus the sandbox profile of its family.
package toolchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Registry.Resolve when no toolchain matches.
var ErrNotFound = errors.New("toolchain not found")

// Toolchain is one installed compiler/assembler for one architecture.
type Toolchain struct {
	ID       string `yaml:"id" json:"id"`
	Arch     string `yaml:"arch" json:"arch"`
	Compiler string `yaml:"compiler" json:"compiler"`
	Version  string `yaml:"version" json:"version"`
	Family   string `yaml:"family" json:"family"`
	Platform string `yaml:"platform,omitempty" json:"platform,omitempty"`
	// Executable is relative to the registry root, or absolute inside it.
	Executable string `yaml:"executable" json:"-"`
	// Flags are toolchain-specific defaults placed after the arch defaults.
	Flags []string `yaml:"flags,omitempty" json:"flags,omitempty"`
}

// Platform groups toolchains by target system for listings.
type Platform struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Arch        string `yaml:"arch" json:"arch"`
}

// registryFile is the on-disk shape of toolchains.yaml.
type registryFile struct {
	Root       string      `yaml:"root"`
	Platforms  []Platform  `yaml:"platforms"`
	Toolchains []Toolchain `yaml:"toolchains"`
}

type key struct{ arch, compiler, version string }

// Registry is the read-only set of installed toolchains. It is safe for
// concurrent use once built.
type Registry struct {
	root       string
	platforms  []Platform
	toolchains []Toolchain
	byKey      map[key]int
	// latest maps (arch, compiler) to the entry used when no version is given:
	// the first one declared.
	latest map[key]int
}

// LoadRegistry reads a toolchains.yaml file. A non-empty root overrides the
// root declared in the file.
func LoadRegistry(path, root string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading toolchain registry: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing toolchain registry %s: %w", path, err)
	}
	if root == "" {
		root = f.Root
	}
	if root == "" {
		root = filepath.Dir(path)
	}
	return NewRegistry(root, f.Platforms, f.Toolchains)
}

// NewRegistry validates toolchains and freezes them under root.
func NewRegistry(root string, platforms []Platform, toolchains []Toolchain) (*Registry, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving toolchain root: %w", err)
	}
	r := &Registry{
		root:      absRoot,
		platforms: slices.Clone(platforms),
		byKey:     make(map[key]int, len(toolchains)),
		latest:    make(map[key]int),
	}
	for _, tc := range toolchains {
		if tc.Arch == "" || tc.Compiler == "" || tc.Version == "" || tc.Executable == "" {
			return nil, fmt.Errorf("toolchain %q: arch, compiler, version and executable are required", tc.ID)
		}
		if _, ok := families[tc.Family]; !ok {
			return nil, fmt.Errorf("toolchain %s/%s: unknown family %q", tc.Compiler, tc.Version, tc.Family)
		}
		if _, ok := architectures[tc.Arch]; !ok {
			return nil, fmt.Errorf("toolchain %s/%s: unknown arch %q", tc.Compiler, tc.Version, tc.Arch)
		}
		exe := tc.Executable
		if !filepath.IsAbs(exe) {
			exe = filepath.Join(absRoot, exe)
		}
		exe = filepath.Clean(exe)
		if !strings.HasPrefix(exe, absRoot+string(filepath.Separator)) {
			return nil, fmt.Errorf("toolchain %s/%s: executable %s is outside %s", tc.Compiler, tc.Version, exe, absRoot)
		}
		tc.Executable = exe
		tc.Flags = slices.Clone(tc.Flags)
		if tc.ID == "" {
			tc.ID = tc.Compiler + "-" + tc.Version + "-" + tc.Arch
		}

		k := key{tc.Arch, tc.Compiler, tc.Version}
		if _, dup := r.byKey[k]; dup {
			return nil, fmt.Errorf("toolchain %s/%s for %s declared twice", tc.Compiler, tc.Version, tc.Arch)
		}
		r.byKey[k] = len(r.toolchains)
		if _, ok := r.latest[key{tc.Arch, tc.Compiler, ""}]; !ok {
			r.latest[key{tc.Arch, tc.Compiler, ""}] = len(r.toolchains)
		}
		r.toolchains = append(r.toolchains, tc)
	}
	return r, nil
}

// Resolve finds the toolchain for (arch, compiler, version). An empty
// version selects the first declared version for that pair.
func (r *Registry) Resolve(arch, compiler, version string) (Toolchain, error) {
	idx, ok := r.byKey[key{arch, compiler, version}]
	if version == "" {
		idx, ok = r.latest[key{arch, compiler, ""}]
	}
	if !ok {
		return Toolchain{}, fmt.Errorf("%s %s for %s: %w", compiler, version, arch, ErrNotFound)
	}
	tc := r.toolchains[idx]
	tc.Flags = slices.Clone(tc.Flags)
	return tc, nil
}

// Root is the directory every toolchain lives under. It is mounted
// read-only into each sandbox.
func (r *Registry) Root() string { return r.root }

// Toolchains returns every registered toolchain in declaration order.
func (r *Registry) Toolchains() []Toolchain {
	out := make([]Toolchain, len(r.toolchains))
	for i, tc := range r.toolchains {
		tc.Flags = slices.Clone(tc.Flags)
		out[i] = tc
	}
	return out
}

// Platforms returns the declared platforms in declaration order.
func (r *Registry) Platforms() []Platform { return slices.Clone(r.platforms) }
