package toolchain

import (
	"path/filepath"
	"strings"
)

// Paths are the engine-controlled locations of one invocation.
type Paths struct {
	Source  string
	Output  string
	Include string
}

// Family builds the command line for one toolchain family. The runner never
// branches on the family; everything family-specific lives behind this.
type Family interface {
	Name() string
	// SourceName is the file name the source is staged as.
	SourceName() string
	// Windows reports whether the toolchain runs under Wine.
	Windows() bool
	// Args returns the arguments after the executable. flags are arch
	// defaults, toolchain defaults and user flags, already checked.
	Args(flags []string, p Paths) []string
	// ExemptFlags are family options that merely look like an output
	// override (mwcc's -opt).
	ExemptFlags() []string
}

var families = map[string]Family{
	"gcc":  gccFamily{},
	"ido":  idoFamily{},
	"gas":  gasFamily{},
	"mwcc": mwccFamily{},
	"msvc": msvcFamily{},
}

// FamilyNames lists the registered families.
func FamilyNames() []string {
	return []string{"gcc", "ido", "gas", "mwcc", "msvc"}
}

type gccFamily struct{}

func (gccFamily) Name() string { return "gcc" }
func (gccFamily) SourceName() string { return "code.c" }
func (gccFamily) Windows() bool { return false }
func (gccFamily) ExemptFlags() []string { return nil }
func (gccFamily) Args(flags []string, p Paths) []string {
	args := []string{"-c"}
	args = append(args, flags...)
	return append(args, "-I", p.Include, "-o", p.Output, p.Source)
}

// idoFamily is the IRIX cc driver, recompiled to run natively.
type idoFamily struct{}

func (idoFamily) Name() string { return "ido" }
func (idoFamily) SourceName() string { return "code.c" }
func (idoFamily) Windows() bool { return false }
func (idoFamily) ExemptFlags() []string { return nil }
func (idoFamily) Args(flags []string, p Paths) []string {
	args := []string{"-c"}
	args = append(args, flags...)
	return append(args, "-I"+p.Include, "-o", p.Output, p.Source)
}

type gasFamily struct{}

func (gasFamily) Name() string { return "gas" }
func (gasFamily) SourceName() string { return "code.s" }
func (gasFamily) Windows() bool { return false }
func (gasFamily) ExemptFlags() []string { return nil }
func (gasFamily) Args(flags []string, p Paths) []string {
	args := append([]string(nil), flags...)
	return append(args, "-I", p.Include, "-o", p.Output, p.Source)
}

type mwccFamily struct{}

func (mwccFamily) Name() string { return "mwcc" }
func (mwccFamily) SourceName() string { return "code.c" }
func (mwccFamily) Windows() bool { return true }
func (mwccFamily) ExemptFlags() []string {
	return []string{"-opt", "-once", "-ordered"}
}
func (mwccFamily) Args(flags []string, p Paths) []string {
	args := []string{"-c"}
	args = append(args, flags...)
	return append(args, "-i", winPath(p.Include), "-o", winPath(p.Output), winPath(p.Source))
}

type msvcFamily struct{}

func (msvcFamily) Name() string { return "msvc" }
func (msvcFamily) SourceName() string { return "code.c" }
func (msvcFamily) Windows() bool { return true }
func (msvcFamily) ExemptFlags() []string { return nil }
func (msvcFamily) Args(flags []string, p Paths) []string {
	args := []string{"/c"}
	args = append(args, flags...)
	return append(args, "/I"+winPath(p.Include), "/Fo"+winPath(p.Output), winPath(p.Source))
}

// winPath maps a host path onto Wine's Z: drive.
func winPath(p string) string {
	return `Z:` + strings.ReplaceAll(filepath.ToSlash(p), "/", `\`)
}
