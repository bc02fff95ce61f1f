package toolchain

// Architecture holds the per-family default flags for one target.
// Defaults pin endianness, ABI and ISA variant and always precede user flags.
type Architecture struct {
	ID       string
	Defaults map[string][]string // family -> flags
}

var architectures = map[string]Architecture{
	"mips": {ID: "mips", Defaults: map[string][]string{
		"gcc": {"-G0", "-mips2", "-EB"},
		"ido": {"-G0", "-mips2", "-non_shared", "-Xcpluscomm"},
		"gas": {"-EB", "-march=vr4300", "-mabi=32"},
	}},
	"mipsel": {ID: "mipsel", Defaults: map[string][]string{
		"gcc":  {"-G0", "-mips1", "-EL"},
		"gas":  {"-EL", "-march=r3000", "-mabi=32"},
		"mwcc": {"-proc", "r3000"},
	}},
	"mipsee": {ID: "mipsee", Defaults: map[string][]string{
		"gcc":  {"-G0", "-EL"},
		"gas":  {"-EL", "-march=r5900", "-mabi=eabi"},
		"mwcc": {"-proc", "r5900"},
	}},
	"ppc": {ID: "ppc", Defaults: map[string][]string{
		"gcc":  {"-mcpu=750", "-meabi", "-mhard-float"},
		"gas":  {"-mgekko", "-many"},
		"mwcc": {"-proc", "gekko", "-nodefaults"},
	}},
	"arm32": {ID: "arm32", Defaults: map[string][]string{
		"gcc":  {"-mthumb-interwork"},
		"gas":  {"-mcpu=arm7tdmi"},
		"mwcc": {"-proc", "arm946e", "-nodefaults"},
	}},
	"i686": {ID: "i686", Defaults: map[string][]string{
		"gcc":  {"-m32"},
		"gas":  {"--32"},
		"msvc": {"/nologo"},
	}},
}

// defaultFlags returns a copy of the defaults for (arch, family).
func defaultFlags(arch, family string) []string {
	return append([]string(nil), architectures[arch].Defaults[family]...)
}
