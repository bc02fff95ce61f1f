package diff

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/hex"
	"fmt"
	"sort"
)

// Format names the container an Artifact was decoded from.
type Format string

const (
	FormatELF  Format = "elf"
	FormatCOFF Format = "coff"
	FormatRaw  Format = "raw"
)

// HexBytes marshals as a lowercase hex string.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(out, h)
	return out, nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	b := make([]byte, hex.DecodedLen(len(text)))
	n, err := hex.Decode(b, text)
	if err != nil {
		return err
	}
	*h = b[:n]
	return nil
}

func (h HexBytes) String() string { return hex.EncodeToString(h) }

// Unit is one comparable element: an instruction word or a byte.
type Unit struct {
	Offset uint64   `json:"offset"`
	Bytes  HexBytes `json:"bytes"`
}

// Group is the units of one function, or of text no symbol covers.
type Group struct {
	Name  string `json:"name"`
	Units []Unit `json:"units"`
}

// Artifact is a decoded binary. It is never mutated after Decode.
type Artifact struct {
	Format  Format  `json:"format"`
	Machine string  `json:"machine"`
	Groups  []Group `json:"groups"`
}

// Len is the number of units across all groups.
func (a Artifact) Len() int {
	n := 0
	for _, g := range a.Groups {
		n += len(g.Units)
	}
	return n
}

// Decode turns an object file into an Artifact. It tries ELF, then COFF/PE,
// and falls back to a single raw byte group; it never fails.
func Decode(data []byte) Artifact {
	if a, ok := decodeELF(data); ok {
		return a
	}
	if a, ok := decodeCOFF(data); ok {
		return a
	}
	return rawArtifact(data)
}

func rawArtifact(data []byte) Artifact {
	a := Artifact{Format: FormatRaw, Machine: "unknown"}
	if len(data) > 0 {
		a.Groups = []Group{{Name: "raw", Units: split(data, 0, 1)}}
	}
	return a
}

// split cuts data into width-sized units. A short tail becomes one
// shorter unit.
func split(data []byte, base uint64, width int) []Unit {
	units := make([]Unit, 0, (len(data)+width-1)/width)
	for off := 0; off < len(data); off += width {
		end := min(off+width, len(data))
		units = append(units, Unit{Offset: base + uint64(off), Bytes: HexBytes(data[off:end])})
	}
	return units
}

func elfWidth(m elf.Machine) int {
	switch m {
	case elf.EM_MIPS, elf.EM_MIPS_RS3_LE, elf.EM_PPC, elf.EM_PPC64, elf.EM_ARM,
		elf.EM_AARCH64, elf.EM_RISCV, elf.EM_SPARC, elf.EM_SPARCV9, elf.EM_SPARC32PLUS:
		return 4
	case elf.EM_SH:
		return 2
	default:
		return 1
	}
}

// span is a function's extent inside a section.
type span struct {
	name       string
	start, end uint64
	width      int
}

func decodeELF(data []byte) (Artifact, bool) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return Artifact{}, false
	}
	defer f.Close()

	width := elfWidth(f.Machine)
	syms, _ := f.Symbols()

	a := Artifact{Format: FormatELF, Machine: f.Machine.String()}
	for idx, sec := range f.Sections {
		if sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		body, err := sec.Data()
		if err != nil {
			return Artifact{}, false
		}
		// In relocatable objects symbol values are section offsets; in
		// linked images they are addresses.
		base := sec.Addr
		if f.Type == elf.ET_REL {
			base = 0
		}
		var spans []span
		for _, s := range syms {
			if int(s.Section) != idx || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			value, w := s.Value, width
			if f.Machine == elf.EM_ARM && value&1 == 1 {
				value, w = value&^1, 2 // Thumb
			}
			if value < base || value-base > uint64(len(body)) {
				continue
			}
			spans = append(spans, span{name: s.Name, start: value - base, end: value - base + s.Size, width: w})
		}
		a.Groups = append(a.Groups, groupsFor(sec.Name, body, spans, width)...)
	}
	return a, true
}

func coffWidth(m uint16) int {
	switch m {
	case pe.IMAGE_FILE_MACHINE_POWERPC, pe.IMAGE_FILE_MACHINE_POWERPCFP, pe.IMAGE_FILE_MACHINE_R4000,
		pe.IMAGE_FILE_MACHINE_WCEMIPSV2, pe.IMAGE_FILE_MACHINE_ARM, pe.IMAGE_FILE_MACHINE_ARM64:
		return 4
	case pe.IMAGE_FILE_MACHINE_ARMNT, pe.IMAGE_FILE_MACHINE_THUMB, pe.IMAGE_FILE_MACHINE_SH3, pe.IMAGE_FILE_MACHINE_SH4:
		return 2
	default:
		return 1
	}
}

const (
	coffCodeSection     = 0x00000020 // IMAGE_SCN_CNT_CODE
	coffExecSection     = 0x20000000 // IMAGE_SCN_MEM_EXECUTE
	coffFunctionType    = 0x20       // DTYPE_FUNCTION << 4
	coffExternalStorage = 2          // IMAGE_SYM_CLASS_EXTERNAL
)

func decodeCOFF(data []byte) (Artifact, bool) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return Artifact{}, false
	}
	defer f.Close()
	// Without an MZ stub any buffer parses as a COFF header; insist on a
	// plausible object.
	if len(f.Sections) == 0 || (!bytes.HasPrefix(data, []byte("MZ")) && !knownCOFFMachine(f.Machine)) {
		return Artifact{}, false
	}

	width := coffWidth(f.Machine)
	a := Artifact{Format: FormatCOFF, Machine: fmt.Sprintf("0x%04x", f.Machine)}
	for i, sec := range f.Sections {
		if sec.Characteristics&(coffCodeSection|coffExecSection) == 0 {
			continue
		}
		body, err := sec.Data()
		if err != nil {
			return Artifact{}, false
		}
		body = body[:min(len(body), int(sec.Size))]
		var spans []span
		for _, s := range f.Symbols {
			if int(s.SectionNumber) != i+1 || s.Name == sec.Name {
				continue
			}
			if s.Type&0xf0 != coffFunctionType && s.StorageClass != coffExternalStorage {
				continue
			}
			if uint64(s.Value) > uint64(len(body)) {
				continue
			}
			// COFF carries no symbol sizes; groupsFor closes each span at the next one.
			spans = append(spans, span{name: s.Name, start: uint64(s.Value), width: width})
		}
		a.Groups = append(a.Groups, groupsFor(sec.Name, body, spans, width)...)
	}
	return a, true
}

func knownCOFFMachine(m uint16) bool {
	return m == pe.IMAGE_FILE_MACHINE_I386 || m == pe.IMAGE_FILE_MACHINE_AMD64 || coffWidth(m) > 1
}

// groupsFor slices one section into function groups plus anonymous groups
// for uncovered ranges. Spans without a size run to the next span.
func groupsFor(section string, body []byte, spans []span, width int) []Group {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].name < spans[j].name
	})
	// Aliases at the same address keep the first name.
	uniq := spans[:0]
	for _, s := range spans {
		if len(uniq) > 0 && uniq[len(uniq)-1].start == s.start {
			continue
		}
		uniq = append(uniq, s)
	}
	spans = uniq

	size := uint64(len(body))
	var groups []Group
	anon := 0
	addAnon := func(from, to uint64) {
		if to <= from {
			return
		}
		groups = append(groups, Group{
			Name:  fmt.Sprintf("%s#%d", section, anon),
			Units: split(body[from:to], from, width),
		})
		anon++
	}

	cursor := uint64(0)
	for i, s := range spans {
		next := size
		if i+1 < len(spans) {
			next = spans[i+1].start
		}
		end := s.end
		if end <= s.start || end > next {
			end = next
		}
		if s.start < cursor {
			continue
		}
		addAnon(cursor, s.start)
		groups = append(groups, Group{Name: s.name, Units: split(body[s.start:end], s.start, s.width)})
		cursor = end
	}
	addAnon(cursor, size)
	return groups
}
