package diff

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"testing"
)

type testFunc struct {
	name  string
	code  []byte
	thumb bool
}

// buildELF32 writes a minimal relocatable ELF32 object with one .text
// section holding funcs back to back, followed by trailing bytes no symbol
// covers.
func buildELF32(t *testing.T, machine elf.Machine, order binary.ByteOrder, funcs []testFunc, trailing []byte) []byte {
	t.Helper()

	var text bytes.Buffer
	strtab := []byte{0}
	var symtab bytes.Buffer
	symtab.Write(make([]byte, 16)) // null symbol
	for _, f := range funcs {
		value := uint32(text.Len())
		if f.thumb {
			value |= 1
		}
		sym := elf.Sym32{
			Name:  uint32(len(strtab)),
			Value: value,
			Size:  uint32(len(f.code)),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: 1,
		}
		strtab = append(strtab, f.name...)
		strtab = append(strtab, 0)
		binary.Write(&symtab, order, sym)
		text.Write(f.code)
	}
	text.Write(trailing)

	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	const ehsize = 52
	textOff := uint32(ehsize)
	symOff := textOff + uint32(text.Len())
	strOff := symOff + uint32(symtab.Len())
	shstrOff := strOff + uint32(len(strtab))
	shOff := shstrOff + uint32(len(shstrtab))

	var out bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS32), 0, byte(elf.EV_CURRENT)}
	if order == binary.BigEndian {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	} else {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	}
	binary.Write(&out, order, elf.Header32{
		Ident:     ident,
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shOff,
		Ehsize:    ehsize,
		Shentsize: 40,
		Shnum:     5,
		Shstrndx:  4,
	})
	out.Write(text.Bytes())
	out.Write(symtab.Bytes())
	out.Write(strtab)
	out.Write(shstrtab)

	sections := []elf.Section32{
		{},
		{Name: 1, Type: uint32(elf.SHT_PROGBITS), Flags: uint32(elf.SHF_ALLOC | elf.SHF_EXECINSTR), Off: textOff, Size: uint32(text.Len()), Addralign: 4},
		{Name: 7, Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: uint32(symtab.Len()), Link: 3, Info: 1, Addralign: 4, Entsize: 16},
		{Name: 15, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint32(len(strtab)), Addralign: 1},
		{Name: 23, Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint32(len(shstrtab)), Addralign: 1},
	}
	for _, s := range sections {
		binary.Write(&out, order, s)
	}
	return out.Bytes()
}

// buildCOFF writes a minimal COFF object with one .text section and one
// function symbol per entry of funcs.
func buildCOFF(t *testing.T, machine uint16, funcs []testFunc) []byte {
	t.Helper()
	var text bytes.Buffer
	var offsets []uint32
	for _, f := range funcs {
		offsets = append(offsets, uint32(text.Len()))
		text.Write(f.code)
	}

	const (
		fileHeaderSize    = 20
		sectionHeaderSize = 40
		symbolSize        = 18
	)
	textOff := uint32(fileHeaderSize + sectionHeaderSize)
	symOff := textOff + uint32(text.Len())

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     1,
		PointerToSymbolTable: symOff,
		NumberOfSymbols:      uint32(len(funcs)),
	})
	var name [8]uint8
	copy(name[:], ".text")
	binary.Write(&out, binary.LittleEndian, pe.SectionHeader32{
		Name:             name,
		SizeOfRawData:    uint32(text.Len()),
		PointerToRawData: textOff,
		Characteristics:  0x60000020,
	})
	out.Write(text.Bytes())
	for i, f := range funcs {
		var sym pe.COFFSymbol
		copy(sym.Name[:], f.name) // names here fit in 8 bytes
		sym.Value = offsets[i]
		sym.SectionNumber = 1
		sym.Type = 0x20
		sym.StorageClass = 2
		binary.Write(&out, binary.LittleEndian, sym)
	}
	binary.Write(&out, binary.LittleEndian, uint32(4)) // empty string table
	// debug/pe reads a 96-byte DOS header.
	for out.Len() < 128 {
		out.WriteByte(0)
	}
	return out.Bytes()
}

func words(order binary.ByteOrder, ws ...uint32) []byte {
	out := make([]byte, 4*len(ws))
	for i, w := range ws {
		order.PutUint32(out[4*i:], w)
	}
	return out
}
