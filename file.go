// This file is part of GoRE.
//
// Copyright (C) 2019-2024 GoRE Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package execfile

import (
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"
)

// NoSection is the section index of symbols that are not defined in any
// section: undefined, absolute and common symbols.
const NoSection = -1

// Section is a format independent view of a section.
type Section struct {
	Name string
	// Addr is the virtual address of the section. For PE images it is an RVA.
	Addr uint64
	// Size is the size of the section in memory.
	Size uint64
	// Offset is the file offset of the section data.
	Offset uint64
	// FileSize is the number of bytes of the section present in the file. It
	// is zero for sections that only occupy memory.
	FileSize uint64
	// Flags holds the format specific flags: sh_flags, Characteristics or
	// the Mach-O section flags.
	Flags uint64
	// Loaded reports whether the section occupies memory in the loaded
	// image. ELF sections without SHF_ALLOC do not.
	Loaded bool
}

// Slice is one architecture of a universal binary.
type Slice struct {
	Arch   string
	Offset uint64
	Size   uint64
	// File is the decoded slice, nil if Err is set.
	File *File
	Err  error
}

// File is a format independent view of an executable.
type File struct {
	Format Format
	// Arch is the architecture name, one of the Arch constants or the
	// format's own name for machines without one.
	Arch      string
	Bits      int
	ByteOrder binary.ByteOrder
	// Entry is the raw entry point field. For PE images it is the RVA in
	// AddressOfEntryPoint and ImageBase has to be added to get the address.
	Entry uint64
	// ImageBase is the preferred load address of a PE image. Zero otherwise.
	ImageBase uint64
	Sections  []Section
	Symbols   []Symbol
	// Libraries lists the shared libraries the file depends on: DT_NEEDED
	// entries, imported DLLs or loaded dylibs.
	Libraries []string
	// Slices holds the architectures of a universal binary. Other fields
	// except Format and ByteOrder are empty for universal binaries.
	Slices []Slice

	raw         any
	data        []byte
	symbolIndex func() map[string]int
}

// Open reads the file at filePath and parses it.
func Open(filePath string, opts ...Option) (*File, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return Parse(data, opts...)
}

// Parse detects the format of data and decodes it. The returned File
// references data, which must not be modified afterwards.
func Parse(data []byte, opts ...Option) (*File, error) {
	format, err := Detect(data)
	if err != nil {
		return nil, err
	}
	cfg := newConfig(opts)
	switch format {
	case FormatELF:
		ef, err := parseELF(newCursor(data, binary.LittleEndian), cfg)
		if err != nil {
			return nil, annotate(err, FormatELF, "")
		}
		return ef.adapt(data), nil
	case FormatPE:
		pf, err := parsePE(newCursor(data, binary.LittleEndian), cfg)
		if err != nil {
			return nil, annotate(err, FormatPE, "")
		}
		return pf.adapt(data)
	case FormatMachO:
		mf, err := parseMachO(data, cfg)
		if err != nil {
			return nil, annotate(err, FormatMachO, "")
		}
		return mf.adapt(data), nil
	case FormatMachOFat:
		ff, err := parseFat(newCursor(data, binary.BigEndian), cfg)
		if err != nil {
			return nil, annotate(err, FormatMachOFat, "")
		}
		return ff.adapt(data), nil
	}
	return nil, &DecodeError{Kind: ErrUnknownFormat, Reason: fmt.Sprintf("no decoder for %s", format)}
}

// Raw returns the format specific result the file was built from: an
// *ELFFile, *PEFile, *MachOFile or *FatFile.
func (f *File) Raw() any {
	return f.raw
}

// Section returns the first section with the given name, or nil.
func (f *File) Section(name string) *Section {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionByAddress returns the section whose memory range contains the
// virtual address addr, or nil.
func (f *File) SectionByAddress(addr uint64) *Section {
	for i := range f.Sections {
		s := &f.Sections[i]
		start := f.ImageBase + s.Addr
		if s.Loaded && s.Size > 0 && addr >= start && addr-start < s.Size {
			return s
		}
	}
	return nil
}

// SectionData returns the file data of the named section.
func (f *File) SectionData(name string) ([]byte, error) {
	s := f.Section(name)
	if s == nil {
		return nil, ErrSectionDoesNotExist
	}
	return f.sectionData(s)
}

func (f *File) sectionData(s *Section) ([]byte, error) {
	b, err := newCursor(f.data, f.ByteOrder).bytes(s.Offset, s.FileSize)
	if err != nil {
		return nil, annotate(err, f.Format, "section "+s.Name)
	}
	return b, nil
}

// Bytes returns n bytes of the file mapped at virtual address addr. The range
// has to be backed by file data of a single section.
func (f *File) Bytes(addr, n uint64) ([]byte, error) {
	s := f.SectionByAddress(addr)
	if s == nil {
		return nil, ErrSectionDoesNotExist
	}
	delta := addr - (f.ImageBase + s.Addr)
	if delta > s.FileSize || n > s.FileSize-delta {
		return nil, &DecodeError{Kind: ErrTruncated, Format: f.Format, Field: "section " + s.Name, Offset: s.Offset + delta, Length: n,
			Reason: "range is not backed by file data"}
	}
	return newCursor(f.data, f.ByteOrder).bytes(s.Offset+delta, n)
}

func newFile(format Format, raw any, data []byte) *File {
	f := &File{Format: format, raw: raw, data: data}
	f.symbolIndex = sync.OnceValue(f.buildSymbolIndex)
	return f
}

func (ef *ELFFile) adapt(data []byte) *File {
	f := newFile(FormatELF, ef, data)
	f.Arch = elfArch(ef.Header.Machine)
	f.Bits = 32
	if ef.Is64() {
		f.Bits = 64
	}
	f.ByteOrder = ef.ByteOrder
	f.Entry = ef.Header.Entry
	f.Libraries = ef.ImportedLibraries

	f.Sections = make([]Section, len(ef.Sections))
	for i, s := range ef.Sections {
		fileSize := s.Size
		if s.Type == elf.SHT_NOBITS {
			fileSize = 0
		}
		f.Sections[i] = Section{
			Name:     s.Name,
			Addr:     s.Addr,
			Size:     s.Size,
			Offset:   s.Offset,
			FileSize: fileSize,
			Flags:    s.RawFlags,
			Loaded:   s.Flags&elf.SHF_ALLOC != 0,
		}
	}

	f.Symbols = make([]Symbol, 0, len(ef.Symbols)+len(ef.DynamicSymbols))
	for _, tab := range [][]ELFSymbol{ef.Symbols, ef.DynamicSymbols} {
		for _, s := range tab {
			f.Symbols = append(f.Symbols, elfSymbol(s))
		}
	}
	return f
}

func elfSymbol(s ELFSymbol) Symbol {
	sym := Symbol{Name: s.Name, Value: s.Value, Size: s.Size, Section: NoSection}
	if idx, ok := s.SectionIndex(); ok {
		sym.Section = idx
	}
	switch s.Bind {
	case elf.STB_LOCAL:
		sym.Binding = BindingLocal
	case elf.STB_GLOBAL:
		sym.Binding = BindingGlobal
	case elf.STB_WEAK:
		sym.Binding = BindingWeak
	default:
		sym.Binding = BindingUnknown
	}
	if s.Section == elf.SHN_UNDEF && s.Bind != elf.STB_LOCAL && s.Name != "" {
		sym.Binding = BindingImport
	}
	switch s.Type {
	case elf.STT_NOTYPE:
		sym.Type = SymbolNoType
	case elf.STT_OBJECT:
		sym.Type = SymbolObject
	case elf.STT_FUNC:
		sym.Type = SymbolFunc
	case elf.STT_SECTION:
		sym.Type = SymbolSection
	case elf.STT_FILE:
		sym.Type = SymbolFile
	case elf.STT_COMMON:
		sym.Type = SymbolCommon
	case elf.STT_TLS:
		sym.Type = SymbolTLS
	default:
		sym.Type = SymbolUnknown
	}
	if s.Section == elf.SHN_COMMON {
		sym.Type = SymbolCommon
	}
	return sym
}

const (
	coffSymClassExternal     = 2
	coffSymClassStatic       = 3
	coffSymClassFile         = 103
	coffSymClassWeakExternal = 105
	coffSymTypeFunction      = 0x20
)

func (pf *PEFile) adapt(data []byte) (*File, error) {
	f := newFile(FormatPE, pf, data)
	f.Arch = peArch(pf.COFFHeader.Machine)
	f.Bits = 32
	if pf.Is64() {
		f.Bits = 64
	}
	f.ByteOrder = binary.LittleEndian
	f.Entry = uint64(pf.OptionalHeader.AddressOfEntryPoint)
	f.ImageBase = pf.OptionalHeader.ImageBase
	f.Libraries = pf.ImportedLibraries

	f.Sections = make([]Section, len(pf.Sections))
	for i, s := range pf.Sections {
		fileSize := uint64(s.SizeOfRawData)
		if s.Characteristics&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0 {
			fileSize = 0
		}
		f.Sections[i] = Section{
			Name:     s.Name,
			Addr:     uint64(s.VirtualAddress),
			Size:     uint64(s.VirtualSize),
			Offset:   uint64(s.PointerToRawData),
			FileSize: fileSize,
			Flags:    uint64(s.Characteristics),
			Loaded:   true,
		}
	}

	f.Symbols = make([]Symbol, 0, len(pf.COFFSymbols)+len(pf.Exports)+len(pf.Imports))
	for _, s := range pf.COFFSymbols {
		sym, err := pf.coffSymbol(s)
		if err != nil {
			return nil, err
		}
		f.Symbols = append(f.Symbols, sym)
	}
	for _, e := range pf.Exports {
		sym := Symbol{Name: e.Name, Value: uint64(e.RVA), Section: NoSection, Binding: BindingGlobal, Type: SymbolFunc}
		if e.Forwarder != "" {
			sym.Type = SymbolNoType
			sym.Library, _, _ = strings.Cut(e.Forwarder, ".")
		} else if i := pf.sectionIndexOfRVA(e.RVA); i >= 0 {
			sym.Section = i
			if pf.Sections[i].Characteristics&pe.IMAGE_SCN_MEM_EXECUTE == 0 {
				sym.Type = SymbolObject
			}
		}
		f.Symbols = append(f.Symbols, sym)
	}
	for _, imp := range pf.Imports {
		f.Symbols = append(f.Symbols, Symbol{
			Name:    imp.Name,
			Section: NoSection,
			Binding: BindingImport,
			Type:    SymbolFunc,
			Library: imp.Library,
		})
	}
	return f, nil
}

// coffSymbol converts a COFF symbol. Values of symbols defined in a section
// are converted from section offsets to RVAs.
func (pf *PEFile) coffSymbol(s COFFSymbol) (Symbol, error) {
	sym := Symbol{Name: s.Name, Value: uint64(s.Value), Section: NoSection, Type: SymbolNoType}
	if s.SectionNumber > 0 {
		if int(s.SectionNumber) > len(pf.Sections) {
			return Symbol{}, &DecodeError{Kind: ErrMalformedField, Format: FormatPE, Field: "SectionNumber",
				Offset: uint64(pf.COFFHeader.PointerToSymbolTable) + uint64(s.Index)*coffSymbolSize,
				Reason: fmt.Sprintf("symbol %q refers to section %d of %d", s.Name, s.SectionNumber, len(pf.Sections))}
		}
		sym.Section = int(s.SectionNumber) - 1
		sym.Value += uint64(pf.Sections[sym.Section].VirtualAddress)
	}
	if s.Type&0xf0 == coffSymTypeFunction {
		sym.Type = SymbolFunc
	}
	switch s.StorageClass {
	case coffSymClassExternal:
		sym.Binding = BindingGlobal
		if s.SectionNumber == 0 {
			if s.Value != 0 {
				sym.Type = SymbolCommon
			} else {
				sym.Binding = BindingImport
			}
		}
	case coffSymClassWeakExternal:
		sym.Binding = BindingWeak
	case coffSymClassFile:
		sym.Binding = BindingLocal
		sym.Type = SymbolFile
	case coffSymClassStatic:
		sym.Binding = BindingLocal
		if s.NumberOfAuxSymbols > 0 && s.Value == 0 && sym.Type == SymbolNoType {
			sym.Type = SymbolSection
		}
	default:
		sym.Binding = BindingLocal
	}
	if s.SectionNumber == -2 && sym.Type == SymbolNoType {
		sym.Type = SymbolDebug
	}
	return sym, nil
}

func (pf *PEFile) sectionIndexOfRVA(rva uint32) int {
	for i, s := range pf.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.SizeOfRawData
		}
		if rva >= s.VirtualAddress && uint64(rva) < uint64(s.VirtualAddress)+uint64(size) {
			return i
		}
	}
	return NoSection
}

// Mach-O section attribute for sections holding only machine instructions.
const machoAttrPureInstructions = 0x80000000

func (mf *MachOFile) adapt(data []byte) *File {
	f := newFile(FormatMachO, mf, data)
	f.Arch = machoArch(mf.Header.CPU)
	f.Bits = 32
	if mf.Is64() {
		f.Bits = 64
	}
	f.ByteOrder = mf.ByteOrder
	f.Entry = mf.Entry
	for _, d := range mf.Dylibs {
		f.Libraries = append(f.Libraries, d.Name)
	}

	f.Sections = make([]Section, len(mf.Sections))
	for i := range mf.Sections {
		s := &mf.Sections[i]
		fileSize := s.Size
		if s.Zerofill() {
			fileSize = 0
		}
		f.Sections[i] = Section{
			Name:     s.Name,
			Addr:     s.Addr,
			Size:     s.Size,
			Offset:   uint64(s.Offset),
			FileSize: fileSize,
			Flags:    uint64(s.Flags),
			Loaded:   true,
		}
	}

	f.Symbols = make([]Symbol, 0, len(mf.Symbols))
	for _, s := range mf.Symbols {
		f.Symbols = append(f.Symbols, mf.symbol(s))
	}
	return f
}

func (mf *MachOFile) symbol(s MachOSymbol) Symbol {
	sym := Symbol{Name: s.Name, Value: s.Value, Section: NoSection, Binding: BindingLocal, Type: SymbolNoType}
	if s.Type&machoNStab != 0 {
		sym.Type = SymbolDebug
		return sym
	}
	if s.Type&machoNExt != 0 && s.Type&machoNPExt == 0 {
		sym.Binding = BindingGlobal
		if s.Desc&(machoNWeakDef|machoNWeakRef) != 0 {
			sym.Binding = BindingWeak
		}
	}
	switch s.Type & machoNType {
	case machoNSect:
		sym.Section = int(s.Sect) - 1
		sym.Type = SymbolObject
		if mf.Sections[sym.Section].Flags&machoAttrPureInstructions != 0 {
			sym.Type = SymbolFunc
		}
	case machoNUndf:
		if s.Type&machoNExt != 0 {
			if s.Value != 0 {
				sym.Type = SymbolCommon
			} else {
				sym.Binding = BindingImport
			}
		}
	case machoNAbs:
	case machoNIndr:
		sym.Type = SymbolUnknown
	default:
		sym.Type = SymbolUnknown
	}
	return sym
}

func (ff *FatFile) adapt(data []byte) *File {
	f := newFile(FormatMachOFat, ff, data)
	f.ByteOrder = binary.BigEndian
	f.Slices = make([]Slice, len(ff.Slices))
	for i, s := range ff.Slices {
		sl := Slice{Arch: machoArch(s.CPU), Offset: s.Offset, Size: s.Size, Err: s.Err}
		if s.File != nil {
			sl.File = s.File.adapt(data[s.Offset : s.Offset+s.Size])
			sl.Arch = sl.File.Arch
		}
		f.Slices[i] = sl
	}
	return f
}
