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
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	elf32EhdrSize = 52
	elf64EhdrSize = 64
	elf32ShdrSize = 40
	elf64ShdrSize = 64
	elf32PhdrSize = 32
	elf64PhdrSize = 56
	elf32SymSize  = 16
	elf64SymSize  = 24
	elf32DynSize  = 8
	elf64DynSize  = 16

	// elfPNXNum in e_phnum means the real count is in sh_info of section 0.
	elfPNXNum = 0xffff
)

// ELFIdent is the decoded e_ident block.
type ELFIdent struct {
	Class      elf.Class
	Data       elf.Data
	Version    elf.Version
	OSABI      elf.OSABI
	ABIVersion uint8
}

// ELFHeader is the Elf32_Ehdr or Elf64_Ehdr, widened to 64 bits. The counts
// are stored as found in the file; see ELFFile for the effective ones.
type ELFHeader struct {
	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// ELFSection is a decoded section header.
type ELFSection struct {
	Name      string
	NameIndex uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	// RawFlags is sh_flags as stored. ELF64 files may set bits above the
	// 32 that Flags holds.
	RawFlags  uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// ELFProg is a decoded program header.
type ELFProg struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// ELFSymbol is an entry of a symbol table. Section holds the section index
// with SHN_XINDEX already resolved; reserved indices are kept as is.
type ELFSymbol struct {
	Name       string
	Value      uint64
	Size       uint64
	Bind       elf.SymBind
	Type       elf.SymType
	Visibility elf.SymVis
	Section    elf.SectionIndex
}

// SectionIndex returns the index of the section the symbol is defined in.
// The second return value is false for undefined, absolute, common and other
// reserved indices.
func (s ELFSymbol) SectionIndex() (int, bool) {
	if s.Section == elf.SHN_UNDEF || s.Section >= elf.SHN_LORESERVE {
		return 0, false
	}
	return int(s.Section), true
}

// ELFFile is the result of decoding an ELF file.
type ELFFile struct {
	Ident     ELFIdent
	Header    ELFHeader
	ByteOrder binary.ByteOrder
	// Sections in file order, including the null section at index 0.
	Sections []ELFSection
	Progs    []ELFProg
	// Symbols holds the SHT_SYMTAB entries, without the null entry.
	Symbols []ELFSymbol
	// DynamicSymbols holds the SHT_DYNSYM entries, without the null entry.
	DynamicSymbols []ELFSymbol
	// ImportedLibraries lists the DT_NEEDED entries of the dynamic section.
	ImportedLibraries []string
	SOName            string
}

// Is64 reports whether the file is ELFCLASS64.
func (f *ELFFile) Is64() bool {
	return f.Ident.Class == elf.ELFCLASS64
}

// Section returns the first section with the given name, or nil.
func (f *ELFFile) Section(name string) *ELFSection {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// ParseELF decodes an ELF file.
func ParseELF(data []byte, opts ...Option) (*ELFFile, error) {
	f, err := parseELF(newCursor(data, binary.LittleEndian), newConfig(opts))
	if err != nil {
		return nil, annotate(err, FormatELF, "")
	}
	return f, nil
}

func parseELF(c *cursor, cfg *config) (*ELFFile, error) {
	ident, err := c.bytes(0, elf.EI_NIDENT)
	if err != nil {
		return nil, annotate(err, FormatELF, "e_ident")
	}
	if !bytes.HasPrefix(ident, elfMagic) {
		return nil, &DecodeError{Kind: ErrUnknownFormat, Format: FormatELF, Field: "e_ident", Reason: "bad magic"}
	}

	f := &ELFFile{Ident: ELFIdent{
		Class:      elf.Class(ident[elf.EI_CLASS]),
		Data:       elf.Data(ident[elf.EI_DATA]),
		Version:    elf.Version(ident[elf.EI_VERSION]),
		OSABI:      elf.OSABI(ident[elf.EI_OSABI]),
		ABIVersion: ident[elf.EI_ABIVERSION],
	}}

	ehdrSize := uint64(elf32EhdrSize)
	switch f.Ident.Class {
	case elf.ELFCLASS32:
	case elf.ELFCLASS64:
		ehdrSize = elf64EhdrSize
	default:
		return nil, unsupported("EI_CLASS", elf.EI_CLASS, "class %v", f.Ident.Class)
	}
	switch f.Ident.Data {
	case elf.ELFDATA2LSB:
		f.ByteOrder = binary.LittleEndian
	case elf.ELFDATA2MSB:
		f.ByteOrder = binary.BigEndian
	default:
		return nil, unsupported("EI_DATA", elf.EI_DATA, "data encoding %v", f.Ident.Data)
	}
	if f.Ident.Version != elf.EV_CURRENT {
		return nil, unsupported("EI_VERSION", elf.EI_VERSION, "version %v", f.Ident.Version)
	}
	c.order = f.ByteOrder

	if err := c.check(0, ehdrSize); err != nil {
		return nil, annotate(err, FormatELF, "ELF header")
	}
	if err := f.readHeader(c); err != nil {
		return nil, err
	}
	if err := f.readSections(c); err != nil {
		return nil, err
	}
	if err := f.readProgs(c); err != nil {
		return nil, err
	}
	if err := f.readDynamic(c); err != nil {
		return nil, err
	}
	if cfg.skipSymbols {
		return f, nil
	}

	log := cfg.logger(FormatELF)
	for i := range f.Sections {
		switch f.Sections[i].Type {
		case elf.SHT_SYMTAB:
			syms, err := f.readSymbols(c, i)
			if err != nil {
				return nil, err
			}
			f.Symbols = append(f.Symbols, syms...)
		case elf.SHT_DYNSYM:
			syms, err := f.readSymbols(c, i)
			if err != nil {
				return nil, err
			}
			f.DynamicSymbols = append(f.DynamicSymbols, syms...)
		}
	}
	if f.Symbols == nil {
		log.Debug("no SHT_SYMTAB section, file is stripped")
	}
	return f, nil
}

func (f *ELFFile) readHeader(c *cursor) error {
	h := &f.Header
	is64 := f.Is64()
	c.seek(elf.EI_NIDENT)
	typ, _ := c.next16()
	mach, _ := c.next16()
	h.Type = elf.Type(typ)
	h.Machine = elf.Machine(mach)
	h.Version, _ = c.next32()
	h.Entry, _ = c.nextWord(is64)
	h.Phoff, _ = c.nextWord(is64)
	h.Shoff, _ = c.nextWord(is64)
	h.Flags, _ = c.next32()
	h.Ehsize, _ = c.next16()
	h.Phentsize, _ = c.next16()
	h.Phnum, _ = c.next16()
	h.Shentsize, _ = c.next16()
	h.Shnum, _ = c.next16()
	// The whole header was bounds checked by the caller, so only the last
	// read needs its error looked at.
	var err error
	h.Shstrndx, err = c.next16()
	return annotate(err, FormatELF, "ELF header")
}

func (f *ELFFile) shdrSize() uint64 {
	if f.Is64() {
		return elf64ShdrSize
	}
	return elf32ShdrSize
}

func (f *ELFFile) readSections(c *cursor) error {
	h := &f.Header
	if h.Shoff == 0 {
		if h.Shnum != 0 {
			return malformed("e_shnum", h.Shoff, "%d sections but no section header table", h.Shnum)
		}
		return nil
	}
	entsize := uint64(h.Shentsize)
	if entsize < f.shdrSize() {
		return malformed("e_shentsize", h.Shoff, "entry size %d smaller than %d", entsize, f.shdrSize())
	}

	count := uint64(h.Shnum)
	if count == 0 {
		// The real count did not fit in e_shnum and lives in sh_size of the
		// first section header.
		first, err := f.readShdr(c, h.Shoff)
		if err != nil {
			return annotate(err, FormatELF, "section header 0")
		}
		count = first.Size
	}

	if _, err := c.tableExtent(h.Shoff, count, entsize); err != nil {
		return annotate(err, FormatELF, "section header table")
	}
	f.Sections = make([]ELFSection, count)
	for i := range f.Sections {
		s, err := f.readShdr(c, h.Shoff+uint64(i)*entsize)
		if err != nil {
			return annotate(err, FormatELF, fmt.Sprintf("section header %d", i))
		}
		f.Sections[i] = s
	}

	shstrndx := uint64(h.Shstrndx)
	if h.Shstrndx == uint16(elf.SHN_XINDEX) && count > 0 {
		shstrndx = uint64(f.Sections[0].Link)
	}
	if shstrndx == uint64(elf.SHN_UNDEF) {
		return nil
	}
	if shstrndx >= count {
		return malformed("e_shstrndx", h.Shoff, "index %d outside %d sections", shstrndx, count)
	}
	tab, err := f.stringTable(c, uint32(shstrndx))
	if err != nil {
		return annotate(err, FormatELF, "section name table")
	}
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Type == elf.SHT_NULL {
			continue
		}
		if s.Name, err = tab.lookup(uint64(s.NameIndex)); err != nil {
			return annotate(err, FormatELF, fmt.Sprintf("name of section %d", i))
		}
	}
	return nil
}

func (f *ELFFile) readShdr(c *cursor, off uint64) (ELFSection, error) {
	if err := c.check(off, f.shdrSize()); err != nil {
		return ELFSection{}, err
	}
	var s ELFSection
	var typ, flags uint32
	c.seek(off)
	s.NameIndex, _ = c.next32()
	typ, _ = c.next32()
	s.Type = elf.SectionType(typ)
	if f.Is64() {
		s.RawFlags, _ = c.next64()
		flags = uint32(s.RawFlags)
		s.Addr, _ = c.next64()
		s.Offset, _ = c.next64()
		s.Size, _ = c.next64()
		s.Link, _ = c.next32()
		s.Info, _ = c.next32()
		s.Addralign, _ = c.next64()
		s.Entsize, _ = c.next64()
	} else {
		flags, _ = c.next32()
		s.RawFlags = uint64(flags)
		s.Addr, _ = c.nextWord(false)
		s.Offset, _ = c.nextWord(false)
		s.Size, _ = c.nextWord(false)
		s.Link, _ = c.next32()
		s.Info, _ = c.next32()
		s.Addralign, _ = c.nextWord(false)
		s.Entsize, _ = c.nextWord(false)
	}
	s.Flags = elf.SectionFlag(flags)
	return s, nil
}

// stringTable returns a handle on the section at index i, which must exist
// and carry file data.
func (f *ELFFile) stringTable(c *cursor, i uint32) (strtab, error) {
	if uint64(i) >= uint64(len(f.Sections)) {
		return strtab{}, malformed("sh_link", f.Header.Shoff, "string table index %d outside %d sections", i, len(f.Sections))
	}
	s := f.Sections[i]
	if s.Type == elf.SHT_NOBITS {
		return strtab{}, malformed("sh_type", s.Offset, "string table section %d has no file data", i)
	}
	return newStrtab(c, s.Offset, s.Size)
}

func (f *ELFFile) readProgs(c *cursor) error {
	h := &f.Header
	count := uint64(h.Phnum)
	if h.Phnum == elfPNXNum && len(f.Sections) > 0 {
		count = uint64(f.Sections[0].Info)
	}
	if count == 0 {
		return nil
	}
	size := uint64(elf32PhdrSize)
	if f.Is64() {
		size = elf64PhdrSize
	}
	entsize := uint64(h.Phentsize)
	if entsize < size {
		return malformed("e_phentsize", h.Phoff, "entry size %d smaller than %d", entsize, size)
	}
	if _, err := c.tableExtent(h.Phoff, count, entsize); err != nil {
		return annotate(err, FormatELF, "program header table")
	}
	f.Progs = make([]ELFProg, count)
	for i := range f.Progs {
		p := &f.Progs[i]
		var typ, flags uint32
		c.seek(h.Phoff + uint64(i)*entsize)
		typ, _ = c.next32()
		if f.Is64() {
			flags, _ = c.next32()
			p.Offset, _ = c.next64()
			p.Vaddr, _ = c.next64()
			p.Paddr, _ = c.next64()
			p.Filesz, _ = c.next64()
			p.Memsz, _ = c.next64()
			p.Align, _ = c.next64()
		} else {
			p.Offset, _ = c.nextWord(false)
			p.Vaddr, _ = c.nextWord(false)
			p.Paddr, _ = c.nextWord(false)
			p.Filesz, _ = c.nextWord(false)
			p.Memsz, _ = c.nextWord(false)
			flags, _ = c.next32()
			p.Align, _ = c.nextWord(false)
		}
		p.Type = elf.ProgType(typ)
		p.Flags = elf.ProgFlag(flags)
	}
	return nil
}

func (f *ELFFile) readSymbols(c *cursor, idx int) ([]ELFSymbol, error) {
	s := f.Sections[idx]
	field := fmt.Sprintf("symbol table %q", s.Name)
	is64 := f.Is64()
	symSize := uint64(elf32SymSize)
	if is64 {
		symSize = elf64SymSize
	}
	entsize := s.Entsize
	if entsize == 0 {
		entsize = symSize
	}
	if entsize < symSize {
		return nil, malformed("sh_entsize", s.Offset, "%s entry size %d smaller than %d", field, entsize, symSize)
	}
	count := s.Size / entsize
	if _, err := c.tableExtent(s.Offset, count, entsize); err != nil {
		return nil, annotate(err, FormatELF, field)
	}
	names, err := f.stringTable(c, s.Link)
	if err != nil {
		return nil, annotate(err, FormatELF, field)
	}
	xindex := f.extendedIndexTable(c, idx)

	if count == 0 {
		return nil, nil
	}
	syms := make([]ELFSymbol, 0, count-1)
	// Entry 0 is always the undefined symbol.
	for i := uint64(1); i < count; i++ {
		var sym ELFSymbol
		var nameIdx uint32
		var info, other uint8
		var shndx uint16
		c.seek(s.Offset + i*entsize)
		nameIdx, _ = c.next32()
		if is64 {
			info, _ = c.next8()
			other, _ = c.next8()
			shndx, _ = c.next16()
			sym.Value, _ = c.next64()
			sym.Size, _ = c.next64()
		} else {
			sym.Value, _ = c.nextWord(false)
			sym.Size, _ = c.nextWord(false)
			info, _ = c.next8()
			other, _ = c.next8()
			shndx, _ = c.next16()
		}
		sym.Bind = elf.ST_BIND(info)
		sym.Type = elf.ST_TYPE(info)
		sym.Visibility = elf.ST_VISIBILITY(other)
		sym.Section = elf.SectionIndex(shndx)
		if sym.Section == elf.SHN_XINDEX && xindex.c != nil {
			if i*4+4 > xindex.size {
				return nil, malformed("SHT_SYMTAB_SHNDX", xindex.off, "no extended index for symbol %d", i)
			}
			x, err := c.u32(xindex.off + i*4)
			if err != nil {
				return nil, annotate(err, FormatELF, "SHT_SYMTAB_SHNDX")
			}
			sym.Section = elf.SectionIndex(x)
		}
		if sect, ok := sym.SectionIndex(); ok && sect >= len(f.Sections) {
			return nil, malformed("st_shndx", s.Offset+i*entsize, "symbol %d in %s refers to section %d of %d", i, field, sect, len(f.Sections))
		}
		if sym.Name, err = names.lookup(uint64(nameIdx)); err != nil {
			return nil, annotate(err, FormatELF, fmt.Sprintf("name of symbol %d in %s", i, field))
		}
		syms = append(syms, sym)
	}
	return syms, nil
}

// extendedIndexTable finds the SHT_SYMTAB_SHNDX section paired with the
// symbol table at index symtab. The zero value means there is none.
func (f *ELFFile) extendedIndexTable(c *cursor, symtab int) strtab {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_SYMTAB_SHNDX || int(s.Link) != symtab {
			continue
		}
		if c.check(s.Offset, s.Size) != nil {
			return strtab{}
		}
		return strtab{c: c, off: s.Offset, size: s.Size}
	}
	return strtab{}
}

func (f *ELFFile) readDynamic(c *cursor) error {
	dynSize := uint64(elf32DynSize)
	if f.Is64() {
		dynSize = elf64DynSize
	}
	for _, s := range f.Sections {
		if s.Type != elf.SHT_DYNAMIC {
			continue
		}
		count := s.Size / dynSize
		if _, err := c.tableExtent(s.Offset, count, dynSize); err != nil {
			return annotate(err, FormatELF, "dynamic section")
		}
		names, err := f.stringTable(c, s.Link)
		if err != nil {
			return annotate(err, FormatELF, "dynamic section")
		}
		c.seek(s.Offset)
		for i := uint64(0); i < count; i++ {
			tag, _ := c.nextWord(f.Is64())
			val, _ := c.nextWord(f.Is64())
			switch elf.DynTag(tag) {
			case elf.DT_NULL:
				i = count
			case elf.DT_NEEDED:
				lib, err := names.lookup(val)
				if err != nil {
					return annotate(err, FormatELF, "DT_NEEDED")
				}
				f.ImportedLibraries = append(f.ImportedLibraries, lib)
			case elf.DT_SONAME:
				if f.SOName, err = names.lookup(val); err != nil {
					return annotate(err, FormatELF, "DT_SONAME")
				}
			}
		}
	}
	return nil
}
