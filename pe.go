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
	"debug/pe"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	coffHeaderSize    = 20
	peSectionSize     = 40
	coffSymbolSize    = 18
	peExportDirSize   = 40
	peImportDescSize  = 20
	pe32FixedSize     = 96
	pe32PlusFixedSize = 112
	peDataDirSize     = 8

	pe32Magic     = 0x10b
	pe32PlusMagic = 0x20b

	peNumDirectories = 16
	base64Alphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	peOrdinalFlag32  = 0x80000000
	peOrdinalFlag64  = 0x8000000000000000
)

// COFFHeader is the IMAGE_FILE_HEADER.
type COFFHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// DataDirectory is an entry of the optional header data directory array.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// OptionalHeader holds the fields of IMAGE_OPTIONAL_HEADER32 and
// IMAGE_OPTIONAL_HEADER64. Fields that are 32 bits wide in PE32 are widened.
// BaseOfData only exists in PE32.
type OptionalHeader struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               []DataDirectory
}

// PESection is a decoded IMAGE_SECTION_HEADER with its name resolved.
type PESection struct {
	Name string
	// RawName is the 8 byte name field as stored.
	RawName              [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// COFFSymbol is an entry of the COFF symbol table. Auxiliary records are
// skipped.
type COFFSymbol struct {
	Name string
	// Index is the position of the record in the symbol table, counting
	// auxiliary records.
	Index              uint32
	Value              uint32
	SectionNumber      int16
	Type               uint16
	StorageClass       uint8
	NumberOfAuxSymbols uint8
}

// PEExport is an entry of the export address table.
type PEExport struct {
	Name    string
	Ordinal uint32
	// RVA of the exported code or data. For forwarders it points at the
	// forwarder string inside the export directory.
	RVA       uint32
	Forwarder string
}

// PEImport is a symbol imported through the import directory.
type PEImport struct {
	Name      string
	Library   string
	Hint      uint16
	Ordinal   uint16
	ByOrdinal bool
}

// PEFile is the result of decoding a PE image.
type PEFile struct {
	// NTHeaderOffset is e_lfanew, the offset of the PE signature.
	NTHeaderOffset uint32
	COFFHeader     COFFHeader
	OptionalHeader OptionalHeader
	Sections       []PESection
	COFFSymbols    []COFFSymbol
	// ExportName is the DLL name recorded in the export directory.
	ExportName string
	Exports    []PEExport
	Imports    []PEImport
	// ImportedLibraries lists the DLL names of the import directory, in order.
	ImportedLibraries []string

	c           *cursor
	stringTable strtab
}

// Is64 reports whether the optional header is PE32+.
func (f *PEFile) Is64() bool {
	return f.OptionalHeader.Magic == pe32PlusMagic
}

// Section returns the first section with the given name, or nil.
func (f *PEFile) Section(name string) *PESection {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// Directory returns the data directory entry at index i, or a zero entry if
// the optional header does not have it.
func (f *PEFile) Directory(i int) DataDirectory {
	if i < 0 || i >= len(f.OptionalHeader.DataDirectory) {
		return DataDirectory{}
	}
	return f.OptionalHeader.DataDirectory[i]
}

// ParsePE decodes a PE image.
func ParsePE(data []byte, opts ...Option) (*PEFile, error) {
	f, err := parsePE(newCursor(data, binary.LittleEndian), newConfig(opts))
	if err != nil {
		return nil, annotate(err, FormatPE, "")
	}
	return f, nil
}

func parsePE(c *cursor, cfg *config) (*PEFile, error) {
	if b, err := c.bytes(0, 2); err != nil || string(b) != string(peMagic) {
		return nil, &DecodeError{Kind: ErrUnknownFormat, Format: FormatPE, Field: "e_magic", Reason: "missing MZ stub"}
	}
	ntOff, err := peHeaderOffset(c)
	if err != nil {
		return nil, err
	}
	f := &PEFile{NTHeaderOffset: uint32(ntOff), c: c}

	off := ntOff + 4
	if err := c.check(off, coffHeaderSize); err != nil {
		return nil, annotate(err, FormatPE, "COFF header")
	}
	h := &f.COFFHeader
	c.seek(off)
	h.Machine, _ = c.next16()
	h.NumberOfSections, _ = c.next16()
	h.TimeDateStamp, _ = c.next32()
	h.PointerToSymbolTable, _ = c.next32()
	h.NumberOfSymbols, _ = c.next32()
	h.SizeOfOptionalHeader, _ = c.next16()
	h.Characteristics, _ = c.next16()
	off += coffHeaderSize

	if err := f.readOptionalHeader(c, off); err != nil {
		return nil, err
	}
	off += uint64(h.SizeOfOptionalHeader)

	if err := f.readStringTable(c); err != nil {
		return nil, err
	}
	if err := f.readSections(c, off); err != nil {
		return nil, err
	}
	if cfg.skipSymbols {
		return f, nil
	}

	log := cfg.logger(FormatPE)
	if err := f.readCOFFSymbols(c); err != nil {
		return nil, err
	}
	if dir := f.Directory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT); dir.VirtualAddress != 0 {
		if err := f.readExports(c, dir); err != nil {
			return nil, annotate(err, FormatPE, "export directory")
		}
	} else {
		log.Debug("no export directory")
	}
	if dir := f.Directory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT); dir.VirtualAddress != 0 {
		if err := f.readImports(c, dir); err != nil {
			return nil, annotate(err, FormatPE, "import directory")
		}
	} else {
		log.Debug("no import directory")
	}
	return f, nil
}

// readOptionalHeader decodes the optional header at off. The layout is chosen
// by its magic, never by the COFF machine field.
func (f *PEFile) readOptionalHeader(c *cursor, off uint64) error {
	size := uint64(f.COFFHeader.SizeOfOptionalHeader)
	if size < 2 {
		return malformed("SizeOfOptionalHeader", off, "optional header of %d bytes has no magic", size)
	}
	if err := c.check(off, size); err != nil {
		return annotate(err, FormatPE, "optional header")
	}
	oh := &f.OptionalHeader
	oh.Magic, _ = c.u16(off)

	var fixed uint64
	switch oh.Magic {
	case pe32Magic:
		fixed = pe32FixedSize
	case pe32PlusMagic:
		fixed = pe32PlusFixedSize
	default:
		return unsupported("optional header magic", off, "magic 0x%x", oh.Magic)
	}
	if size < fixed {
		return malformed("SizeOfOptionalHeader", off, "%d bytes is too small for magic 0x%x, need %d", size, oh.Magic, fixed)
	}
	is64 := f.Is64()

	c.seek(off + 2)
	oh.MajorLinkerVersion, _ = c.next8()
	oh.MinorLinkerVersion, _ = c.next8()
	oh.SizeOfCode, _ = c.next32()
	oh.SizeOfInitializedData, _ = c.next32()
	oh.SizeOfUninitializedData, _ = c.next32()
	oh.AddressOfEntryPoint, _ = c.next32()
	oh.BaseOfCode, _ = c.next32()
	if !is64 {
		oh.BaseOfData, _ = c.next32()
	}
	oh.ImageBase, _ = c.nextWord(is64)
	oh.SectionAlignment, _ = c.next32()
	oh.FileAlignment, _ = c.next32()
	oh.MajorOperatingSystemVersion, _ = c.next16()
	oh.MinorOperatingSystemVersion, _ = c.next16()
	oh.MajorImageVersion, _ = c.next16()
	oh.MinorImageVersion, _ = c.next16()
	oh.MajorSubsystemVersion, _ = c.next16()
	oh.MinorSubsystemVersion, _ = c.next16()
	oh.Win32VersionValue, _ = c.next32()
	oh.SizeOfImage, _ = c.next32()
	oh.SizeOfHeaders, _ = c.next32()
	oh.CheckSum, _ = c.next32()
	oh.Subsystem, _ = c.next16()
	oh.DllCharacteristics, _ = c.next16()
	oh.SizeOfStackReserve, _ = c.nextWord(is64)
	oh.SizeOfStackCommit, _ = c.nextWord(is64)
	oh.SizeOfHeapReserve, _ = c.nextWord(is64)
	oh.SizeOfHeapCommit, _ = c.nextWord(is64)
	oh.LoaderFlags, _ = c.next32()
	oh.NumberOfRvaAndSizes, _ = c.next32()

	n := uint64(oh.NumberOfRvaAndSizes)
	if n > peNumDirectories {
		n = peNumDirectories
	}
	if fixed+n*peDataDirSize > size {
		return malformed("NumberOfRvaAndSizes", off, "%d data directories do not fit in %d byte optional header", n, size)
	}
	oh.DataDirectory = make([]DataDirectory, n)
	for i := range oh.DataDirectory {
		oh.DataDirectory[i].VirtualAddress, _ = c.next32()
		oh.DataDirectory[i].Size, _ = c.next32()
	}
	return nil
}

// readStringTable locates the COFF string table that follows the symbol
// table. Images without a symbol table have none.
func (f *PEFile) readStringTable(c *cursor) error {
	h := f.COFFHeader
	if h.PointerToSymbolTable == 0 {
		return nil
	}
	off := uint64(h.PointerToSymbolTable) + uint64(h.NumberOfSymbols)*coffSymbolSize
	if _, err := c.tableExtent(uint64(h.PointerToSymbolTable), uint64(h.NumberOfSymbols), coffSymbolSize); err != nil {
		return annotate(err, FormatPE, "COFF symbol table")
	}
	if off == c.len() {
		// Some linkers omit the string table entirely.
		return nil
	}
	size, err := c.u32(off)
	if err != nil {
		return annotate(err, FormatPE, "COFF string table")
	}
	if size < 4 {
		size = 4
	}
	// Offsets into the table count the size field itself.
	f.stringTable, err = newStrtab(c, off, uint64(size))
	return annotate(err, FormatPE, "COFF string table")
}

func (f *PEFile) readSections(c *cursor, off uint64) error {
	n := uint64(f.COFFHeader.NumberOfSections)
	if _, err := c.tableExtent(off, n, peSectionSize); err != nil {
		return annotate(err, FormatPE, "section table")
	}
	f.Sections = make([]PESection, n)
	for i := range f.Sections {
		s := &f.Sections[i]
		c.seek(off + uint64(i)*peSectionSize)
		raw, _ := c.nextBytes(8)
		copy(s.RawName[:], raw)
		s.VirtualSize, _ = c.next32()
		s.VirtualAddress, _ = c.next32()
		s.SizeOfRawData, _ = c.next32()
		s.PointerToRawData, _ = c.next32()
		s.PointerToRelocations, _ = c.next32()
		s.PointerToLinenumbers, _ = c.next32()
		s.NumberOfRelocations, _ = c.next16()
		s.NumberOfLinenumbers, _ = c.next16()
		s.Characteristics, _ = c.next32()

		name, err := f.sectionName(s.RawName)
		if err != nil {
			return annotate(err, FormatPE, fmt.Sprintf("name of section %d", i))
		}
		s.Name = name
	}
	return nil
}

// sectionName resolves an 8 byte section name. Names longer than 8 bytes are
// stored as "/<decimal offset>" or "//<base64 offset>" into the string table.
func (f *PEFile) sectionName(raw [8]byte) (string, error) {
	name := cstr(raw[:])
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return name, nil
	}
	var idx uint64
	if strings.HasPrefix(name, "//") {
		v, err := decodeBase64Offset(name[2:])
		if err != nil {
			return "", malformed("section name", 0, "bad base64 string table offset %q", name)
		}
		idx = v
	} else {
		v, err := strconv.ParseUint(name[1:], 10, 32)
		if err != nil {
			// Not an offset, keep the raw name.
			return name, nil
		}
		idx = v
	}
	return f.stringTable.lookup(idx)
}

// decodeBase64Offset decodes the digits of a "//" section name. Each digit
// carries 6 bits, most significant first, over the standard base64 alphabet
// without padding.
func decodeBase64Offset(s string) (uint64, error) {
	if s == "" || len(s) > 6 {
		return 0, fmt.Errorf("%d base64 digits", len(s))
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(base64Alphabet, s[i])
		if d < 0 {
			return 0, fmt.Errorf("invalid base64 digit %q", s[i])
		}
		v = v<<6 | uint64(d)
	}
	return v, nil
}

func (f *PEFile) readCOFFSymbols(c *cursor) error {
	h := f.COFFHeader
	if h.PointerToSymbolTable == 0 || h.NumberOfSymbols == 0 {
		return nil
	}
	base := uint64(h.PointerToSymbolTable)
	for i := uint32(0); i < h.NumberOfSymbols; i++ {
		var s COFFSymbol
		off := base + uint64(i)*coffSymbolSize
		c.seek(off)
		raw, err := c.nextBytes(8)
		if err != nil {
			return annotate(err, FormatPE, "COFF symbol table")
		}
		s.Index = i
		s.Value, _ = c.next32()
		sect, _ := c.next16()
		s.SectionNumber = int16(sect)
		s.Type, _ = c.next16()
		s.StorageClass, _ = c.next8()
		s.NumberOfAuxSymbols, _ = c.next8()

		if binary.LittleEndian.Uint32(raw) == 0 {
			// Long name: the second word is an offset into the string table.
			s.Name, err = f.stringTable.lookup(uint64(binary.LittleEndian.Uint32(raw[4:])))
			if err != nil {
				return annotate(err, FormatPE, fmt.Sprintf("name of COFF symbol %d", i))
			}
		} else {
			s.Name = cstr(raw)
		}
		f.COFFSymbols = append(f.COFFSymbols, s)
		i += uint32(s.NumberOfAuxSymbols)
	}
	return nil
}

// rvaToOffset converts an RVA to a file offset through the section that
// contains it. The n bytes starting at rva must be backed by file data of
// that one section. RVAs inside the headers map to themselves. RVAs that fall
// between sections or past the file data of their section are an error.
func (f *PEFile) rvaToOffset(rva uint32, n uint64) (uint64, error) {
	for _, s := range f.Sections {
		extent := s.VirtualSize
		if s.SizeOfRawData > extent {
			extent = s.SizeOfRawData
		}
		if rva < s.VirtualAddress || uint64(rva) >= uint64(s.VirtualAddress)+uint64(extent) {
			continue
		}
		delta := uint64(rva - s.VirtualAddress)
		if delta+n > uint64(s.SizeOfRawData) {
			return 0, malformed("RVA", uint64(rva), "0x%x bytes at RVA 0x%x are not backed by file data of section %q", n, rva, s.Name)
		}
		return uint64(s.PointerToRawData) + delta, nil
	}
	if uint64(rva)+n <= uint64(f.OptionalHeader.SizeOfHeaders) {
		return uint64(rva), nil
	}
	return 0, malformed("RVA", uint64(rva), "RVA 0x%x is not inside any section", rva)
}

func (f *PEFile) readRVA(c *cursor, rva uint32, n uint64) (*cursor, error) {
	off, err := f.rvaToOffset(rva, n)
	if err != nil {
		return nil, err
	}
	return c.sub(off, n)
}

// cstringAtRVA reads a NUL terminated string that must end inside the file
// data of the section holding rva.
func (f *PEFile) cstringAtRVA(c *cursor, rva uint32) (string, error) {
	off, err := f.rvaToOffset(rva, 1)
	if err != nil {
		return "", err
	}
	end := c.len()
	for _, s := range f.Sections {
		if off >= uint64(s.PointerToRawData) && off < uint64(s.PointerToRawData)+uint64(s.SizeOfRawData) {
			end = uint64(s.PointerToRawData) + uint64(s.SizeOfRawData)
			break
		}
	}
	return c.cstringWithin(off, end)
}

func (f *PEFile) readExports(c *cursor, dir DataDirectory) error {
	d, err := f.readRVA(c, dir.VirtualAddress, peExportDirSize)
	if err != nil {
		return err
	}
	nameRVA, _ := d.u32(12)
	base, _ := d.u32(16)
	nFuncs, _ := d.u32(20)
	nNames, _ := d.u32(24)
	funcsRVA, _ := d.u32(28)
	namesRVA, _ := d.u32(32)
	ordinalsRVA, _ := d.u32(36)

	if nameRVA != 0 {
		if f.ExportName, err = f.cstringAtRVA(c, nameRVA); err != nil {
			return err
		}
	}
	if nFuncs == 0 {
		return nil
	}
	funcs, err := f.readRVA(c, funcsRVA, uint64(nFuncs)*4)
	if err != nil {
		return err
	}
	var names, ordinals *cursor
	if nNames > 0 {
		if names, err = f.readRVA(c, namesRVA, uint64(nNames)*4); err != nil {
			return err
		}
		if ordinals, err = f.readRVA(c, ordinalsRVA, uint64(nNames)*2); err != nil {
			return err
		}
	}

	byIndex := make(map[uint32]string, nNames)
	for i := uint64(0); i < uint64(nNames); i++ {
		ptr, _ := names.u32(i * 4)
		idx, _ := ordinals.u16(i * 2)
		if uint32(idx) >= nFuncs {
			return malformed("AddressOfNameOrdinals", uint64(ordinalsRVA), "ordinal %d outside %d exports", idx, nFuncs)
		}
		name, err := f.cstringAtRVA(c, ptr)
		if err != nil {
			return err
		}
		if _, ok := byIndex[uint32(idx)]; !ok {
			byIndex[uint32(idx)] = name
		}
	}

	dirEnd := uint64(dir.VirtualAddress) + uint64(dir.Size)
	for i := uint32(0); i < nFuncs; i++ {
		rva, _ := funcs.u32(uint64(i) * 4)
		if rva == 0 {
			continue
		}
		e := PEExport{Ordinal: base + i, RVA: rva}
		name, ok := byIndex[i]
		if !ok {
			name = fmt.Sprintf("#%d", e.Ordinal)
		}
		e.Name = name
		if rva >= dir.VirtualAddress && uint64(rva) < dirEnd {
			if e.Forwarder, err = f.cstringAtRVA(c, rva); err != nil {
				return err
			}
		}
		f.Exports = append(f.Exports, e)
	}
	return nil
}

func (f *PEFile) readImports(c *cursor, dir DataDirectory) error {
	thunkSize := uint64(4)
	ordinalFlag := uint64(peOrdinalFlag32)
	if f.Is64() {
		thunkSize = 8
		ordinalFlag = peOrdinalFlag64
	}
	// Descriptors may share lookup tables. The decoded thunks can never
	// outnumber the thunks the file has room for.
	budget := c.len() / thunkSize
	var decoded uint64
	for rva := dir.VirtualAddress; ; rva += peImportDescSize {
		d, err := f.readRVA(c, rva, peImportDescSize)
		if err != nil {
			return err
		}
		lookup, _ := d.u32(0)
		stamp, _ := d.u32(4)
		chain, _ := d.u32(8)
		nameRVA, _ := d.u32(12)
		iat, _ := d.u32(16)
		if lookup == 0 && stamp == 0 && chain == 0 && nameRVA == 0 && iat == 0 {
			return nil
		}
		lib, err := f.cstringAtRVA(c, nameRVA)
		if err != nil {
			return err
		}
		f.ImportedLibraries = append(f.ImportedLibraries, lib)
		if lookup == 0 {
			lookup = iat
		}
		for t := lookup; ; t += uint32(thunkSize) {
			tc, err := f.readRVA(c, t, thunkSize)
			if err != nil {
				return err
			}
			thunk, _ := tc.word(0, f.Is64())
			if thunk == 0 {
				break
			}
			if decoded++; decoded > budget {
				return malformed("import lookup table", uint64(t), "more than %d thunks in a %d byte image", budget, c.len())
			}
			imp := PEImport{Library: lib}
			if thunk&ordinalFlag != 0 {
				imp.ByOrdinal = true
				imp.Ordinal = uint16(thunk)
				imp.Name = fmt.Sprintf("#%d", imp.Ordinal)
			} else {
				hintRVA := uint32(thunk & 0x7fffffff)
				hc, err := f.readRVA(c, hintRVA, 2)
				if err != nil {
					return err
				}
				imp.Hint, _ = hc.u16(0)
				if imp.Name, err = f.cstringAtRVA(c, hintRVA+2); err != nil {
					return err
				}
			}
			f.Imports = append(f.Imports, imp)
		}
	}
}
