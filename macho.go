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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

const (
	machoSegment32Size = 56
	machoSegment64Size = 72
	machoSection32Size = 68
	machoSection64Size = 80
	machoNlist32Size   = 12
	machoNlist64Size   = 16
	machoDylibCmdSize  = 24

	// The thread state of LC_UNIXTHREAD starts after cmd, cmdsize, flavor
	// and count.
	machoThreadStateOffset = 16
)

// nlist n_type bits.
const (
	machoNStab = 0xe0
	machoNPExt = 0x10
	machoNType = 0x0e
	machoNExt  = 0x01

	machoNUndf = 0x0
	machoNAbs  = 0x2
	machoNSect = 0xe
	machoNIndr = 0xa

	machoNWeakRef = 0x40
	machoNWeakDef = 0x80
)

// MachOHeader is mach_header or mach_header_64. Reserved is only present in
// the 64-bit header.
type MachOHeader struct {
	Magic        types.Magic
	CPU          types.CPU
	SubCPU       uint32
	Type         types.HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        types.HeaderFlag
	Reserved     uint32
}

// MachOLoad records a load command as found in the command region.
type MachOLoad struct {
	Cmd types.LoadCmd
	// Offset is the file offset of the command.
	Offset uint64
	Size   uint32
	// Unknown is set for commands that are not decoded and were skipped.
	Unknown bool
}

// MachOSegment is a LC_SEGMENT or LC_SEGMENT_64 command. Its sections are
// MachOFile.Sections[FirstSection:FirstSection+NSect].
type MachOSegment struct {
	Name         string
	Addr         uint64
	Memsz        uint64
	Offset       uint64
	Filesz       uint64
	Maxprot      uint32
	Prot         uint32
	NSect        uint32
	Flags        uint32
	FirstSection int
}

// MachOSection is a section or section_64 entry. Reserved3 only exists in
// the 64-bit layout.
type MachOSection struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

// Zerofill reports whether the section occupies no file space.
func (s *MachOSection) Zerofill() bool {
	switch s.Flags & 0xff {
	case 0x1, 0xc, 0x12: // S_ZEROFILL, S_GB_ZEROFILL, S_THREAD_LOCAL_ZEROFILL
		return true
	}
	return false
}

// MachOSymtab is the LC_SYMTAB command.
type MachOSymtab struct {
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// MachODysymtab is the LC_DYSYMTAB command.
type MachODysymtab struct {
	Ilocalsym      uint32
	Nlocalsym      uint32
	Iextdefsym     uint32
	Nextdefsym     uint32
	Iundefsym      uint32
	Nundefsym      uint32
	Tocoffset      uint32
	Ntoc           uint32
	Modtaboff      uint32
	Nmodtab        uint32
	Extrefsymoff   uint32
	Nextrefsyms    uint32
	Indirectsymoff uint32
	Nindirectsyms  uint32
	Extreloff      uint32
	Nextrel        uint32
	Locreloff      uint32
	Nlocrel        uint32
}

// MachOSymbol is an nlist or nlist_64 entry.
type MachOSymbol struct {
	Name  string
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// MachODylib is a dylib command of the LC_LOAD_DYLIB family.
type MachODylib struct {
	Cmd            types.LoadCmd
	Name           string
	Timestamp      uint32
	CurrentVersion uint32
	CompatVersion  uint32
}

// MachOFile is the result of decoding a thin Mach-O image.
type MachOFile struct {
	Header    MachOHeader
	ByteOrder binary.ByteOrder
	Loads     []MachOLoad
	Segments  []MachOSegment
	// Sections holds the sections of all segments in command order.
	Sections []MachOSection
	Symtab   *MachOSymtab
	Dysymtab *MachODysymtab
	Symbols  []MachOSymbol
	// EntryOff and StackSize are set by LC_MAIN.
	EntryOff  uint64
	StackSize uint64
	// ThreadPC is the program counter of LC_UNIXTHREAD.
	ThreadPC uint64
	// Entry is the virtual address execution starts at, or 0 if the image
	// has neither LC_MAIN nor a decodable LC_UNIXTHREAD.
	Entry    uint64
	UUID     []byte
	Dylinker string
	ID       *MachODylib
	Dylibs   []MachODylib
	Rpaths   []string

	hasMain   bool
	hasThread bool
}

// Is64 reports whether the header is mach_header_64.
func (f *MachOFile) Is64() bool {
	return f.Header.Magic == types.Magic64
}

// Segment returns the segment with the given name, or nil.
func (f *MachOFile) Segment(name string) *MachOSegment {
	for i := range f.Segments {
		if f.Segments[i].Name == name {
			return &f.Segments[i]
		}
	}
	return nil
}

// Section returns the first section with the given name, or nil.
func (f *MachOFile) Section(name string) *MachOSection {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// ParseMachO decodes a thin Mach-O image. Universal binaries are decoded with
// ParseFat.
func ParseMachO(data []byte, opts ...Option) (*MachOFile, error) {
	f, err := parseMachO(data, newConfig(opts))
	if err != nil {
		return nil, annotate(err, FormatMachO, "")
	}
	return f, nil
}

func parseMachO(data []byte, cfg *config) (*MachOFile, error) {
	order, is64, ok := machoMagic(data)
	if !ok {
		return nil, &DecodeError{Kind: ErrUnknownFormat, Format: FormatMachO, Field: "magic", Reason: "not a thin Mach-O header"}
	}
	c := newCursor(data, order)
	f := &MachOFile{ByteOrder: order}

	hdrSize := uint64(types.FileHeaderSize32)
	if is64 {
		hdrSize = types.FileHeaderSize64
	}
	if err := c.check(0, hdrSize); err != nil {
		return nil, annotate(err, FormatMachO, "mach header")
	}
	h := &f.Header
	c.seek(0)
	magic, _ := c.next32()
	h.Magic = types.Magic(magic)
	cpu, _ := c.next32()
	h.CPU = types.CPU(cpu)
	h.SubCPU, _ = c.next32()
	typ, _ := c.next32()
	h.Type = types.HeaderFileType(typ)
	h.NCommands, _ = c.next32()
	h.SizeCommands, _ = c.next32()
	flags, _ := c.next32()
	h.Flags = types.HeaderFlag(flags)
	if is64 {
		h.Reserved, _ = c.next32()
	}

	if err := f.readLoads(c, hdrSize, cfg); err != nil {
		return nil, err
	}
	if f.Symtab != nil && !cfg.skipSymbols {
		if err := f.readSymbols(c); err != nil {
			return nil, annotate(err, FormatMachO, "symbol table")
		}
	}
	f.Entry = f.entry()
	return f, nil
}

func (f *MachOFile) readLoads(c *cursor, off uint64, cfg *config) error {
	log := cfg.logger(FormatMachO)
	if err := c.check(off, uint64(f.Header.SizeCommands)); err != nil {
		return annotate(err, FormatMachO, "load commands")
	}
	end := off + uint64(f.Header.SizeCommands)
	for i := uint32(0); i < f.Header.NCommands; i++ {
		if end-off < 8 {
			return malformed("ncmds", off, "command %d of %d starts past sizeofcmds", i, f.Header.NCommands)
		}
		cmd, _ := c.u32(off)
		size, _ := c.u32(off + 4)
		if size < 8 || uint64(size) > end-off {
			return malformed("cmdsize", off+4, "command %d has size %d, %d bytes left", i, size, end-off)
		}
		lc, _ := c.sub(off, uint64(size))
		load := MachOLoad{Cmd: types.LoadCmd(cmd), Offset: off, Size: size}

		var err error
		switch load.Cmd {
		case types.LC_SEGMENT, types.LC_SEGMENT_64:
			err = f.readSegment(lc, load.Cmd == types.LC_SEGMENT_64)
		case types.LC_SYMTAB:
			f.Symtab = new(MachOSymtab)
			err = lc.check(0, 24)
			if err == nil {
				f.Symtab.Symoff, _ = lc.u32(8)
				f.Symtab.Nsyms, _ = lc.u32(12)
				f.Symtab.Stroff, _ = lc.u32(16)
				f.Symtab.Strsize, _ = lc.u32(20)
			}
		case types.LC_DYSYMTAB:
			err = f.readDysymtab(lc)
		case types.LC_MAIN:
			err = lc.check(0, 24)
			if err == nil {
				f.hasMain = true
				f.EntryOff, _ = lc.u64(8)
				f.StackSize, _ = lc.u64(16)
			}
		case types.LC_UNIXTHREAD:
			err = f.readThread(lc)
		case types.LC_UUID:
			var b []byte
			if b, err = lc.bytes(8, 16); err == nil {
				f.UUID = append([]byte(nil), b...)
			}
		case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_REEXPORT_DYLIB,
			types.LC_LOAD_UPWARD_DYLIB, types.LC_ID_DYLIB:
			var d MachODylib
			if d, err = readDylib(lc, load.Cmd); err == nil {
				if load.Cmd == types.LC_ID_DYLIB {
					f.ID = &d
				} else {
					f.Dylibs = append(f.Dylibs, d)
				}
			}
		case types.LC_LOAD_DYLINKER:
			f.Dylinker, err = lcString(lc, 8)
		case types.LC_RPATH:
			var p string
			if p, err = lcString(lc, 8); err == nil {
				f.Rpaths = append(f.Rpaths, p)
			}
		default:
			load.Unknown = true
			log.WithField("cmd", load.Cmd.String()).WithField("offset", off).Debug("skipping load command")
		}
		if err != nil {
			// Offsets inside lc are relative to the command.
			var de *DecodeError
			if errors.As(err, &de) {
				de.Offset += off
			}
			return annotate(err, FormatMachO, load.Cmd.String())
		}
		f.Loads = append(f.Loads, load)
		off += uint64(size)
	}
	return nil
}

func (f *MachOFile) readSegment(lc *cursor, is64 bool) error {
	hdr, secSize := uint64(machoSegment32Size), uint64(machoSection32Size)
	if is64 {
		hdr, secSize = machoSegment64Size, machoSection64Size
	}
	if err := lc.check(0, hdr); err != nil {
		return err
	}
	var seg MachOSegment
	name, _ := lc.bytes(8, 16)
	seg.Name = cstr(name)
	lc.seek(24)
	seg.Addr, _ = lc.nextWord(is64)
	seg.Memsz, _ = lc.nextWord(is64)
	seg.Offset, _ = lc.nextWord(is64)
	seg.Filesz, _ = lc.nextWord(is64)
	seg.Maxprot, _ = lc.next32()
	seg.Prot, _ = lc.next32()
	seg.NSect, _ = lc.next32()
	seg.Flags, _ = lc.next32()

	if uint64(seg.NSect) > (lc.len()-hdr)/secSize {
		return malformed("nsects", 0, "%d sections of segment %q do not fit in command of %d bytes", seg.NSect, seg.Name, lc.len())
	}
	seg.FirstSection = len(f.Sections)
	for i := uint64(0); i < uint64(seg.NSect); i++ {
		var s MachOSection
		lc.seek(hdr + i*secSize)
		sname, _ := lc.nextBytes(16)
		s.Name = cstr(sname)
		segname, _ := lc.nextBytes(16)
		s.Seg = cstr(segname)
		s.Addr, _ = lc.nextWord(is64)
		s.Size, _ = lc.nextWord(is64)
		s.Offset, _ = lc.next32()
		s.Align, _ = lc.next32()
		s.Reloff, _ = lc.next32()
		s.Nreloc, _ = lc.next32()
		s.Flags, _ = lc.next32()
		s.Reserved1, _ = lc.next32()
		s.Reserved2, _ = lc.next32()
		if is64 {
			s.Reserved3, _ = lc.next32()
		}
		f.Sections = append(f.Sections, s)
	}
	f.Segments = append(f.Segments, seg)
	return nil
}

func (f *MachOFile) readDysymtab(lc *cursor) error {
	if err := lc.check(0, 80); err != nil {
		return err
	}
	d := new(MachODysymtab)
	lc.seek(8)
	for _, p := range []*uint32{
		&d.Ilocalsym, &d.Nlocalsym, &d.Iextdefsym, &d.Nextdefsym,
		&d.Iundefsym, &d.Nundefsym, &d.Tocoffset, &d.Ntoc,
		&d.Modtaboff, &d.Nmodtab, &d.Extrefsymoff, &d.Nextrefsyms,
		&d.Indirectsymoff, &d.Nindirectsyms, &d.Extreloff, &d.Nextrel,
		&d.Locreloff, &d.Nlocrel,
	} {
		*p, _ = lc.next32()
	}
	f.Dysymtab = d
	return nil
}

// threadPCOffset is the offset of the program counter inside the thread
// state of the given CPU.
func threadPCOffset(cpu types.CPU) (off uint64, is64 bool, ok bool) {
	switch cpu {
	case types.CPUI386:
		return 40, false, true // eip
	case types.CPUAmd64:
		return 128, true, true // rip
	case types.CPUArm:
		return 60, false, true // r15
	case types.CPUArm64:
		return 256, true, true // pc
	case types.CPUPpc:
		return 0, false, true // srr0
	case types.CPUPpc64:
		return 0, true, true // srr0
	}
	return 0, false, false
}

func (f *MachOFile) readThread(lc *cursor) error {
	if err := lc.check(0, machoThreadStateOffset); err != nil {
		return err
	}
	off, is64, ok := threadPCOffset(f.Header.CPU)
	if !ok {
		return nil
	}
	pc, err := lc.word(machoThreadStateOffset+off, is64)
	if err != nil {
		return malformed("thread state", machoThreadStateOffset+off, "thread state too short for the %s program counter", f.Header.CPU)
	}
	f.ThreadPC = pc
	f.hasThread = true
	return nil
}

func readDylib(lc *cursor, cmd types.LoadCmd) (MachODylib, error) {
	d := MachODylib{Cmd: cmd}
	if err := lc.check(0, machoDylibCmdSize); err != nil {
		return d, err
	}
	lc.seek(12)
	d.Timestamp, _ = lc.next32()
	d.CurrentVersion, _ = lc.next32()
	d.CompatVersion, _ = lc.next32()
	name, err := lcString(lc, 8)
	d.Name = name
	return d, err
}

// lcString reads the lc_str at field offset off of a load command. The
// string itself must be inside the command.
func lcString(lc *cursor, off uint64) (string, error) {
	strOff, err := lc.u32(off)
	if err != nil {
		return "", err
	}
	if uint64(strOff) < off+4 || uint64(strOff) >= lc.len() {
		return "", malformed("lc_str", off, "string offset %d outside command of %d bytes", strOff, lc.len())
	}
	return lc.cstringWithin(uint64(strOff), lc.len())
}

func (f *MachOFile) readSymbols(c *cursor) error {
	st := f.Symtab
	is64 := f.Is64()
	entSize := uint64(machoNlist32Size)
	if is64 {
		entSize = machoNlist64Size
	}
	if _, err := c.tableExtent(uint64(st.Symoff), uint64(st.Nsyms), entSize); err != nil {
		return err
	}
	strs, err := newStrtab(c, uint64(st.Stroff), uint64(st.Strsize))
	if err != nil {
		return annotate(err, FormatMachO, "string table")
	}
	f.Symbols = make([]MachOSymbol, 0, st.Nsyms)
	for i := uint64(0); i < uint64(st.Nsyms); i++ {
		off := uint64(st.Symoff) + i*entSize
		var s MachOSymbol
		strx, _ := c.u32(off)
		s.Type, _ = c.u8(off + 4)
		s.Sect, _ = c.u8(off + 5)
		s.Desc, _ = c.u16(off + 6)
		s.Value, _ = c.word(off+8, is64)

		if s.Name, err = strs.lookup(uint64(strx)); err != nil {
			return annotate(err, FormatMachO, fmt.Sprintf("name of symbol %d", i))
		}
		if s.Type&machoNStab == 0 && s.Type&machoNType == machoNSect {
			if s.Sect == 0 || int(s.Sect) > len(f.Sections) {
				return malformed("n_sect", off+5, "symbol %q refers to section %d of %d", s.Name, s.Sect, len(f.Sections))
			}
		}
		f.Symbols = append(f.Symbols, s)
	}
	return nil
}

func (f *MachOFile) entry() uint64 {
	if f.hasMain {
		if text := f.Segment("__TEXT"); text != nil {
			return text.Addr + f.EntryOff
		}
		return f.EntryOff
	}
	if f.hasThread {
		return f.ThreadPC
	}
	return 0
}
