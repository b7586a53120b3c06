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
	"unicode/utf16"

	"github.com/blacktop/go-macho/types"
)

// Fixtures are assembled in memory so the tests do not depend on a tool
// chain for every target.

type fixtureWriter struct {
	b     []byte
	order binary.ByteOrder
}

func newFixtureWriter(size int, order binary.ByteOrder) *fixtureWriter {
	return &fixtureWriter{b: make([]byte, size), order: order}
}

func (w *fixtureWriter) u8(off int, v uint8)   { w.b[off] = v }
func (w *fixtureWriter) u16(off int, v uint16) { w.order.PutUint16(w.b[off:], v) }
func (w *fixtureWriter) u32(off int, v uint32) { w.order.PutUint32(w.b[off:], v) }
func (w *fixtureWriter) u64(off int, v uint64) { w.order.PutUint64(w.b[off:], v) }
func (w *fixtureWriter) put(off int, p []byte) { copy(w.b[off:], p) }

func (w *fixtureWriter) word(off int, v uint64, is64 bool) {
	if is64 {
		w.u64(off, v)
	} else {
		w.u32(off, uint32(v))
	}
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// strtabBuilder builds a table of NUL terminated strings whose first entry
// is the empty string.
type strtabBuilder struct {
	b []byte
}

func newStrtabBuilder() *strtabBuilder {
	return &strtabBuilder{b: []byte{0}}
}

func (t *strtabBuilder) add(s string) int {
	if s == "" {
		return 0
	}
	off := len(t.b)
	t.b = append(t.b, s...)
	t.b = append(t.b, 0)
	return off
}

// ELF

type elfSectionFixture struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	data    []byte
	size    uint64 // memory size of SHT_NOBITS sections
	link    uint32
	info    uint32
	entsize uint64
}

type elfProgFixture struct {
	typ    elf.ProgType
	flags  elf.ProgFlag
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

type elfSymbolFixture struct {
	name  string
	value uint64
	size  uint64
	bind  elf.SymBind
	typ   elf.SymType
	shndx elf.SectionIndex
}

type elfFixture struct {
	is64     bool
	order    binary.ByteOrder
	machine  elf.Machine
	entry    uint64
	sections []elfSectionFixture
	symbols  []elfSymbolFixture
	needed   []string
	soname   string
	progs    []elfProgFixture
	// extendedCount stores the section count in sh_size of section 0 and
	// zero in e_shnum.
	extendedCount bool
	// extendedPhnum stores PN_XNUM in e_phnum and the program header count
	// in sh_info of section 0.
	extendedPhnum bool
	// xindex maps symbol positions to the section indices stored for them in
	// a SHT_SYMTAB_SHNDX section.
	xindex map[int]uint32
}

func sampleELF(is64 bool, order binary.ByteOrder) elfFixture {
	machine := elf.EM_X86_64
	if !is64 {
		machine = elf.EM_PPC
	}
	return elfFixture{
		is64:    is64,
		order:   order,
		machine: machine,
		entry:   0x401010,
		sections: []elfSectionFixture{
			{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: 0x401000,
				data: []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0xc3, 0xcc, 0xcc, 0xcc}},
			{name: ".data", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, addr: 0x402000,
				data: []byte("hello, world\x00\x00\x00\x00")},
			{name: ".bss", typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, addr: 0x403000, size: 0x100},
		},
		symbols: []elfSymbolFixture{
			{name: "start.c", bind: elf.STB_LOCAL, typ: elf.STT_FILE, shndx: elf.SHN_ABS},
			{name: "_start", value: 0x401010, size: 5, bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: 1},
			{name: "greeting", value: 0x402000, size: 13, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, shndx: 2},
			{name: "counter", value: 0x403000, size: 8, bind: elf.STB_WEAK, typ: elf.STT_OBJECT, shndx: 3},
			{name: "puts", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: elf.SHN_UNDEF},
		},
		needed: []string{"libc.so.6"},
	}
}

func (fx elfFixture) build() []byte {
	is64 := fx.is64
	secs := append([]elfSectionFixture(nil), fx.sections...)

	if len(fx.symbols) > 0 {
		entSize := 16
		if is64 {
			entSize = 24
		}
		strs := newStrtabBuilder()
		locals := 1
		data := make([]byte, (len(fx.symbols)+1)*entSize)
		w := &fixtureWriter{b: data, order: fx.order}
		for i, s := range fx.symbols {
			if s.bind == elf.STB_LOCAL {
				locals++
			}
			off := (i + 1) * entSize
			name := uint32(strs.add(s.name))
			info := uint8(s.bind)<<4 | uint8(s.typ)&0xf
			if is64 {
				w.u32(off, name)
				w.u8(off+4, info)
				w.u16(off+6, uint16(s.shndx))
				w.u64(off+8, s.value)
				w.u64(off+16, s.size)
			} else {
				w.u32(off, name)
				w.u32(off+4, uint32(s.value))
				w.u32(off+8, uint32(s.size))
				w.u8(off+12, info)
				w.u16(off+14, uint16(s.shndx))
			}
		}
		strIdx := len(secs) + 1
		secs = append(secs,
			elfSectionFixture{name: ".strtab", typ: elf.SHT_STRTAB, data: strs.b},
			elfSectionFixture{name: ".symtab", typ: elf.SHT_SYMTAB, data: data, link: uint32(strIdx), info: uint32(locals), entsize: uint64(entSize)},
		)
		if len(fx.xindex) > 0 {
			symtabIdx := len(secs)
			x := newFixtureWriter((len(fx.symbols)+1)*4, fx.order)
			for i, idx := range fx.xindex {
				x.u32((i+1)*4, idx)
			}
			secs = append(secs, elfSectionFixture{name: ".symtab_shndx", typ: elf.SHT_SYMTAB_SHNDX, data: x.b, link: uint32(symtabIdx), entsize: 4})
		}
	}

	if len(fx.needed) > 0 || fx.soname != "" {
		strs := newStrtabBuilder()
		var entries [][2]uint64
		for _, n := range fx.needed {
			entries = append(entries, [2]uint64{uint64(elf.DT_NEEDED), uint64(strs.add(n))})
		}
		if fx.soname != "" {
			entries = append(entries, [2]uint64{uint64(elf.DT_SONAME), uint64(strs.add(fx.soname))})
		}
		entries = append(entries, [2]uint64{uint64(elf.DT_NULL), 0})
		entSize := 8
		if is64 {
			entSize = 16
		}
		w := newFixtureWriter(len(entries)*entSize, fx.order)
		for i, e := range entries {
			w.word(i*entSize, e[0], is64)
			w.word(i*entSize+entSize/2, e[1], is64)
		}
		strIdx := len(secs) + 1
		secs = append(secs,
			elfSectionFixture{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, data: strs.b},
			elfSectionFixture{name: ".dynamic", typ: elf.SHT_DYNAMIC, flags: elf.SHF_ALLOC | elf.SHF_WRITE, data: w.b, link: uint32(strIdx), entsize: uint64(entSize)},
		)
	}

	shstr := newStrtabBuilder()
	names := make([]int, 0, len(secs)+1)
	for _, s := range secs {
		names = append(names, shstr.add(s.name))
	}
	names = append(names, shstr.add(".shstrtab"))
	secs = append(secs, elfSectionFixture{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstr.b})

	ehsize, shentsize, phentsize := 52, 40, elf32PhdrSize
	if is64 {
		ehsize, shentsize, phentsize = 64, 64, elf64PhdrSize
	}
	off := ehsize
	phoff := 0
	if len(fx.progs) > 0 {
		phoff = off
		off += len(fx.progs) * phentsize
	}
	offsets := make([]int, len(secs))
	for i, s := range secs {
		if s.typ == elf.SHT_NOBITS {
			offsets[i] = off
			continue
		}
		off = alignUp(off, 8)
		offsets[i] = off
		off += len(s.data)
	}
	shoff := alignUp(off, 8)
	shnum := len(secs) + 1
	w := newFixtureWriter(shoff+shnum*shentsize, fx.order)

	w.put(0, elfMagic)
	class, data := elf.ELFCLASS32, elf.ELFDATA2MSB
	if is64 {
		class = elf.ELFCLASS64
	}
	if fx.order == binary.LittleEndian {
		data = elf.ELFDATA2LSB
	}
	w.u8(elf.EI_CLASS, uint8(class))
	w.u8(elf.EI_DATA, uint8(data))
	w.u8(elf.EI_VERSION, uint8(elf.EV_CURRENT))
	w.u16(16, uint16(elf.ET_EXEC))
	w.u16(18, uint16(fx.machine))
	w.u32(20, uint32(elf.EV_CURRENT))

	hdrShnum := uint16(shnum)
	if fx.extendedCount {
		hdrShnum = 0
	}
	hdrPhnum := uint16(len(fx.progs))
	if fx.extendedPhnum {
		hdrPhnum = elfPNXNum
	}
	shstrndx := uint16(len(secs))
	if is64 {
		w.u64(24, fx.entry)
		w.u64(32, uint64(phoff))
		w.u64(40, uint64(shoff))
		w.u16(52, uint16(ehsize))
		w.u16(54, elf64PhdrSize)
		w.u16(56, hdrPhnum)
		w.u16(58, uint16(shentsize))
		w.u16(60, hdrShnum)
		w.u16(62, shstrndx)
	} else {
		w.u32(24, uint32(fx.entry))
		w.u32(28, uint32(phoff))
		w.u32(32, uint32(shoff))
		w.u16(40, uint16(ehsize))
		w.u16(42, elf32PhdrSize)
		w.u16(44, hdrPhnum)
		w.u16(46, uint16(shentsize))
		w.u16(48, hdrShnum)
		w.u16(50, shstrndx)
	}
	if fx.extendedCount {
		if is64 {
			w.u64(shoff+32, uint64(shnum))
		} else {
			w.u32(shoff+20, uint32(shnum))
		}
	}

	if fx.extendedPhnum {
		if is64 {
			w.u32(shoff+44, uint32(len(fx.progs)))
		} else {
			w.u32(shoff+28, uint32(len(fx.progs)))
		}
	}
	for i, p := range fx.progs {
		base := phoff + i*phentsize
		w.u32(base, uint32(p.typ))
		if is64 {
			w.u32(base+4, uint32(p.flags))
			w.u64(base+8, p.off)
			w.u64(base+16, p.vaddr)
			w.u64(base+24, p.vaddr)
			w.u64(base+32, p.filesz)
			w.u64(base+40, p.memsz)
			w.u64(base+48, p.align)
		} else {
			w.u32(base+4, uint32(p.off))
			w.u32(base+8, uint32(p.vaddr))
			w.u32(base+12, uint32(p.vaddr))
			w.u32(base+16, uint32(p.filesz))
			w.u32(base+20, uint32(p.memsz))
			w.u32(base+24, uint32(p.flags))
			w.u32(base+28, uint32(p.align))
		}
	}

	for i, s := range secs {
		size := uint64(len(s.data))
		if s.typ == elf.SHT_NOBITS {
			size = s.size
		} else {
			w.put(offsets[i], s.data)
		}
		base := shoff + (i+1)*shentsize
		w.u32(base, uint32(names[i]))
		w.u32(base+4, uint32(s.typ))
		if is64 {
			w.u64(base+8, uint64(s.flags))
			w.u64(base+16, s.addr)
			w.u64(base+24, uint64(offsets[i]))
			w.u64(base+32, size)
			w.u32(base+40, s.link)
			w.u32(base+44, s.info)
			w.u64(base+48, 1)
			w.u64(base+56, s.entsize)
		} else {
			w.u32(base+8, uint32(s.flags))
			w.u32(base+12, uint32(s.addr))
			w.u32(base+16, uint32(offsets[i]))
			w.u32(base+20, uint32(size))
			w.u32(base+24, s.link)
			w.u32(base+28, s.info)
			w.u32(base+32, 1)
			w.u32(base+36, uint32(s.entsize))
		}
	}
	return w.b
}

// elfShoff returns e_shoff of a fixture built by elfFixture.build.
func elfShoff(data []byte, is64 bool, order binary.ByteOrder) int {
	if is64 {
		return int(order.Uint64(data[40:]))
	}
	return int(order.Uint32(data[32:]))
}

// PE

const (
	peFixtureLfanew     = 0x40
	peFixtureFileAlign  = 0x200
	peFixtureSectAlign  = 0x1000
	peFixtureOptOffset  = peFixtureLfanew + 4 + coffHeaderSize
	peFixtureCodeChars  = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	peFixtureDataChars  = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	peFixtureRDataChars = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
)

type peSectionFixture struct {
	name  string
	va    uint32
	vsize uint32
	data  []byte
	chars uint32
}

type peExportFixture struct {
	name      string // empty for ordinal only exports
	rva       uint32
	forwarder string
}

type peImportFixture struct {
	dll      string
	names    []string
	ordinals []uint16
}

type coffSymbolFixture struct {
	name    string
	value   uint32
	section int16
	typ     uint16
	class   uint8
	aux     uint8
}

type peFixture struct {
	magic     uint16
	machine   uint16
	entry     uint32
	imageBase uint64
	sections  []peSectionFixture
	dllName   string
	exports   []peExportFixture
	imports   []peImportFixture
	symbols   []coffSymbolFixture
	// dirs overrides data directory entries.
	dirs map[int]DataDirectory
	// base64Names stores long section names as "//" and a base64 offset.
	base64Names bool
	// resources builds the .rsrc section placed at the given RVA.
	resources func(va uint32) []byte
}

func samplePE(magic, machine uint16) peFixture {
	base := uint64(0x400000)
	if magic == pe32PlusMagic {
		base = 0x140000000
	}
	return peFixture{
		magic:     magic,
		machine:   machine,
		entry:     0x1010,
		imageBase: base,
		sections: []peSectionFixture{
			{name: ".text", data: []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0xc3}, chars: peFixtureCodeChars},
			{name: ".data", data: []byte("hello, world\x00"), chars: peFixtureDataChars},
		},
	}
}

func (fx peFixture) is64() bool {
	return fx.magic == pe32PlusMagic
}

func (fx peFixture) exportSection(va uint32) (peSectionFixture, DataDirectory) {
	n := len(fx.exports)
	var named []int
	for i, e := range fx.exports {
		if e.name != "" {
			named = append(named, i)
		}
	}
	m := len(named)
	eatOff := peExportDirSize
	namePtrOff := eatOff + 4*n
	ordOff := namePtrOff + 4*m
	strOff := ordOff + 2*m

	size := strOff + len(fx.dllName) + 1
	for _, e := range fx.exports {
		size += len(e.name) + 1 + len(e.forwarder) + 1
	}
	w := newFixtureWriter(size, binary.LittleEndian)
	pos := strOff
	addString := func(s string) uint32 {
		rva := va + uint32(pos)
		w.put(pos, []byte(s))
		pos += len(s) + 1
		return rva
	}

	w.u32(12, addString(fx.dllName))
	w.u32(16, 1) // ordinal base
	w.u32(20, uint32(n))
	w.u32(24, uint32(m))
	w.u32(28, va+uint32(eatOff))
	w.u32(32, va+uint32(namePtrOff))
	w.u32(36, va+uint32(ordOff))
	for i, e := range fx.exports {
		rva := e.rva
		if e.forwarder != "" {
			rva = addString(e.forwarder)
		}
		w.u32(eatOff+4*i, rva)
	}
	for j, i := range named {
		w.u32(namePtrOff+4*j, addString(fx.exports[i].name))
		w.u16(ordOff+2*j, uint16(i))
	}
	sec := peSectionFixture{name: ".edata", va: va, data: w.b, chars: peFixtureRDataChars}
	return sec, DataDirectory{VirtualAddress: va, Size: uint32(len(w.b))}
}

func (fx peFixture) importSection(va uint32) (peSectionFixture, DataDirectory) {
	is64 := fx.is64()
	thunk := 4
	flag := uint64(peOrdinalFlag32)
	if is64 {
		thunk = 8
		flag = peOrdinalFlag64
	}
	descSize := peImportDescSize * (len(fx.imports) + 1)
	off := descSize
	iltOffs := make([]int, len(fx.imports))
	for j, imp := range fx.imports {
		iltOffs[j] = off
		off += thunk * (len(imp.names) + len(imp.ordinals) + 1)
	}
	size := off
	for _, imp := range fx.imports {
		for _, n := range imp.names {
			size += alignUp(2+len(n)+1, 2)
		}
		size += len(imp.dll) + 1
	}

	w := newFixtureWriter(size, binary.LittleEndian)
	pos := off
	for j, imp := range fx.imports {
		d := j * peImportDescSize
		w.u32(d, va+uint32(iltOffs[j]))
		w.u32(d+16, va+uint32(iltOffs[j]))
		t := iltOffs[j]
		for _, n := range imp.names {
			w.word(t, uint64(va)+uint64(pos), is64)
			t += thunk
			w.put(pos+2, []byte(n))
			pos += alignUp(2+len(n)+1, 2)
		}
		for _, o := range imp.ordinals {
			w.word(t, flag|uint64(o), is64)
			t += thunk
		}
		w.u32(d+12, va+uint32(pos))
		w.put(pos, []byte(imp.dll))
		pos += len(imp.dll) + 1
	}
	sec := peSectionFixture{name: ".idata", va: va, data: w.b, chars: peFixtureDataChars}
	return sec, DataDirectory{VirtualAddress: va, Size: uint32(descSize)}
}

func (fx peFixture) build() []byte {
	is64 := fx.is64()
	secs := make([]peSectionFixture, 0, len(fx.sections)+2)
	dirs := map[int]DataDirectory{}

	va := uint32(peFixtureSectAlign)
	place := func(s peSectionFixture) {
		if s.va == 0 {
			s.va = va
		}
		if s.vsize == 0 {
			s.vsize = uint32(len(s.data))
		}
		secs = append(secs, s)
		va = uint32(alignUp(int(s.va+s.vsize)+1, peFixtureSectAlign))
	}
	for _, s := range fx.sections {
		place(s)
	}
	if len(fx.exports) > 0 {
		s, d := fx.exportSection(va)
		place(s)
		dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = d
	}
	if len(fx.imports) > 0 {
		s, d := fx.importSection(va)
		place(s)
		dirs[pe.IMAGE_DIRECTORY_ENTRY_IMPORT] = d
	}
	if fx.resources != nil {
		b := fx.resources(va)
		dirs[pe.IMAGE_DIRECTORY_ENTRY_RESOURCE] = DataDirectory{VirtualAddress: va, Size: uint32(len(b))}
		place(peSectionFixture{name: ".rsrc", data: b, chars: peFixtureRDataChars})
	}
	for i, d := range fx.dirs {
		dirs[i] = d
	}

	// COFF string table: long section names and symbol names.
	strs := []byte{0, 0, 0, 0}
	addLong := func(s string) int {
		off := len(strs)
		strs = append(strs, s...)
		strs = append(strs, 0)
		return off
	}
	rawNames := make([][]byte, len(secs))
	for i, s := range secs {
		if len(s.name) > 8 {
			if fx.base64Names {
				rawNames[i] = []byte("//" + base64Offset(addLong(s.name)))
			} else {
				rawNames[i] = []byte("/" + itoa(addLong(s.name)))
			}
		} else {
			rawNames[i] = []byte(s.name)
		}
	}
	symNames := make([][8]byte, len(fx.symbols))
	for i, s := range fx.symbols {
		if len(s.name) > 8 {
			binary.LittleEndian.PutUint32(symNames[i][4:], uint32(addLong(s.name)))
		} else {
			copy(symNames[i][:], s.name)
		}
	}
	binary.LittleEndian.PutUint32(strs, uint32(len(strs)))
	withStrings := len(strs) > 4 || len(fx.symbols) > 0

	optSize := pe32FixedSize + peNumDirectories*peDataDirSize
	if is64 {
		optSize = pe32PlusFixedSize + peNumDirectories*peDataDirSize
	}
	secTable := peFixtureOptOffset + optSize
	sizeOfHeaders := alignUp(secTable+peSectionSize*len(secs), peFixtureFileAlign)

	ptr := sizeOfHeaders
	rawPtrs := make([]int, len(secs))
	rawSizes := make([]int, len(secs))
	for i, s := range secs {
		rawSizes[i] = alignUp(len(s.data), peFixtureFileAlign)
		if rawSizes[i] > 0 {
			rawPtrs[i] = ptr
		}
		ptr += rawSizes[i]
	}
	symPtr := ptr
	nsyms := 0
	for _, s := range fx.symbols {
		nsyms += 1 + int(s.aux)
	}
	total := ptr
	if withStrings {
		total = symPtr + nsyms*coffSymbolSize + len(strs)
	}

	w := newFixtureWriter(total, binary.LittleEndian)
	w.put(0, peMagic)
	w.u32(peLfanewOffset, peFixtureLfanew)
	w.put(peFixtureLfanew, peSig)

	coff := peFixtureLfanew + 4
	w.u16(coff, fx.machine)
	w.u16(coff+2, uint16(len(secs)))
	if withStrings {
		w.u32(coff+8, uint32(symPtr))
		w.u32(coff+12, uint32(nsyms))
	}
	w.u16(coff+16, uint16(optSize))
	w.u16(coff+18, pe.IMAGE_FILE_EXECUTABLE_IMAGE)

	o := peFixtureOptOffset
	w.u16(o, fx.magic)
	w.u8(o+2, 14)
	w.u32(o+16, fx.entry)
	w.u32(o+20, peFixtureSectAlign)
	dirOff := o + pe32FixedSize
	if is64 {
		w.u64(o+24, fx.imageBase)
		dirOff = o + pe32PlusFixedSize
	} else {
		w.u32(o+28, uint32(fx.imageBase))
	}
	w.u32(o+32, peFixtureSectAlign)
	w.u32(o+36, peFixtureFileAlign)
	w.u16(o+40, 6)
	w.u16(o+48, 6)
	w.u32(o+56, va)
	w.u32(o+60, uint32(sizeOfHeaders))
	w.u16(o+68, pe.IMAGE_SUBSYSTEM_WINDOWS_CUI)
	w.u32(dirOff-4, peNumDirectories)
	for i, d := range dirs {
		w.u32(dirOff+i*peDataDirSize, d.VirtualAddress)
		w.u32(dirOff+i*peDataDirSize+4, d.Size)
	}

	for i, s := range secs {
		h := secTable + i*peSectionSize
		w.put(h, rawNames[i])
		w.u32(h+8, s.vsize)
		w.u32(h+12, s.va)
		w.u32(h+16, uint32(rawSizes[i]))
		w.u32(h+20, uint32(rawPtrs[i]))
		w.u32(h+36, s.chars)
		w.put(rawPtrs[i], s.data)
	}

	if withStrings {
		p := symPtr
		for i, s := range fx.symbols {
			w.put(p, symNames[i][:])
			w.u32(p+8, s.value)
			w.u16(p+12, uint16(s.section))
			w.u16(p+14, s.typ)
			w.u8(p+16, s.class)
			w.u8(p+17, s.aux)
			p += coffSymbolSize * (1 + int(s.aux))
		}
		w.put(p, strs)
	}
	return w.b
}

type resourceFixture struct {
	id       uint32
	name     string
	dir      bool
	children []resourceFixture
	data     []byte
	codePage uint32
}

// buildResources lays out a .rsrc section at RVA va whose root directory
// holds entries.
func buildResources(va uint32, entries []resourceFixture) []byte {
	b := &rsrcBuilder{va: va}
	b.dir(entries)
	return b.buf
}

type rsrcBuilder struct {
	va  uint32
	buf []byte
}

func (b *rsrcBuilder) grow(n int, align int) int {
	for len(b.buf)%align != 0 {
		b.buf = append(b.buf, 0)
	}
	off := len(b.buf)
	b.buf = append(b.buf, make([]byte, n)...)
	return off
}

func (b *rsrcBuilder) dir(entries []resourceFixture) int {
	off := b.grow(peResourceDirSize+peResourceEntrySize*len(entries), 4)
	named := 0
	for _, e := range entries {
		if e.name != "" {
			named++
		}
	}
	binary.LittleEndian.PutUint16(b.buf[off+12:], uint16(named))
	binary.LittleEndian.PutUint16(b.buf[off+14:], uint16(len(entries)-named))
	for i, e := range entries {
		nameOrID := e.id
		if e.name != "" {
			nameOrID = peResourceHighBit | uint32(b.name(e.name))
		}
		var target uint32
		if e.dir {
			target = peResourceHighBit | uint32(b.dir(e.children))
		} else {
			target = uint32(b.data(e))
		}
		ent := off + peResourceDirSize + i*peResourceEntrySize
		binary.LittleEndian.PutUint32(b.buf[ent:], nameOrID)
		binary.LittleEndian.PutUint32(b.buf[ent+4:], target)
	}
	return off
}

func (b *rsrcBuilder) name(s string) int {
	u := utf16.Encode([]rune(s))
	off := b.grow(2+2*len(u), 2)
	binary.LittleEndian.PutUint16(b.buf[off:], uint16(len(u)))
	for i, x := range u {
		binary.LittleEndian.PutUint16(b.buf[off+2+2*i:], x)
	}
	return off
}

func (b *rsrcBuilder) data(e resourceFixture) int {
	entry := b.grow(peResourceDataSize, 4)
	off := b.grow(len(e.data), 4)
	copy(b.buf[off:], e.data)
	binary.LittleEndian.PutUint32(b.buf[entry:], b.va+uint32(off))
	binary.LittleEndian.PutUint32(b.buf[entry+4:], uint32(len(e.data)))
	binary.LittleEndian.PutUint32(b.buf[entry+8:], e.codePage)
	return entry
}

// versionBlockFixture encodes a version info block with its children, each
// starting 32 bit aligned.
func versionBlockFixture(key string, typ uint16, value []byte, valueLength uint16, children ...[]byte) []byte {
	b := make([]byte, vsBlockHeaderSize)
	for _, x := range utf16.Encode([]rune(key)) {
		b = binary.LittleEndian.AppendUint16(b, x)
	}
	b = append(b, 0, 0)
	pad := func() {
		for len(b)%4 != 0 {
			b = append(b, 0)
		}
	}
	pad()
	b = append(b, value...)
	for _, c := range children {
		pad()
		b = append(b, c...)
	}
	binary.LittleEndian.PutUint16(b[0:], uint16(len(b)))
	binary.LittleEndian.PutUint16(b[2:], valueLength)
	binary.LittleEndian.PutUint16(b[4:], typ)
	return b
}

func versionStringFixture(key, value string) []byte {
	u := utf16.Encode([]rune(value))
	v := make([]byte, 0, 2*len(u)+2)
	for _, x := range u {
		v = binary.LittleEndian.AppendUint16(v, x)
	}
	v = append(v, 0, 0)
	return versionBlockFixture(key, 1, v, uint16(len(u)+1))
}

// sampleVersionInfo is a VS_VERSIONINFO for file version 1.2.3.4.
func sampleVersionInfo() []byte {
	fixed := make([]byte, vsFixedFileInfoSize)
	le := binary.LittleEndian
	le.PutUint32(fixed[0:], vsFixedFileInfoSignature)
	le.PutUint32(fixed[4:], 0x00010000)
	le.PutUint32(fixed[8:], 0x00010002)
	le.PutUint32(fixed[12:], 0x00030004)
	le.PutUint32(fixed[16:], 0x00010002)
	le.PutUint32(fixed[24:], 0x3f)
	le.PutUint32(fixed[32:], 0x40004)
	le.PutUint32(fixed[36:], 1)

	table := versionBlockFixture("040904b0", 1, nil, 0,
		versionStringFixture("CompanyName", "GoRE Authors"),
		versionStringFixture("FileDescription", "Démo tool"),
		versionStringFixture("ProductName", "execfile"),
		versionStringFixture("Comments", ""),
	)
	translation := versionBlockFixture("Translation", 0, []byte{0x09, 0x04, 0xb0, 0x04}, 4)
	return versionBlockFixture("VS_VERSION_INFO", 0, fixed, vsFixedFileInfoSize,
		versionBlockFixture("StringFileInfo", 1, nil, 0, table),
		versionBlockFixture("VarFileInfo", 1, nil, 0, translation),
	)
}

// sampleResources holds a version resource, a named resource and a manifest.
func sampleResources() []resourceFixture {
	return []resourceFixture{
		{id: ResourceTypeVersion, dir: true, children: []resourceFixture{
			{id: 1, dir: true, children: []resourceFixture{{id: 0x409, data: sampleVersionInfo(), codePage: 1252}}},
		}},
		{name: "MYDATA", dir: true, children: []resourceFixture{
			{name: "BLOB", dir: true, children: []resourceFixture{{id: 0, data: []byte("payload")}}},
		}},
		{id: ResourceTypeManifest, dir: true, children: []resourceFixture{
			{id: 1, dir: true, children: []resourceFixture{{id: 0x409, data: []byte("<assembly/>")}}},
		}},
	}
}

// base64Offset encodes n as the six digits of a "//" section name.
func base64Offset(n int) string {
	const digits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	b := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		b[i] = digits[n&63]
		n >>= 6
	}
	return string(b)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for ; n > 0; n /= 10 {
		b = append([]byte{byte('0' + n%10)}, b...)
	}
	return string(b)
}

// Mach-O

type machoSectionFixture struct {
	name  string
	addr  uint64
	data  []byte
	size  uint64 // memory size of zerofill sections
	flags uint32
}

type machoSegmentFixture struct {
	name     string
	addr     uint64
	memsz    uint64
	sections []machoSectionFixture
}

type machoSymbolFixture struct {
	name  string
	typ   uint8
	sect  uint8
	desc  uint16
	value uint64
}

type machoFixture struct {
	is64     bool
	order    binary.ByteOrder
	cpu      types.CPU
	segments []machoSegmentFixture
	symbols  []machoSymbolFixture
	// main adds LC_MAIN with entryOff.
	main     bool
	entryOff uint64
	// thread adds LC_UNIXTHREAD with threadPC.
	thread   bool
	threadPC uint64
	dylibs   []string
	rpaths   []string
	uuid     []byte
	// unknown adds a LC_SOURCE_VERSION command, which is not decoded.
	unknown bool
	// truncateSymtab makes the symbol table extend past the end of the file.
	truncateSymtab bool
}

const (
	machoSAttrPureInstructions = 0x80000000
	machoSZerofill             = 0x1
)

func sampleMachO(is64 bool, order binary.ByteOrder, cpu types.CPU) machoFixture {
	text, data := uint64(0x100000000), uint64(0x100004000)
	if !is64 {
		text, data = 0x1000, 0x5000
	}
	return machoFixture{
		is64:  is64,
		order: order,
		cpu:   cpu,
		segments: []machoSegmentFixture{
			{name: "__PAGEZERO", memsz: text},
			{name: "__TEXT", addr: text, memsz: 0x4000, sections: []machoSectionFixture{
				{name: "__text", addr: text + 0x1000, data: []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0xc3}, flags: machoSAttrPureInstructions},
				{name: "__cstring", addr: text + 0x1010, data: []byte("hello, world\x00")},
			}},
			{name: "__DATA", addr: data, memsz: 0x4000, sections: []machoSectionFixture{
				{name: "__data", addr: data, data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
				{name: "__bss", addr: data + 0x100, size: 0x80, flags: machoSZerofill},
			}},
		},
		symbols: []machoSymbolFixture{
			{name: "_main", typ: machoNSect | machoNExt, sect: 1, value: text + 0x1000},
			{name: "_greeting", typ: machoNSect, sect: 2, value: text + 0x1010},
			{name: "_counter", typ: machoNSect | machoNExt, sect: 4, value: data + 0x100, desc: machoNWeakDef},
			{name: "_puts", typ: machoNUndf | machoNExt},
		},
		main:     true,
		entryOff: 0x1000,
		dylibs:   []string{"/usr/lib/libSystem.B.dylib"},
		uuid:     []byte{0xde, 0xad, 0xbe, 0xef, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
	}
}

func machoThreadStateSize(cpu types.CPU) int {
	off, is64, ok := threadPCOffset(cpu)
	if !ok {
		return 16
	}
	if is64 {
		return int(off) + 8
	}
	return int(off) + 4
}

func (fx machoFixture) build() []byte {
	is64 := fx.is64
	hdrSize := types.FileHeaderSize32
	segSize, secSize, nlistSize, ptrAlign := machoSegment32Size, machoSection32Size, machoNlist32Size, 4
	if is64 {
		hdrSize = types.FileHeaderSize64
		segSize, secSize, nlistSize, ptrAlign = machoSegment64Size, machoSection64Size, machoNlist64Size, 8
	}
	strCmdSize := func(base int, s string) int {
		return alignUp(base+len(s)+1, ptrAlign)
	}

	ncmds, sizeofcmds := 0, 0
	for _, seg := range fx.segments {
		ncmds++
		sizeofcmds += segSize + len(seg.sections)*secSize
	}
	if len(fx.symbols) > 0 {
		ncmds++
		sizeofcmds += 24
	}
	if fx.main {
		ncmds++
		sizeofcmds += 24
	}
	if fx.thread {
		ncmds++
		sizeofcmds += machoThreadStateOffset + machoThreadStateSize(fx.cpu)
	}
	if fx.uuid != nil {
		ncmds++
		sizeofcmds += 24
	}
	for _, d := range fx.dylibs {
		ncmds++
		sizeofcmds += strCmdSize(machoDylibCmdSize, d)
	}
	for _, r := range fx.rpaths {
		ncmds++
		sizeofcmds += strCmdSize(12, r)
	}
	if fx.unknown {
		ncmds++
		sizeofcmds += 16
	}

	// Section data follows the commands.
	pos := alignUp(hdrSize+sizeofcmds, 16)
	type placed struct{ off, fileoff, filesz int }
	secOffs := make([][]int, len(fx.segments))
	segFile := make([]placed, len(fx.segments))
	for i, seg := range fx.segments {
		secOffs[i] = make([]int, len(seg.sections))
		start := -1
		for j, s := range seg.sections {
			if s.flags&0xff == machoSZerofill {
				continue
			}
			pos = alignUp(pos, 16)
			if start < 0 {
				start = pos
			}
			secOffs[i][j] = pos
			pos += len(s.data)
		}
		if start >= 0 {
			segFile[i] = placed{fileoff: start, filesz: pos - start}
		}
	}

	strs := newStrtabBuilder()
	strx := make([]int, len(fx.symbols))
	for i, s := range fx.symbols {
		strx[i] = strs.add(s.name)
	}
	symoff := alignUp(pos, 8)
	stroff := symoff + len(fx.symbols)*nlistSize
	total := stroff + len(strs.b)
	if len(fx.symbols) == 0 {
		total = pos
	}

	w := newFixtureWriter(total, fx.order)
	magic := types.Magic32
	if is64 {
		magic = types.Magic64
	}
	w.u32(0, uint32(magic))
	w.u32(4, uint32(fx.cpu))
	w.u32(12, uint32(types.MH_EXECUTE))
	w.u32(16, uint32(ncmds))
	w.u32(20, uint32(sizeofcmds))

	off := hdrSize
	for i, seg := range fx.segments {
		size := segSize + len(seg.sections)*secSize
		cmd := types.LC_SEGMENT
		if is64 {
			cmd = types.LC_SEGMENT_64
		}
		w.u32(off, uint32(cmd))
		w.u32(off+4, uint32(size))
		w.put(off+8, []byte(seg.name))
		p := off + 24
		for _, v := range []uint64{seg.addr, seg.memsz, uint64(segFile[i].fileoff), uint64(segFile[i].filesz)} {
			w.word(p, v, is64)
			p += ptrAlign
		}
		w.u32(p, 7)
		w.u32(p+4, 5)
		w.u32(p+8, uint32(len(seg.sections)))
		for j, s := range seg.sections {
			h := off + segSize + j*secSize
			w.put(h, []byte(s.name))
			w.put(h+16, []byte(seg.name))
			size := uint64(len(s.data))
			if s.flags&0xff == machoSZerofill {
				size = s.size
			} else {
				w.put(secOffs[i][j], s.data)
			}
			w.word(h+32, s.addr, is64)
			w.word(h+32+ptrAlign, size, is64)
			q := h + 32 + 2*ptrAlign
			w.u32(q, uint32(secOffs[i][j]))
			w.u32(q+16, s.flags)
		}
		off += size
	}
	if len(fx.symbols) > 0 {
		nsyms := len(fx.symbols)
		if fx.truncateSymtab {
			nsyms += 100
		}
		w.u32(off, uint32(types.LC_SYMTAB))
		w.u32(off+4, 24)
		w.u32(off+8, uint32(symoff))
		w.u32(off+12, uint32(nsyms))
		w.u32(off+16, uint32(stroff))
		w.u32(off+20, uint32(len(strs.b)))
		off += 24
		for i, s := range fx.symbols {
			e := symoff + i*nlistSize
			w.u32(e, uint32(strx[i]))
			w.u8(e+4, s.typ)
			w.u8(e+5, s.sect)
			w.u16(e+6, s.desc)
			w.word(e+8, s.value, is64)
		}
		w.put(stroff, strs.b)
	}
	if fx.main {
		w.u32(off, uint32(types.LC_MAIN))
		w.u32(off+4, 24)
		w.u64(off+8, fx.entryOff)
		off += 24
	}
	if fx.thread {
		stateSize := machoThreadStateSize(fx.cpu)
		w.u32(off, uint32(types.LC_UNIXTHREAD))
		w.u32(off+4, uint32(machoThreadStateOffset+stateSize))
		w.u32(off+8, 1)
		w.u32(off+12, uint32(stateSize/4))
		pcOff, pc64, _ := threadPCOffset(fx.cpu)
		w.word(off+machoThreadStateOffset+int(pcOff), fx.threadPC, pc64)
		off += machoThreadStateOffset + stateSize
	}
	if fx.uuid != nil {
		w.u32(off, uint32(types.LC_UUID))
		w.u32(off+4, 24)
		w.put(off+8, fx.uuid)
		off += 24
	}
	for _, d := range fx.dylibs {
		size := strCmdSize(machoDylibCmdSize, d)
		w.u32(off, uint32(types.LC_LOAD_DYLIB))
		w.u32(off+4, uint32(size))
		w.u32(off+8, machoDylibCmdSize)
		w.u32(off+12, 2)
		w.u32(off+16, 0x10000)
		w.u32(off+20, 0x10000)
		w.put(off+machoDylibCmdSize, []byte(d))
		off += size
	}
	for _, r := range fx.rpaths {
		size := strCmdSize(12, r)
		w.u32(off, uint32(types.LC_RPATH))
		w.u32(off+4, uint32(size))
		w.u32(off+8, 12)
		w.put(off+12, []byte(r))
		off += size
	}
	if fx.unknown {
		w.u32(off, uint32(types.LC_SOURCE_VERSION))
		w.u32(off+4, 16)
		w.u64(off+8, 0x1234)
	}
	return w.b
}

// Universal binaries

type fatSliceFixture struct {
	cpu  types.CPU
	data []byte
}

func buildFat(arch64 bool, slices ...fatSliceFixture) []byte {
	entSize, magic := fatArchSize, uint32(types.MagicFat)
	if arch64 {
		entSize, magic = fatArch64Size, fatMagic64
	}
	const align = 12
	pos := alignUp(fatHeaderSize+len(slices)*entSize, 1<<align)
	offs := make([]int, len(slices))
	for i, s := range slices {
		pos = alignUp(pos, 1<<align)
		offs[i] = pos
		pos += len(s.data)
	}
	w := newFixtureWriter(pos, binary.BigEndian)
	w.u32(0, magic)
	w.u32(4, uint32(len(slices)))
	for i, s := range slices {
		e := fatHeaderSize + i*entSize
		w.u32(e, uint32(s.cpu))
		if arch64 {
			w.u64(e+8, uint64(offs[i]))
			w.u64(e+16, uint64(len(s.data)))
			w.u32(e+24, align)
		} else {
			w.u32(e+8, uint32(offs[i]))
			w.u32(e+12, uint32(len(s.data)))
			w.u32(e+16, align)
		}
		w.put(offs[i], s.data)
	}
	return w.b
}
