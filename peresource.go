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
	"errors"
	"fmt"
	"unicode/utf16"
)

const (
	peResourceDirSize   = 16
	peResourceEntrySize = 8
	peResourceDataSize  = 16
	peResourceHighBit   = 0x80000000
	// Type, name and language make three levels. Anything much deeper is
	// not a resource tree.
	maxResourceDepth = 16

	// ResourceTypeVersion is the RT_VERSION resource type.
	ResourceTypeVersion = 16
	// ResourceTypeManifest is the RT_MANIFEST resource type.
	ResourceTypeManifest = 24

	vsFixedFileInfoSignature = 0xfeef04bd
	vsFixedFileInfoSize      = 52
	vsBlockHeaderSize        = 6
)

// ResourceNode is an entry of the resource directory tree. Entries are
// identified either by Name or, if Name is empty, by ID.
type ResourceNode struct {
	Name string
	ID   uint32
	// Dir is set for directory entries. Only directories have Children.
	Dir      bool
	Children []*ResourceNode
	// DataRVA, Size and CodePage come from the data entry of a leaf.
	DataRVA  uint32
	Size     uint32
	CodePage uint32
}

// Child returns the first child with the given ID, or nil.
func (n *ResourceNode) Child(id uint32) *ResourceNode {
	for _, c := range n.Children {
		if c.Name == "" && c.ID == id {
			return c
		}
	}
	return nil
}

// Resources decodes the resource directory tree. It returns nil if the image
// has no resource directory.
func (f *PEFile) Resources() (*ResourceNode, error) {
	dir := f.Directory(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	if dir.VirtualAddress == 0 || f.c == nil {
		return nil, nil
	}
	w := &resourceWalker{
		f:      f,
		base:   uint64(dir.VirtualAddress),
		budget: f.c.len() / peResourceEntrySize,
		onPath: make(map[uint32]bool),
	}
	root := &ResourceNode{Dir: true}
	if err := w.readDir(root, 0, 0); err != nil {
		return nil, annotate(err, FormatPE, "resource directory")
	}
	return root, nil
}

// ResourceData returns the data of a resource leaf.
func (f *PEFile) ResourceData(n *ResourceNode) ([]byte, error) {
	if n == nil || n.Dir {
		return nil, fmt.Errorf("resource %q is not a data entry", n.label())
	}
	off, err := f.rvaToOffset(n.DataRVA, uint64(n.Size))
	if err != nil {
		return nil, annotate(err, FormatPE, "resource data")
	}
	b, err := f.c.bytes(off, uint64(n.Size))
	return b, annotate(err, FormatPE, "resource data")
}

func (n *ResourceNode) label() string {
	if n == nil {
		return "<nil>"
	}
	if n.Name != "" {
		return n.Name
	}
	return fmt.Sprintf("#%d", n.ID)
}

// resourceWalker decodes the directory tree below base. Entries may point
// at shared subdirectories, so the number of entries read over the whole
// walk is bounded by what the file could hold.
type resourceWalker struct {
	f      *PEFile
	base   uint64
	budget uint64
	read   uint64
	onPath map[uint32]bool
}

func (w *resourceWalker) rva(off uint32) (uint32, error) {
	v := w.base + uint64(off)
	if v > 0xffffffff {
		return 0, malformed("resource offset", uint64(off), "offset 0x%x past the 32 bit address space", off)
	}
	return uint32(v), nil
}

func (w *resourceWalker) readDir(n *ResourceNode, off uint32, depth int) error {
	if depth > maxResourceDepth {
		return malformed("resource directory", w.base+uint64(off), "nested deeper than %d levels", maxResourceDepth)
	}
	if w.onPath[off] {
		return malformed("resource directory", w.base+uint64(off), "directory at offset 0x%x contains itself", off)
	}
	w.onPath[off] = true
	defer delete(w.onPath, off)

	rva, err := w.rva(off)
	if err != nil {
		return err
	}
	hdr, err := w.f.readRVA(w.f.c, rva, peResourceDirSize)
	if err != nil {
		return err
	}
	if ch, _ := hdr.u32(0); ch != 0 {
		return malformed("Characteristics", uint64(rva), "resource directory characteristics 0x%x, must be zero", ch)
	}
	named, _ := hdr.u16(12)
	ids, _ := hdr.u16(14)
	count := uint64(named) + uint64(ids)
	if w.read += count; w.read > w.budget {
		return malformed("resource directory", uint64(rva), "more than %d entries in a %d byte image", w.budget, w.f.c.len())
	}
	if count == 0 {
		return nil
	}
	entries, err := w.f.readRVA(w.f.c, rva+peResourceDirSize, count*peResourceEntrySize)
	if err != nil {
		return err
	}
	n.Children = make([]*ResourceNode, 0, count)
	for i := uint64(0); i < count; i++ {
		nameOrID, _ := entries.u32(i * peResourceEntrySize)
		target, _ := entries.u32(i*peResourceEntrySize + 4)

		child := &ResourceNode{}
		if nameOrID&peResourceHighBit != 0 {
			if child.Name, err = w.name(nameOrID &^ peResourceHighBit); err != nil {
				return err
			}
		} else {
			child.ID = nameOrID
		}
		if target&peResourceHighBit != 0 {
			child.Dir = true
			if err := w.readDir(child, target&^peResourceHighBit, depth+1); err != nil {
				return err
			}
		} else if err := w.readData(child, target); err != nil {
			return err
		}
		n.Children = append(n.Children, child)
	}
	return nil
}

// name reads a length prefixed UTF-16 string.
func (w *resourceWalker) name(off uint32) (string, error) {
	rva, err := w.rva(off)
	if err != nil {
		return "", err
	}
	lc, err := w.f.readRVA(w.f.c, rva, 2)
	if err != nil {
		return "", err
	}
	n, _ := lc.u16(0)
	sc, err := w.f.readRVA(w.f.c, rva+2, uint64(n)*2)
	if err != nil {
		return "", err
	}
	u := make([]uint16, n)
	for i := range u {
		u[i], _ = sc.u16(uint64(i) * 2)
	}
	return string(utf16.Decode(u)), nil
}

func (w *resourceWalker) readData(n *ResourceNode, off uint32) error {
	rva, err := w.rva(off)
	if err != nil {
		return err
	}
	d, err := w.f.readRVA(w.f.c, rva, peResourceDataSize)
	if err != nil {
		return err
	}
	n.DataRVA, _ = d.u32(0)
	n.Size, _ = d.u32(4)
	n.CodePage, _ = d.u32(8)
	return nil
}

// FixedFileInfo is VS_FIXEDFILEINFO.
type FixedFileInfo struct {
	StructVersion    uint32
	FileVersionMS    uint32
	FileVersionLS    uint32
	ProductVersionMS uint32
	ProductVersionLS uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateMS       uint32
	FileDateLS       uint32
}

// FileVersion formats the file version as major.minor.build.revision.
func (fi *FixedFileInfo) FileVersion() string {
	return fourPartVersion(fi.FileVersionMS, fi.FileVersionLS)
}

// ProductVersion formats the product version as major.minor.build.revision.
func (fi *FixedFileInfo) ProductVersion() string {
	return fourPartVersion(fi.ProductVersionMS, fi.ProductVersionLS)
}

func fourPartVersion(ms, ls uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", ms>>16, ms&0xffff, ls>>16, ls&0xffff)
}

// VersionString is a key and value of a version StringTable.
type VersionString struct {
	Key   string
	Value string
}

// VersionStringTable is a StringTable of the StringFileInfo block. Key holds
// the language and code page as eight hex digits, for example "040904b0".
type VersionStringTable struct {
	Key     string
	Strings []VersionString
}

// VersionTranslation is an entry of the Translation value of VarFileInfo.
type VersionTranslation struct {
	Language uint16
	CodePage uint16
}

// VersionInfo is a decoded VS_VERSIONINFO resource.
type VersionInfo struct {
	// Fixed is nil if the resource carries no VS_FIXEDFILEINFO.
	Fixed        *FixedFileInfo
	StringTables []VersionStringTable
	Translations []VersionTranslation
}

// Lookup returns the value of key from the first string table that has it.
func (vi *VersionInfo) Lookup(key string) (string, bool) {
	for _, t := range vi.StringTables {
		for _, s := range t.Strings {
			if s.Key == key {
				return s.Value, true
			}
		}
	}
	return "", false
}

// VersionInfo decodes the first RT_VERSION resource with ID 1.
// ErrNoVersionInfo is returned if there is none.
func (f *PEFile) VersionInfo() (*VersionInfo, error) {
	root, err := f.Resources()
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, ErrNoVersionInfo
	}
	leaf := root.Child(ResourceTypeVersion).firstDataChild(1)
	if leaf == nil {
		return nil, ErrNoVersionInfo
	}
	off, err := f.rvaToOffset(leaf.DataRVA, uint64(leaf.Size))
	if err != nil {
		return nil, annotate(err, FormatPE, "version resource")
	}
	c, err := f.c.sub(off, uint64(leaf.Size))
	if err != nil {
		return nil, annotate(err, FormatPE, "version resource")
	}
	vi, err := parseVersionInfo(c)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Offset += off
		}
		return nil, annotate(err, FormatPE, "")
	}
	return vi, nil
}

// firstDataChild follows the child with the given ID and returns its first
// data entry.
func (n *ResourceNode) firstDataChild(id uint32) *ResourceNode {
	if n == nil {
		return nil
	}
	name := n.Child(id)
	if name == nil {
		return nil
	}
	for _, c := range name.Children {
		if !c.Dir {
			return c
		}
	}
	return nil
}

// ParseVersionInfo decodes a VS_VERSIONINFO structure. Offsets in errors are
// relative to data.
func ParseVersionInfo(data []byte) (*VersionInfo, error) {
	vi, err := parseVersionInfo(newCursor(data, binary.LittleEndian))
	if err != nil {
		return nil, annotate(err, FormatPE, "")
	}
	return vi, nil
}

// versionBlock is the header shared by all version info structures.
type versionBlock struct {
	off, end    uint64
	valueLength uint16
	typ         uint16
	key         string
	// value is the 32 bit aligned offset following the key.
	value uint64
}

// valueEnd returns the aligned offset following the value. Text values
// count their length in UTF-16 code units.
func (b versionBlock) valueEnd() uint64 {
	n := uint64(b.valueLength)
	if b.typ == 1 {
		n *= 2
	}
	end := b.value + n
	if end > b.end {
		end = b.end
	}
	return align4(end)
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

func readVersionBlock(c *cursor, off, limit uint64) (versionBlock, error) {
	if err := c.check(off, vsBlockHeaderSize); err != nil {
		return versionBlock{}, annotate(err, FormatPE, "version block")
	}
	length, _ := c.u16(off)
	b := versionBlock{off: off, end: off + uint64(length)}
	b.valueLength, _ = c.u16(off + 2)
	b.typ, _ = c.u16(off + 4)
	if length < vsBlockHeaderSize || b.end > limit {
		return versionBlock{}, malformed("wLength", off, "block of %d bytes does not fit before 0x%x", length, limit)
	}
	key, next, err := utf16String(c, off+vsBlockHeaderSize, b.end)
	if err != nil {
		return versionBlock{}, err
	}
	b.key = key
	b.value = align4(next)
	return b, nil
}

// utf16String reads the NUL terminated UTF-16LE key of a block that has to
// end before end. It returns the string and the offset following the terminator.
func utf16String(c *cursor, off, end uint64) (string, uint64, error) {
	var u []uint16
	for ; off+2 <= end; off += 2 {
		v, _ := c.u16(off)
		if v == 0 {
			return string(utf16.Decode(u)), off + 2, nil
		}
		u = append(u, v)
	}
	return "", 0, malformed("szKey", off, "missing NUL terminator before 0x%x", end)
}

// utf16Value decodes the UTF-16LE text in [off, end) up to the first NUL.
func utf16Value(c *cursor, off, end uint64) string {
	var u []uint16
	for ; off+2 <= end; off += 2 {
		v, _ := c.u16(off)
		if v == 0 {
			break
		}
		u = append(u, v)
	}
	return string(utf16.Decode(u))
}

func parseVersionInfo(c *cursor) (*VersionInfo, error) {
	root, err := readVersionBlock(c, 0, c.len())
	if err != nil {
		return nil, err
	}
	if root.key != "VS_VERSION_INFO" {
		return nil, malformed("szKey", 0, "version resource key %q", root.key)
	}
	vi := &VersionInfo{}
	if root.valueLength != 0 {
		if root.valueLength < vsFixedFileInfoSize || root.value+vsFixedFileInfoSize > root.end {
			return nil, malformed("wValueLength", 2, "%d bytes cannot hold VS_FIXEDFILEINFO", root.valueLength)
		}
		if sig, _ := c.u32(root.value); sig != vsFixedFileInfoSignature {
			return nil, malformed("dwSignature", root.value, "signature 0x%x", sig)
		}
		fi := &FixedFileInfo{}
		c.seek(root.value + 4)
		for _, p := range []*uint32{
			&fi.StructVersion, &fi.FileVersionMS, &fi.FileVersionLS, &fi.ProductVersionMS, &fi.ProductVersionLS,
			&fi.FileFlagsMask, &fi.FileFlags, &fi.FileOS, &fi.FileType, &fi.FileSubtype, &fi.FileDateMS, &fi.FileDateLS,
		} {
			*p, _ = c.next32()
		}
		vi.Fixed = fi
	}

	for off := align4(root.value + uint64(root.valueLength)); off < root.end; {
		b, err := readVersionBlock(c, off, root.end)
		if err != nil {
			return nil, err
		}
		switch b.key {
		case "StringFileInfo":
			if err := vi.readStringFileInfo(c, b); err != nil {
				return nil, err
			}
		case "VarFileInfo":
			if err := vi.readVarFileInfo(c, b); err != nil {
				return nil, err
			}
		}
		off = align4(b.end)
	}
	return vi, nil
}

func (vi *VersionInfo) readStringFileInfo(c *cursor, info versionBlock) error {
	for off := info.valueEnd(); off < info.end; {
		tb, err := readVersionBlock(c, off, info.end)
		if err != nil {
			return err
		}
		table := VersionStringTable{Key: tb.key}
		for soff := tb.valueEnd(); soff < tb.end; {
			sb, err := readVersionBlock(c, soff, tb.end)
			if err != nil {
				return err
			}
			end := sb.value + uint64(sb.valueLength)*2
			if end > sb.end {
				end = sb.end
			}
			table.Strings = append(table.Strings, VersionString{Key: sb.key, Value: utf16Value(c, sb.value, end)})
			soff = align4(sb.end)
		}
		vi.StringTables = append(vi.StringTables, table)
		off = align4(tb.end)
	}
	return nil
}

func (vi *VersionInfo) readVarFileInfo(c *cursor, info versionBlock) error {
	for off := info.valueEnd(); off < info.end; {
		vb, err := readVersionBlock(c, off, info.end)
		if err != nil {
			return err
		}
		if vb.key == "Translation" {
			end := vb.value + uint64(vb.valueLength)
			if end > vb.end {
				return malformed("wValueLength", vb.off+2, "Translation value of %d bytes overruns its block", vb.valueLength)
			}
			for p := vb.value; p+4 <= end; p += 4 {
				lang, _ := c.u16(p)
				cp, _ := c.u16(p + 2)
				vi.Translations = append(vi.Translations, VersionTranslation{Language: lang, CodePage: cp})
			}
		}
		off = align4(vb.end)
	}
	return nil
}
