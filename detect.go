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
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

// Format identifies an executable container format.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatELF
	FormatPE
	FormatMachO
	// FormatMachOFat is a universal binary holding several Mach-O slices.
	FormatMachOFat
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "ELF"
	case FormatPE:
		return "PE"
	case FormatMachO:
		return "Mach-O"
	case FormatMachOFat:
		return "Mach-O universal"
	default:
		return "unknown"
	}
}

var (
	elfMagic = []byte{0x7f, 0x45, 0x4c, 0x46}
	peMagic  = []byte{0x4d, 0x5a}
	peSig    = []byte{0x50, 0x45, 0x00, 0x00}
)

const (
	peLfanewOffset = 0x3c
	// A universal header with more entries than this is most likely a Java
	// class file, which shares the 0xcafebabe magic.
	maxFatArches = 30
	fatMagic64   = 0xcafebabf
)

// Detect identifies the format of data from its magic numbers. For PE files
// the pointer to the NT headers is followed and the second signature checked.
// ErrUnknownFormat is returned if nothing matches.
func Detect(data []byte) (Format, error) {
	if len(data) < 4 {
		return FormatUnknown, &DecodeError{Kind: ErrUnknownFormat, Reason: "input shorter than any magic number"}
	}
	switch {
	case bytes.HasPrefix(data, elfMagic):
		return FormatELF, nil
	case bytes.HasPrefix(data, peMagic):
		if _, err := peHeaderOffset(newCursor(data, binary.LittleEndian)); err != nil {
			return FormatUnknown, err
		}
		return FormatPE, nil
	}

	if _, _, ok := machoMagic(data); ok {
		return FormatMachO, nil
	}

	switch m := binary.BigEndian.Uint32(data); m {
	case uint32(types.MagicFat), fatMagic64:
		if len(data) < 8 {
			return FormatUnknown, &DecodeError{Kind: ErrUnknownFormat, Reason: "universal header truncated"}
		}
		n := binary.BigEndian.Uint32(data[4:])
		if n == 0 || n > maxFatArches {
			return FormatUnknown, &DecodeError{Kind: ErrUnknownFormat, Offset: 4, Reason: "fat magic without a plausible architecture count"}
		}
		return FormatMachOFat, nil
	}
	return FormatUnknown, &DecodeError{Kind: ErrUnknownFormat, Reason: "no known magic number"}
}

// peHeaderOffset follows e_lfanew and checks the PE signature behind it.
func peHeaderOffset(c *cursor) (uint64, error) {
	lfanew, err := c.u32(peLfanewOffset)
	if err != nil {
		return 0, &DecodeError{Kind: ErrUnknownFormat, Format: FormatPE, Field: "e_lfanew", Offset: peLfanewOffset, Reason: "MZ stub too short"}
	}
	sig, err := c.bytes(uint64(lfanew), 4)
	if err != nil {
		return 0, &DecodeError{Kind: ErrUnknownFormat, Format: FormatPE, Field: "e_lfanew", Offset: uint64(lfanew), Reason: "PE signature offset outside file"}
	}
	if !bytes.Equal(sig, peSig) {
		return 0, &DecodeError{Kind: ErrUnknownFormat, Format: FormatPE, Field: "signature", Offset: uint64(lfanew), Reason: "MZ stub without PE signature"}
	}
	return uint64(lfanew), nil
}

// machoMagic reports the byte order and word size of a thin Mach-O header.
// Both byte orders are legal for both word sizes.
func machoMagic(data []byte) (binary.ByteOrder, bool, bool) {
	if len(data) < 4 {
		return nil, false, false
	}
	be := binary.BigEndian.Uint32(data)
	le := binary.LittleEndian.Uint32(data)
	switch {
	case be == uint32(types.Magic32):
		return binary.BigEndian, false, true
	case be == uint32(types.Magic64):
		return binary.BigEndian, true, true
	case le == uint32(types.Magic32):
		return binary.LittleEndian, false, true
	case le == uint32(types.Magic64):
		return binary.LittleEndian, true, true
	}
	return nil, false, false
}
