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

	"github.com/blacktop/go-macho/types"
)

const (
	fatHeaderSize = 8
	fatArchSize   = 20
	fatArch64Size = 32
)

// FatArch is a fat_arch or fat_arch_64 entry.
type FatArch struct {
	CPU    types.CPU
	SubCPU uint32
	Offset uint64
	Size   uint64
	Align  uint32
}

// FatSlice is one architecture of a universal binary. Exactly one of File
// and Err is set.
type FatSlice struct {
	FatArch
	File *MachOFile
	Err  error
}

// FatFile is a decoded universal binary.
type FatFile struct {
	Magic  uint32
	Slices []FatSlice
}

// ParseFat decodes a universal binary. Every slice is decoded on its own; a
// slice that fails to decode has its error recorded in FatSlice.Err and does
// not stop the others. Only a broken universal header fails the call.
func ParseFat(data []byte, opts ...Option) (*FatFile, error) {
	f, err := parseFat(newCursor(data, binary.BigEndian), newConfig(opts))
	if err != nil {
		return nil, annotate(err, FormatMachOFat, "")
	}
	return f, nil
}

func parseFat(c *cursor, cfg *config) (*FatFile, error) {
	log := cfg.logger(FormatMachOFat)
	if err := c.check(0, fatHeaderSize); err != nil {
		return nil, annotate(err, FormatMachOFat, "fat header")
	}
	f := new(FatFile)
	f.Magic, _ = c.u32(0)
	n, _ := c.u32(4)

	var entSize uint64
	switch f.Magic {
	case uint32(types.MagicFat):
		entSize = fatArchSize
	case fatMagic64:
		entSize = fatArch64Size
	default:
		return nil, &DecodeError{Kind: ErrUnknownFormat, Field: "magic", Reason: "not a universal header"}
	}
	if n == 0 || n > maxFatArches {
		return nil, &DecodeError{Kind: ErrUnknownFormat, Field: "nfat_arch", Offset: 4, Reason: "fat magic without a plausible architecture count"}
	}
	if _, err := c.tableExtent(fatHeaderSize, uint64(n), entSize); err != nil {
		return nil, annotate(err, FormatMachOFat, "fat_arch table")
	}

	f.Slices = make([]FatSlice, n)
	for i := range f.Slices {
		s := &f.Slices[i]
		c.seek(fatHeaderSize + uint64(i)*entSize)
		cpu, _ := c.next32()
		s.CPU = types.CPU(cpu)
		s.SubCPU, _ = c.next32()
		if entSize == fatArch64Size {
			s.Offset, _ = c.next64()
			s.Size, _ = c.next64()
			s.Align, _ = c.next32()
		} else {
			off, _ := c.next32()
			size, _ := c.next32()
			s.Offset, s.Size = uint64(off), uint64(size)
			s.Align, _ = c.next32()
		}

		s.File, s.Err = parseSlice(c, s.FatArch, cfg)
		if s.Err != nil {
			log.WithError(s.Err).WithField("cpu", s.CPU.String()).Debug("skipping slice")
			continue
		}
		if s.File.Header.CPU != s.CPU {
			log.WithField("cpu", s.CPU.String()).WithField("header_cpu", s.File.Header.CPU.String()).
				Debug("slice header disagrees with fat_arch")
		}
	}
	return f, nil
}

// parseSlice decodes the Mach-O image of one slice. Offsets in the returned
// error are file offsets, not slice offsets.
func parseSlice(c *cursor, arch FatArch, cfg *config) (*MachOFile, error) {
	sc, err := c.sub(arch.Offset, arch.Size)
	if err != nil {
		return nil, annotate(err, FormatMachOFat, "slice")
	}
	mf, err := parseMachO(sc.data, cfg)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Offset += arch.Offset
		}
		return nil, annotate(err, FormatMachO, "")
	}
	return mf, nil
}
