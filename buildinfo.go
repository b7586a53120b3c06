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
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	buildInfoMagic    = []byte("\xff Go buildinf:")
	buildInfoSections = []string{".go.buildinfo", "__go_buildinfo", ".data", "__data"} // The order is important.
)

const (
	buildInfoHeaderSize = 32

	// Set when the version and module strings follow the header as varint
	// prefixed strings instead of being referenced by pointers.
	buildInfoFlagInline    = 0x2
	buildInfoFlagBigEndian = 0x1

	// Module information is framed by 16 byte sentinels.
	modInfoSentinelSize = 16
)

// GoBuildInfo returns the Go toolchain version and module information that
// the linker recorded in the file. ErrNoBuildInfo is returned for files not
// built by the Go toolchain or built before module support.
func (f *File) GoBuildInfo() (*debug.BuildInfo, error) {
	var header []byte
	for _, name := range buildInfoSections {
		d, err := f.SectionData(name)
		if err != nil {
			if errors.Is(err, ErrSectionDoesNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to get buildinfo section: %w", err)
		}
		i := bytes.Index(d, buildInfoMagic)
		if i == -1 || len(d)-i < buildInfoHeaderSize {
			// Not the right section, try next.
			continue
		}
		header = d[i:]
		break
	}
	if header == nil {
		return nil, ErrNoBuildInfo
	}

	var version, modinfo string
	var err error
	ptrSize := int(header[14])
	flags := header[15]
	if flags&buildInfoFlagInline != 0 {
		c := header[buildInfoHeaderSize:]
		if version, c, err = readVarintString(c); err != nil {
			return nil, fmt.Errorf("reading compiler version in buildinfo failed: %w", err)
		}
		if modinfo, _, err = readVarintString(c); err != nil {
			return nil, fmt.Errorf("reading module info in buildinfo failed: %w", err)
		}
	} else {
		if ptrSize != 4 && ptrSize != 8 {
			return nil, malformed("buildinfo pointer size", 14, "pointer size %d", ptrSize)
		}
		var order binary.ByteOrder = binary.LittleEndian
		if flags&buildInfoFlagBigEndian != 0 {
			order = binary.BigEndian
		}
		c := newCursor(header, order)
		// After the markers there are two string pointers. The first one
		// points to the compiler version. The second to the module
		// information.
		ptr1, err := c.word(16, ptrSize == 8)
		if err != nil {
			return nil, fmt.Errorf("reading pointer to compiler version in buildinfo failed: %w", err)
		}
		ptr2, err := c.word(16+uint64(ptrSize), ptrSize == 8)
		if err != nil {
			return nil, fmt.Errorf("reading pointer to module info in buildinfo failed: %w", err)
		}
		if version, err = f.goStringAt(ptr1, order, ptrSize == 8); err != nil {
			return nil, fmt.Errorf("extracting compiler version failed: %w", err)
		}
		if modinfo, err = f.goStringAt(ptr2, order, ptrSize == 8); err != nil {
			return nil, fmt.Errorf("extracting modinfo data failed: %w", err)
		}
	}
	if version == "" {
		return nil, ErrNoBuildInfo
	}

	if len(modinfo) >= 2*modInfoSentinelSize+1 && modinfo[len(modinfo)-modInfoSentinelSize-1] == '\n' {
		modinfo = modinfo[modInfoSentinelSize : len(modinfo)-modInfoSentinelSize]
	} else {
		modinfo = ""
	}
	bi, err := debug.ParseBuildInfo(modinfo)
	if err != nil {
		return nil, fmt.Errorf("parsing module info failed: %w", err)
	}
	bi.GoVersion = version
	return bi, nil
}

func readVarintString(b []byte) (string, []byte, error) {
	n, w := binary.Uvarint(b)
	if w <= 0 || n > uint64(len(b)-w) {
		return "", nil, ErrTruncated
	}
	return string(b[w : w+int(n)]), b[w+int(n):], nil
}

// goStringAt reads the Go string header at virtual address addr and returns
// the string it refers to.
func (f *File) goStringAt(addr uint64, order binary.ByteOrder, is64 bool) (string, error) {
	ptrSize := uint64(4)
	if is64 {
		ptrSize = 8
	}
	hdr, err := f.Bytes(addr, 2*ptrSize)
	if err != nil {
		if errors.Is(err, ErrSectionDoesNotExist) {
			// The pointer probably points to a section that has no space on
			// disk.
			return "", nil
		}
		return "", err
	}
	c := newCursor(hdr, order)
	d, _ := c.word(0, is64)
	l, _ := c.word(ptrSize, is64)
	if d == 0 || l == 0 {
		return "", nil
	}
	b, err := f.Bytes(d, l)
	if err != nil {
		return "", fmt.Errorf("error when reading string bytes: %w", err)
	}
	return string(b), nil
}
