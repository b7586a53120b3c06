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
)

// cursor is a bounds-checked reader over an immutable byte slice. All reads
// take an explicit offset. The position is only used by the next* helpers
// when walking variable length arrays.
type cursor struct {
	data  []byte
	order binary.ByteOrder
	pos   uint64
}

func newCursor(data []byte, order binary.ByteOrder) *cursor {
	return &cursor{data: data, order: order}
}

func (c *cursor) len() uint64 {
	return uint64(len(c.data))
}

// check validates that n bytes can be read at off.
func (c *cursor) check(off, n uint64) error {
	size := c.len()
	if off > size || n > size-off {
		return truncated(off, n)
	}
	return nil
}

// sub returns a cursor over data[off:off+n] with the same byte order.
// Offsets in the returned cursor are relative to off.
func (c *cursor) sub(off, n uint64) (*cursor, error) {
	if err := c.check(off, n); err != nil {
		return nil, err
	}
	return newCursor(c.data[off:off+n:off+n], c.order), nil
}

func (c *cursor) bytes(off, n uint64) ([]byte, error) {
	if err := c.check(off, n); err != nil {
		return nil, err
	}
	return c.data[off : off+n : off+n], nil
}

func (c *cursor) u8(off uint64) (uint8, error) {
	if err := c.check(off, 1); err != nil {
		return 0, err
	}
	return c.data[off], nil
}

func (c *cursor) u16(off uint64) (uint16, error) {
	if err := c.check(off, 2); err != nil {
		return 0, err
	}
	return c.order.Uint16(c.data[off:]), nil
}

func (c *cursor) u32(off uint64) (uint32, error) {
	if err := c.check(off, 4); err != nil {
		return 0, err
	}
	return c.order.Uint32(c.data[off:]), nil
}

func (c *cursor) u64(off uint64) (uint64, error) {
	if err := c.check(off, 8); err != nil {
		return 0, err
	}
	return c.order.Uint64(c.data[off:]), nil
}

// word reads a 4 or 8 byte unsigned integer and widens it to 64 bits.
func (c *cursor) word(off uint64, is64 bool) (uint64, error) {
	if is64 {
		return c.u64(off)
	}
	v, err := c.u32(off)
	return uint64(v), err
}

// cstring reads a NUL terminated string starting at off. The terminator must
// be inside the buffer.
func (c *cursor) cstring(off uint64) (string, error) {
	return c.cstringWithin(off, c.len())
}

// cstringWithin is like cstring but the terminator must be found before end.
func (c *cursor) cstringWithin(off, end uint64) (string, error) {
	if end > c.len() {
		end = c.len()
	}
	if off >= end {
		return "", truncated(off, 1)
	}
	i := bytes.IndexByte(c.data[off:end], 0)
	if i < 0 {
		return "", malformed("string", off, "missing NUL terminator before 0x%x", end)
	}
	return string(c.data[off : off+uint64(i)]), nil
}

func (c *cursor) seek(off uint64) {
	c.pos = off
}

func (c *cursor) next8() (uint8, error) {
	v, err := c.u8(c.pos)
	if err == nil {
		c.pos++
	}
	return v, err
}

func (c *cursor) next16() (uint16, error) {
	v, err := c.u16(c.pos)
	if err == nil {
		c.pos += 2
	}
	return v, err
}

func (c *cursor) next32() (uint32, error) {
	v, err := c.u32(c.pos)
	if err == nil {
		c.pos += 4
	}
	return v, err
}

func (c *cursor) next64() (uint64, error) {
	v, err := c.u64(c.pos)
	if err == nil {
		c.pos += 8
	}
	return v, err
}

func (c *cursor) nextWord(is64 bool) (uint64, error) {
	if is64 {
		return c.next64()
	}
	v, err := c.next32()
	return uint64(v), err
}

// nextBytes returns the next n bytes.
func (c *cursor) nextBytes(n uint64) ([]byte, error) {
	b, err := c.bytes(c.pos, n)
	if err == nil {
		c.pos += n
	}
	return b, err
}

// tableExtent returns count*entsize, failing if the product overflows or the
// table starting at off does not fit in the buffer.
func (c *cursor) tableExtent(off, count, entsize uint64) (uint64, error) {
	if entsize != 0 && count > (^uint64(0))/entsize {
		return 0, malformed("table", off, "%d entries of %d bytes overflow", count, entsize)
	}
	n := count * entsize
	if err := c.check(off, n); err != nil {
		return 0, err
	}
	return n, nil
}

// strtab is a handle to a string table: a contiguous region of NUL terminated
// strings addressed by offset. Strings are read on demand.
type strtab struct {
	c    *cursor
	off  uint64
	size uint64
}

func newStrtab(c *cursor, off, size uint64) (strtab, error) {
	if err := c.check(off, size); err != nil {
		return strtab{}, err
	}
	return strtab{c: c, off: off, size: size}, nil
}

// lookup returns the string starting at index i of the table.
func (t strtab) lookup(i uint64) (string, error) {
	if t.c == nil || t.size == 0 {
		if i == 0 {
			return "", nil
		}
		return "", malformed("string table index", t.off, "index %d into an empty string table", i)
	}
	if i >= t.size {
		return "", malformed("string table index", t.off, "index %d outside table of %d bytes", i, t.size)
	}
	return t.c.cstringWithin(t.off+i, t.off+t.size)
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
