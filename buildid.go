// Copyright 2019 The GoRE.tk Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package execfile

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	goNoteNameELF  = []byte("Go\x00\x00")
	goNoteRawStart = []byte("\xff Go build ID: \"")
	goNoteRawEnd   = []byte("\"\n \xff")
)

const (
	goNoteSectionELF = ".note.go.buildid"
	goNoteTypeELF    = 4
)

// GoBuildID returns the build ID the Go linker embedded in the file. ELF
// files carry it in a note, other formats at the start of the text section.
// Universal binaries have one per slice. ErrNoBuildID is returned if the file
// has none.
func (f *File) GoBuildID() (string, error) {
	if f.Format == FormatELF {
		data, err := f.SectionData(goNoteSectionELF)
		if err == nil {
			return parseBuildIDFromElf(data, f.ByteOrder)
		}
		if !errors.Is(err, ErrSectionDoesNotExist) {
			return "", err
		}
	}
	for _, name := range []string{".text", "__text"} {
		data, err := f.SectionData(name)
		if errors.Is(err, ErrSectionDoesNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return parseBuildIDFromRaw(data)
	}
	return "", ErrNoBuildID
}

func parseBuildIDFromElf(data []byte, byteOrder binary.ByteOrder) (string, error) {
	c := newCursor(data, byteOrder)
	c.seek(0)
	nameLen, err := c.next32()
	if err != nil {
		return "", annotate(err, FormatELF, "build ID note name length")
	}
	idLen, err := c.next32()
	if err != nil {
		return "", annotate(err, FormatELF, "build ID note length")
	}
	tag, err := c.next32()
	if err != nil {
		return "", annotate(err, FormatELF, "build ID note tag")
	}
	if tag != goNoteTypeELF {
		return "", malformed("build ID note tag", 8, "tag 0x%x parsed", tag)
	}

	noteName, err := c.nextBytes(uint64(nameLen))
	if err != nil {
		return "", annotate(err, FormatELF, "build ID note name")
	}
	if !bytes.Equal(noteName, goNoteNameELF) {
		return "", malformed("build ID note name", 12, "note name %q not as expected", noteName)
	}
	id, err := c.nextBytes(uint64(idLen))
	if err != nil {
		return "", annotate(err, FormatELF, "build ID")
	}
	return string(id), nil
}

func parseBuildIDFromRaw(data []byte) (string, error) {
	idx := bytes.Index(data, goNoteRawStart)
	if idx < 0 {
		return "", ErrNoBuildID
	}
	start := idx + len(goNoteRawStart)
	end := bytes.Index(data[start:], goNoteRawEnd)
	if end < 0 {
		return "", malformed("build ID", uint64(start), "missing end marker")
	}
	return string(data[start : start+end]), nil
}
