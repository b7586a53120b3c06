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
	"errors"
	"fmt"
)

var (
	// ErrUnknownFormat is returned if no known magic number matches the input.
	ErrUnknownFormat = errors.New("unknown file format")
	// ErrTruncated is returned if a read would go past the end of the input.
	ErrTruncated = errors.New("truncated input")
	// ErrMalformedField is returned if a field holds a structurally invalid value.
	ErrMalformedField = errors.New("malformed field")
	// ErrUnsupportedVariant is returned for a recognized format in a version or
	// class that is not supported.
	ErrUnsupportedVariant = errors.New("unsupported variant")
	// ErrSectionDoesNotExist is returned when accessing a section that does not exist.
	ErrSectionDoesNotExist = errors.New("section does not exist")
	// ErrNoBuildID is returned if the file carries no Go build ID.
	ErrNoBuildID = errors.New("no Go build ID found")
	// ErrNoBuildInfo is returned if the file has no Go build information available.
	ErrNoBuildInfo = errors.New("no build info available")
	// ErrNoVersionInfo is returned if a PE image has no version resource.
	ErrNoVersionInfo = errors.New("no version info resource")
)

// DecodeError describes why a parse failed. Kind is one of ErrUnknownFormat,
// ErrTruncated, ErrMalformedField or ErrUnsupportedVariant and is what
// errors.Is matches against.
type DecodeError struct {
	Kind   error
	Format Format
	// Field names the structure member that failed to decode, if any.
	Field string
	// Offset is the file offset of the failing read or field.
	Offset uint64
	// Length is the number of bytes requested. Only set for ErrTruncated.
	Length uint64
	Reason string
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Format != FormatUnknown {
		msg = e.Format.String() + ": " + msg
	}
	if e.Field != "" {
		msg += " in " + e.Field
	}
	if e.Kind == ErrTruncated {
		msg += fmt.Sprintf(" (reading %d bytes at 0x%x)", e.Length, e.Offset)
	} else {
		msg += fmt.Sprintf(" at 0x%x", e.Offset)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

func truncated(off, n uint64) *DecodeError {
	return &DecodeError{Kind: ErrTruncated, Offset: off, Length: n}
}

func malformed(field string, off uint64, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: ErrMalformedField, Field: field, Offset: off, Reason: fmt.Sprintf(format, args...)}
}

func unsupported(field string, off uint64, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: ErrUnsupportedVariant, Field: field, Offset: off, Reason: fmt.Sprintf(format, args...)}
}

// annotate fills in the format and field of a DecodeError that was raised by
// a lower layer without that context. Other errors are returned unchanged.
func annotate(err error, format Format, field string) error {
	var de *DecodeError
	if !errors.As(err, &de) {
		return err
	}
	if de.Format == FormatUnknown {
		de.Format = format
	}
	if de.Field == "" {
		de.Field = field
	}
	return err
}
