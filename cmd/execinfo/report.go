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

package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/goretk/execfile"
	"gopkg.in/yaml.v2"
)

type report struct {
	File      string          `json:"file" yaml:"file"`
	Format    string          `json:"format" yaml:"format"`
	Arch      string          `json:"arch,omitempty" yaml:"arch,omitempty"`
	Bits      int             `json:"bits,omitempty" yaml:"bits,omitempty"`
	ByteOrder string          `json:"byte_order" yaml:"byte_order"`
	Entry     string          `json:"entry,omitempty" yaml:"entry,omitempty"`
	ImageBase string          `json:"image_base,omitempty" yaml:"image_base,omitempty"`
	Sections  []sectionReport `json:"sections,omitempty" yaml:"sections,omitempty"`
	Libraries []string        `json:"libraries,omitempty" yaml:"libraries,omitempty"`
	Symbols   []symbolReport  `json:"symbols,omitempty" yaml:"symbols,omitempty"`
	GoBuildID string          `json:"go_build_id,omitempty" yaml:"go_build_id,omitempty"`
	GoVersion string          `json:"go_version,omitempty" yaml:"go_version,omitempty"`
	GoPath    string          `json:"go_path,omitempty" yaml:"go_path,omitempty"`
	Version   *versionReport  `json:"version,omitempty" yaml:"version,omitempty"`
	Slices    []sliceReport   `json:"slices,omitempty" yaml:"slices,omitempty"`
}

// versionReport carries the RT_VERSION resource of PE files.
type versionReport struct {
	FileVersion    string            `json:"file_version,omitempty" yaml:"file_version,omitempty"`
	ProductVersion string            `json:"product_version,omitempty" yaml:"product_version,omitempty"`
	Strings        map[string]string `json:"strings,omitempty" yaml:"strings,omitempty"`
}

type sectionReport struct {
	Name   string `json:"name" yaml:"name"`
	Addr   string `json:"addr" yaml:"addr"`
	Size   uint64 `json:"size" yaml:"size"`
	Offset string `json:"offset" yaml:"offset"`
}

type symbolReport struct {
	Name    string `json:"name" yaml:"name"`
	Value   string `json:"value" yaml:"value"`
	Binding string `json:"binding" yaml:"binding"`
	Type    string `json:"type" yaml:"type"`
	Library string `json:"library,omitempty" yaml:"library,omitempty"`
}

type sliceReport struct {
	Arch   string  `json:"arch" yaml:"arch"`
	Offset string  `json:"offset" yaml:"offset"`
	Size   uint64  `json:"size" yaml:"size"`
	Error  string  `json:"error,omitempty" yaml:"error,omitempty"`
	Report *report `json:"report,omitempty" yaml:"report,omitempty"`
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

func newReport(name string, f *execfile.File, symbols, goInfo bool) *report {
	r := &report{
		File:   name,
		Format: f.Format.String(),
		Arch:   f.Arch,
		Bits:   f.Bits,
	}
	switch f.ByteOrder {
	case binary.LittleEndian:
		r.ByteOrder = "little"
	case binary.BigEndian:
		r.ByteOrder = "big"
	}

	if f.Format == execfile.FormatMachOFat {
		for _, sl := range f.Slices {
			sr := sliceReport{Arch: sl.Arch, Offset: hex(sl.Offset), Size: sl.Size}
			if sl.Err != nil {
				sr.Error = sl.Err.Error()
			} else {
				sr.Report = newReport(name, sl.File, symbols, goInfo)
				sr.Report.File = ""
			}
			r.Slices = append(r.Slices, sr)
		}
		return r
	}

	r.Entry = hex(f.Entry)
	if f.ImageBase != 0 {
		r.ImageBase = hex(f.ImageBase)
	}
	for _, s := range f.Sections {
		r.Sections = append(r.Sections, sectionReport{Name: s.Name, Addr: hex(s.Addr), Size: s.Size, Offset: hex(s.Offset)})
	}
	r.Libraries = f.Libraries
	if pf, ok := f.Raw().(*execfile.PEFile); ok {
		r.Version = peVersion(pf)
	}
	if symbols {
		for _, s := range f.Symbols {
			r.Symbols = append(r.Symbols, symbolReport{
				Name:    s.Name,
				Value:   hex(s.Value),
				Binding: s.Binding.String(),
				Type:    s.Type.String(),
				Library: s.Library,
			})
		}
	}
	if goInfo {
		if id, err := f.GoBuildID(); err == nil {
			r.GoBuildID = id
		}
		if bi, err := f.GoBuildInfo(); err == nil {
			r.GoVersion = bi.GoVersion
			r.GoPath = bi.Path
		}
	}
	return r
}

func peVersion(pf *execfile.PEFile) *versionReport {
	vi, err := pf.VersionInfo()
	if err != nil {
		return nil
	}
	v := &versionReport{}
	if vi.Fixed != nil {
		v.FileVersion = vi.Fixed.FileVersion()
		v.ProductVersion = vi.Fixed.ProductVersion()
	}
	for _, t := range vi.StringTables {
		for _, s := range t.Strings {
			if v.Strings == nil {
				v.Strings = make(map[string]string)
			}
			if _, dup := v.Strings[s.Key]; !dup {
				v.Strings[s.Key] = s.Value
			}
		}
	}
	return v
}

func writeReports(w io.Writer, output string, reports []*report) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case "yaml":
		b, err := yaml.Marshal(reports)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := writeText(w, r, ""); err != nil {
			return err
		}
	}
	return nil
}

func writeText(w io.Writer, r *report, indent string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s%s:\t%s\n", indent, k, v)
		}
	}
	line("File", r.File)
	line("Format", r.Format)
	line("Arch", r.Arch)
	if r.Bits != 0 {
		line("Bits", fmt.Sprint(r.Bits))
	}
	line("Byte order", r.ByteOrder)
	line("Entry", r.Entry)
	line("Image base", r.ImageBase)
	line("Go build ID", r.GoBuildID)
	line("Go version", r.GoVersion)
	line("Go path", r.GoPath)
	if len(r.Libraries) > 0 {
		line("Libraries", strings.Join(r.Libraries, ", "))
	}
	if r.Version != nil {
		line("File version", r.Version.FileVersion)
		line("Product version", r.Version.ProductVersion)
		keys := make([]string, 0, len(r.Version.Strings))
		for k := range r.Version.Strings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line(k, r.Version.Strings[k])
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Sections) > 0 {
		fmt.Fprintf(w, "%sSections:\n", indent)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, s := range r.Sections {
			fmt.Fprintf(tw, "%s  %s\t%s\t%d\t%s\n", indent, s.Name, s.Addr, s.Size, s.Offset)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if len(r.Symbols) > 0 {
		fmt.Fprintf(w, "%sSymbols:\n", indent)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, s := range r.Symbols {
			fmt.Fprintf(tw, "%s  %s\t%s\t%s\t%s\t%s\n", indent, s.Value, s.Binding, s.Type, s.Name, s.Library)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	for _, sl := range r.Slices {
		fmt.Fprintf(w, "%sSlice %s at %s (%d bytes):\n", indent, sl.Arch, sl.Offset, sl.Size)
		if sl.Error != "" {
			fmt.Fprintf(w, "%s  error: %s\n", indent, sl.Error)
			continue
		}
		if err := writeText(w, sl.Report, indent+"  "); err != nil {
			return err
		}
	}
	return nil
}
