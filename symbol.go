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

import "errors"

var ErrSymbolNotFound = errors.New("symbol not found")

// Binding is the linkage of a symbol.
type Binding uint8

const (
	BindingUnknown Binding = iota
	BindingLocal
	BindingGlobal
	BindingWeak
	// BindingImport marks undefined symbols resolved from another module.
	BindingImport
)

func (b Binding) String() string {
	switch b {
	case BindingLocal:
		return "local"
	case BindingGlobal:
		return "global"
	case BindingWeak:
		return "weak"
	case BindingImport:
		return "import"
	}
	return "unknown"
}

// SymbolType classifies what a symbol refers to.
type SymbolType uint8

const (
	SymbolNoType SymbolType = iota
	SymbolObject
	SymbolFunc
	SymbolSection
	SymbolFile
	SymbolCommon
	SymbolTLS
	// SymbolDebug is a debugger entry, such as a Mach-O stab.
	SymbolDebug
	SymbolUnknown
)

func (t SymbolType) String() string {
	switch t {
	case SymbolNoType:
		return "notype"
	case SymbolObject:
		return "object"
	case SymbolFunc:
		return "func"
	case SymbolSection:
		return "section"
	case SymbolFile:
		return "file"
	case SymbolCommon:
		return "common"
	case SymbolTLS:
		return "tls"
	case SymbolDebug:
		return "debug"
	}
	return "unknown"
}

// Symbol is a format independent symbol.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	// Section is the index into File.Sections of the section the symbol is
	// defined in, or NoSection.
	Section int
	Binding Binding
	Type    SymbolType
	// Library is the module an imported or forwarded symbol comes from, if
	// the format records it.
	Library string
}

// Symbol returns the first symbol with the given name.
func (f *File) Symbol(name string) (Symbol, error) {
	i, ok := f.symbolIndex()[name]
	if !ok {
		return Symbol{}, ErrSymbolNotFound
	}
	return f.Symbols[i], nil
}

func (f *File) buildSymbolIndex() map[string]int {
	m := make(map[string]int, len(f.Symbols))
	for i, s := range f.Symbols {
		if s.Name == "" {
			continue
		}
		if _, ok := m[s.Name]; !ok {
			m[s.Name] = i
		}
	}
	return m
}
