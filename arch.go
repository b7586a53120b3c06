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
	"fmt"

	"github.com/blacktop/go-macho/types"
)

const (
	// Arch386 is the string for the x86 architecture.
	Arch386 = "i386"
	// ArchAMD64 is the string for the x86-64 architecture.
	ArchAMD64 = "amd64"
	// ArchARM is the string for the 32-bit ARM architecture.
	ArchARM = "arm"
	// ArchARM64 is the string for the ARM64 architecture.
	ArchARM64 = "arm64"
	// ArchPPC is the string for the 32-bit PowerPC architecture.
	ArchPPC = "ppc"
	// ArchPPC64 is the string for the 64-bit PowerPC architecture.
	ArchPPC64 = "ppc64"
	// ArchMIPS is the string for the MIPS architecture.
	ArchMIPS = "mips"
	// ArchRISCV is the string for the RISC-V architecture.
	ArchRISCV = "riscv"
	// ArchS390 is the string for the IBM Z architecture.
	ArchS390 = "s390"
	// ArchLoong64 is the string for the LoongArch architecture.
	ArchLoong64 = "loong64"
	// ArchIA64 is the string for the Itanium architecture.
	ArchIA64 = "ia64"
)

// Machines without a name above keep the format's own name for them.

func elfArch(m elf.Machine) string {
	switch m {
	case elf.EM_386:
		return Arch386
	case elf.EM_X86_64:
		return ArchAMD64
	case elf.EM_ARM:
		return ArchARM
	case elf.EM_AARCH64:
		return ArchARM64
	case elf.EM_PPC:
		return ArchPPC
	case elf.EM_PPC64:
		return ArchPPC64
	case elf.EM_MIPS, elf.EM_MIPS_RS3_LE:
		return ArchMIPS
	case elf.EM_RISCV:
		return ArchRISCV
	case elf.EM_S390:
		return ArchS390
	case elf.EM_LOONGARCH:
		return ArchLoong64
	case elf.EM_IA_64:
		return ArchIA64
	}
	return m.String()
}

func peArch(m uint16) string {
	switch m {
	case pe.IMAGE_FILE_MACHINE_I386:
		return Arch386
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return ArchAMD64
	case pe.IMAGE_FILE_MACHINE_ARM, pe.IMAGE_FILE_MACHINE_ARMNT, pe.IMAGE_FILE_MACHINE_THUMB:
		return ArchARM
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return ArchARM64
	case pe.IMAGE_FILE_MACHINE_POWERPC, pe.IMAGE_FILE_MACHINE_POWERPCFP:
		return ArchPPC
	case pe.IMAGE_FILE_MACHINE_RISCV32, pe.IMAGE_FILE_MACHINE_RISCV64, pe.IMAGE_FILE_MACHINE_RISCV128:
		return ArchRISCV
	case pe.IMAGE_FILE_MACHINE_LOONGARCH64:
		return ArchLoong64
	case pe.IMAGE_FILE_MACHINE_IA64:
		return ArchIA64
	case pe.IMAGE_FILE_MACHINE_R4000, pe.IMAGE_FILE_MACHINE_MIPS16, pe.IMAGE_FILE_MACHINE_MIPSFPU, pe.IMAGE_FILE_MACHINE_MIPSFPU16:
		return ArchMIPS
	}
	return fmt.Sprintf("pe-machine-0x%x", m)
}

func machoArch(cpu types.CPU) string {
	switch cpu {
	case types.CPUI386:
		return Arch386
	case types.CPUAmd64:
		return ArchAMD64
	case types.CPUArm:
		return ArchARM
	case types.CPUArm64:
		return ArchARM64
	case types.CPUPpc:
		return ArchPPC
	case types.CPUPpc64:
		return ArchPPC64
	}
	return cpu.String()
}
