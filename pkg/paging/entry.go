// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package paging

import (
	"fmt"

	"gvisor.dev/xlat/pkg/bits"
)

// Page-table entry bits shared by every paging mode.
const (
	PTEPresent      = 1 << 0
	PTEWritable     = 1 << 1
	PTEUser         = 1 << 2
	PTEWriteThrough = 1 << 3
	PTECacheDisable = 1 << 4
	PTEAccessed     = 1 << 5
	PTEDirty        = 1 << 6
	PTEPageSize     = 1 << 7
	PTEGlobal       = 1 << 8

	// PTEPAT is the PAT bit of a 4K entry. In large page entries the PAT
	// bit moves to PTELargePAT since bit 7 is the page size.
	PTEPAT      = 1 << 7
	PTELargePAT = 1 << 12

	// PTENoExecute is only defined for 64-bit entries.
	PTENoExecute = uint64(1) << 63
)

// EPT entry bits.
const (
	EPTRead          = 1 << 0
	EPTWrite         = 1 << 1
	EPTExecute       = 1 << 2
	EPTMemTypeShift  = 3
	EPTIgnorePAT     = 1 << 6
	EPTPageSize      = 1 << 7
	eptAccessMask    = EPTRead | EPTWrite | EPTExecute
	eptWriteOnly     = EPTWrite
	eptWriteExecute  = EPTWrite | EPTExecute
	eptMemTypeMask   = 7
)

const (
	// frameMask extracts the physical address from a 64-bit entry.
	frameMask = 0x000ffffffffff000

	// legacyFrameMask extracts the physical address from a 32-bit entry.
	legacyFrameMask = 0xfffff000

	// frame2MMask and frame1GMask extract large page frames.
	frame2MMask = 0x000fffffffe00000
	frame1GMask = 0x000fffffc0000000

	// cr3PAEMask is the PDPT base in legacy PAE mode.
	cr3PAEMask = 0xffffffe0

	// pdpteReservedBits are always reserved in a legacy PAE PDPTE.
	pdpteReservedBits = 0xFFF00000000001E6

	// pde2MReservedBits and pdpte1GReservedBits cover the bits between the
	// PAT bit and the large frame.
	pde2MReservedBits   = 0x001FE000
	pdpte1GReservedBits = 0x3FFFE000

	// legacyPAEHighReserved are bits 62:52, reserved outside long mode.
	legacyPAEHighReserved = 0x7ff0000000000000

	// combinedInitial is the U/S and R/W state before any level narrows it.
	combinedInitial = PTEUser | PTEWritable
)

// Large page offsets.
const (
	lpfMask4K = 0xfff
	lpfMask2M = 0x1fffff
	lpfMask4M = 0x3fffff
	lpfMask1G = 0x3fffffff
)

// Level identifies a paging structure level. Long mode walks start at
// LevelPML4; legacy walks start at LevelPDE.
type Level int

// Paging structure levels, numbered as in the hardware documentation.
const (
	LevelPTE Level = iota
	LevelPDE
	LevelPDPE
	LevelPML4
)

var levelNames = [...]string{"PTE", "PDE", "PDPE", "PML4"}

// String implements fmt.Stringer.
func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// reservedMasks are the reserved bit masks that depend on the physical
// address width.
type reservedMasks struct {
	// phys covers bits [width, 51].
	phys    uint64
	pdpte   uint64
	pde2M   uint64
	pdpte1G uint64
	pde4M   uint64
}

// makeReservedMasks computes the masks for a physical address width in bits.
func makeReservedMasks(width uint) reservedMasks {
	if width < 32 {
		width = 32
	}
	phys := bits.Range64(int(width), 51)
	r := reservedMasks{
		phys:    phys,
		pdpte:   phys | pdpteReservedBits,
		pde2M:   phys | pde2MReservedBits,
		pdpte1G: phys | pdpte1GReservedBits,
	}
	// A 4M PDE holds physical address bits 32 and up in bits 13..20. Bit 21
	// is always reserved; the rest are reserved above the address width.
	if width < 41 {
		r.pde4M = ((uint64(1) << (41 - width)) - 1) << (13 + width - 32)
	}
	return r
}

// entryFlags renders the debugger's flag letters for a paging entry.
func entryFlags(level Level, entry uint64) string {
	pick := func(bit uint64, on, off string) string {
		if bits.IsOn(entry, bit) {
			return on
		}
		return off
	}
	var s string
	switch {
	case level == LevelPTE:
		s = fmt.Sprintf("    %s %s %s", pick(PTEGlobal, "G", "g"), pick(PTEPAT, "PAT", "pat"), pick(PTEDirty, "D", "d"))
	case entry&PTEPageSize != 0:
		s = fmt.Sprintf(" PS %s %s %s", pick(PTEGlobal, "G", "g"), pick(PTELargePAT, "PAT", "pat"), pick(PTEDirty, "D", "d"))
	default:
		s = " ps        "
	}
	return s + fmt.Sprintf(" %s %s %s %s %s %s",
		pick(PTEAccessed, "A", "a"),
		pick(PTECacheDisable, "PCD", "pcd"),
		pick(PTEWriteThrough, "PWT", "pwt"),
		pick(PTEUser, "U", "S"),
		pick(PTEWritable, "W", "R"),
		pick(PTEPresent, "P", "p"))
}

// eptEntryFlags renders the debugger's flag letters for an EPT entry.
func eptEntryFlags(level Level, entry uint64) string {
	ps := "   "
	if level != LevelPTE && entry&EPTPageSize != 0 {
		ps = " PS"
	}
	pick := func(bit uint64, on, off string) string {
		if bits.IsOn(entry, bit) {
			return on
		}
		return off
	}
	return fmt.Sprintf("%s %s %s %s", ps, pick(EPTExecute, "E", "e"), pick(EPTWrite, "W", "w"), pick(EPTRead, "R", "r"))
}
