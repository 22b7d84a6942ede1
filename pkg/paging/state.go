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

import "fmt"

// Control register and EFER bits that affect translation.
const (
	CR0PE = 1 << 0
	CR0WP = 1 << 16
	CR0CD = 1 << 30
	CR0PG = 1 << 31

	CR4PSE = 1 << 4
	CR4PAE = 1 << 5
	CR4PGE = 1 << 7

	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNXE = 1 << 11

	// cr3Mask is the table base in 32-bit and long mode paging.
	cr3Mask = frameMask
)

// CPULevel is the processor generation being emulated. It selects the
// permission rules and which CR4 paging extensions are honoured.
type CPULevel int

// Supported CPU levels.
const (
	// CPULevel386 has no CR0.WP and ORs the U/S bits of PDE and PTE.
	CPULevel386 CPULevel = 3

	// CPULevel486 adds CR0.WP.
	CPULevel486 CPULevel = 4

	// CPULevel586 adds 4M pages (CR4.PSE).
	CPULevel586 CPULevel = 5

	// CPULevel686 adds PAE, global pages, long mode and EPT.
	CPULevel686 CPULevel = 6
)

// String implements fmt.Stringer.
func (l CPULevel) String() string {
	switch l {
	case CPULevel386, CPULevel486, CPULevel586, CPULevel686:
		return fmt.Sprintf("%d86", int(l))
	default:
		return fmt.Sprintf("CPULevel(%d)", int(l))
	}
}

// ParseCPULevel parses "386" through "686".
func ParseCPULevel(s string) (CPULevel, error) {
	for _, l := range []CPULevel{CPULevel386, CPULevel486, CPULevel586, CPULevel686} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown CPU level %q", s)
}

// Mode is the paging mode in effect.
type Mode int

// Paging modes.
const (
	// ModeNone means paging is disabled; linear equals physical.
	ModeNone Mode = iota

	// ModeLegacy is 32-bit paging with 4-byte entries.
	ModeLegacy

	// ModePAE is legacy PAE paging through the PDPTR cache.
	ModePAE

	// ModeLong is 4-level paging.
	ModeLong
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeLegacy:
		return "legacy"
	case ModePAE:
		return "pae"
	case ModeLong:
		return "long"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// EPTState is the extended page table configuration of a VMX guest.
type EPTState struct {
	// Enabled turns on nested translation of every guest physical address.
	Enabled bool

	// Pointer is the EPTP. Bits 11:0 hold attributes and are ignored.
	Pointer uint64
}

// State is the processor state that translation depends on.
type State struct {
	CR0  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64

	// EPT is the nested translation configuration.
	EPT EPTState
}

// PagingEnabled reports CR0.PG.
func (s *State) PagingEnabled() bool {
	return s.CR0&CR0PG != 0
}

// WriteProtect reports CR0.WP.
func (s *State) WriteProtect() bool {
	return s.CR0&CR0WP != 0
}

// LongMode reports EFER.LMA.
func (s *State) LongMode() bool {
	return s.EFER&EFERLMA != 0
}

// NoExecute reports EFER.NXE.
func (s *State) NoExecute() bool {
	return s.EFER&EFERNXE != 0
}
