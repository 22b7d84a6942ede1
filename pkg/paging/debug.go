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
	"io"

	"gvisor.dev/xlat/pkg/hostarch"
)

// debugVisitor sees every entry a debug walk reads. ept is set for EPT
// entries.
type debugVisitor func(ept bool, level Level, entry uint64)

// DebugTranslate translates laddr for a debugger. It consults the TLB, then
// walks the tables without checking permissions, updating accessed bits or
// raising faults. ok is false if laddr is not mapped.
func (m *MMU) DebugTranslate(laddr uint64) (paddr uint64, ok bool) {
	if m.state.PagingEnabled() {
		lpf := hostarch.PageRoundDown(laddr)
		if e := m.tlb.slot(lpf); e.matches(lpf) {
			return e.ppf | hostarch.PageOffset(laddr), true
		}
	}
	return m.debugWalk(laddr, nil)
}

// DumpWalk writes every paging entry used to translate laddr to w, one per
// line, with the flag letters of the hardware documentation (upper case
// when set), followed by the resulting physical address.
func (m *MMU) DumpWalk(w io.Writer, laddr uint64) error {
	ew := &errWriter{w: w}
	ew.printf("linear %#x, %s paging\n", laddr, m.Mode())
	paddr, ok := m.debugWalk(laddr, func(ept bool, level Level, entry uint64) {
		if ept {
			ew.printf("EPT %4s: %#016x%s\n", level, entry, eptEntryFlags(level, entry))
		} else {
			ew.printf("%4s: %#016x%s\n", level, entry, entryFlags(level, entry))
		}
	})
	if ok {
		ew.printf("physical %#x\n", paddr)
	} else {
		ew.printf("not mapped\n")
	}
	return ew.err
}

// errWriter remembers the first write error.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, v ...any) {
	if ew.err == nil {
		_, ew.err = fmt.Fprintf(ew.w, format, v...)
	}
}

// debugWalk is the side-effect free walk behind DebugTranslate and
// DumpWalk.
func (m *MMU) debugWalk(laddr uint64, visit debugVisitor) (uint64, bool) {
	var (
		paddr uint64
		ok    bool
	)
	switch m.Mode() {
	case ModeNone:
		paddr, ok = laddr, true
	case ModeLegacy:
		paddr, ok = m.debugWalkLegacy(laddr, visit)
	default:
		paddr, ok = m.debugWalkPAE(laddr, visit)
	}
	if !ok {
		return 0, false
	}
	if m.eptEnabled() {
		return m.debugGuestPhysical(paddr, visit)
	}
	return paddr, true
}

func (m *MMU) debugWalkLegacy(laddr uint64, visit debugVisitor) (uint64, bool) {
	offsetMask := uint64(lpfMask4K)
	pt := m.state.CR3 & legacyFrameMask
	for level := LevelPDE; level >= LevelPTE; level-- {
		addr := pt + (laddr>>(10+10*uint(level)))&0xffc
		if m.eptEnabled() {
			var ok bool
			if addr, ok = m.debugGuestPhysical(addr, visit); !ok {
				return 0, false
			}
		}
		entry := m.read32(addr)
		if visit != nil {
			visit(false, level, entry)
		}
		if entry&PTEPresent == 0 {
			return 0, false
		}
		pt = entry & legacyFrameMask
		if level == LevelPDE && entry&PTEPageSize != 0 && m.pseEnabled() {
			offsetMask = lpfMask4M
			pt = entry&0xffc00000 | (entry&0x3fe000)<<19
			break
		}
	}
	return pt + laddr&offsetMask, true
}

func (m *MMU) debugWalkPAE(laddr uint64, visit debugVisitor) (uint64, bool) {
	offsetMask := uint64(0x0000ffffffffffff)
	pt := m.state.CR3 & cr3Mask
	level := LevelPML4
	if !m.state.LongMode() {
		if !m.pdptr.valid {
			return 0, false
		}
		pdpte := m.pdptr.entries[(laddr>>30)&3]
		if visit != nil {
			visit(false, LevelPDPE, pdpte)
		}
		if pdpte&PTEPresent == 0 {
			return 0, false
		}
		pt = pdpte & frameMask
		offsetMask >>= 18
		level = LevelPDE
	}

	for ; level >= LevelPTE; level-- {
		addr := pt + (laddr>>(9+9*uint(level)))&0xff8
		offsetMask >>= 9
		if m.eptEnabled() {
			var ok bool
			if addr, ok = m.debugGuestPhysical(addr, visit); !ok {
				return 0, false
			}
		}
		entry := m.read64(addr)
		if visit != nil {
			visit(false, level, entry)
		}
		if entry&PTEPresent == 0 || entry&m.reserved.phys != 0 {
			return 0, false
		}
		pt = entry & frameMask
		if level == LevelPTE {
			break
		}
		if entry&PTEPageSize != 0 {
			large := level == LevelPDE || (level == LevelPDPE && m.has1GPages() && m.state.LongMode())
			if !large {
				return 0, false
			}
			// Drop the PAT bit; the rest of the offset bits must be clear.
			pt &^= PTELargePAT
			if pt&offsetMask != 0 {
				return 0, false
			}
			break
		}
	}
	return pt + laddr&offsetMask, true
}

// debugGuestPhysical is the side-effect free EPT walk.
func (m *MMU) debugGuestPhysical(gpa uint64, visit debugVisitor) (uint64, bool) {
	pt := hostarch.PageRoundDown(m.state.EPT.Pointer)
	offsetMask := uint64(0x0000ffffffffffff)

	for level := LevelPML4; level >= LevelPTE; level-- {
		addr := pt + (gpa>>(9+9*uint(level)))&0xff8
		offsetMask >>= 9
		entry := m.read64(addr)
		if visit != nil {
			visit(true, level, entry)
		}
		switch entry & eptAccessMask {
		case 0, eptWriteOnly, eptWriteExecute:
			return 0, false
		}
		if entry&m.reserved.phys != 0 {
			return 0, false
		}
		pt = entry & frameMask
		if level == LevelPTE {
			break
		}
		if entry&EPTPageSize != 0 {
			maxLarge := LevelPDE
			if m.has1GPages() {
				maxLarge = LevelPDPE
			}
			if level > maxLarge {
				return 0, false
			}
			pt &^= PTELargePAT
			if pt&offsetMask != 0 {
				return 0, false
			}
			break
		}
	}
	return pt + gpa&offsetMask, true
}
