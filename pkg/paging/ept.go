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
	"gvisor.dev/xlat/pkg/hostarch"
	"gvisor.dev/xlat/pkg/log"
)

// eptAccess returns the EPT permission bits an access needs. A
// read-modify-write needs both read and write.
func eptAccess(at hostarch.AccessType) uint64 {
	var mask uint64
	switch {
	case at.Execute && !at.Write:
		mask = EPTExecute
	case at.Write:
		mask = EPTWrite
		if at.Read {
			mask |= EPTRead
		}
	default:
		mask = EPTRead
	}
	return mask
}

// validEPTMemType reports whether t is a memory type EPT entries may use:
// UC, WC, WT, WP or WB.
func validEPTMemType(t uint64) bool {
	return hostarch.MemoryType(t).Valid()
}

// translateGuestPhysical maps a guest physical address to a host physical
// address through the EPT. gla is the guest linear address behind the access
// when glaValid is set; isWalk marks accesses made by a guest page walk.
func (m *MMU) translateGuestPhysical(gpa, gla uint64, glaValid, isWalk bool, at hostarch.AccessType) (uint64, error) {
	need := eptAccess(at)
	gpf := hostarch.PageRoundDown(gpa)

	if e := m.eptTLB.slot(gpf); e.matches(gpf) && uint64(e.accessBits)&need == need {
		return e.ppf | hostarch.PageOffset(gpa), nil
	}

	eptWalks.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("paging: EPT walk for guest physical %#x", gpa)
	}

	var (
		base     = hostarch.PageRoundDown(m.state.EPT.Pointer)
		combined = uint64(eptAccessMask)
		ppf      uint64
		failed   bool
		kind     EPTFaultKind
	)

	maxLarge := LevelPDE
	if m.has1GPages() {
		maxLarge = LevelPDPE
	}

walk:
	for leaf := LevelPML4; ; leaf-- {
		e := m.read64(base + (gpa>>(9+9*uint(leaf)))&0xff8)
		perm := e & eptAccessMask
		combined &= perm

		switch {
		case perm == 0:
			m.debugEPTEntry(leaf, e, "not present")
			failed, kind = true, EPTViolation
			break walk
		case perm == eptWriteOnly || perm == eptWriteExecute:
			m.debugEPTEntry(leaf, e, "illegal access mask")
			failed, kind = true, EPTMisconfiguration
			break walk
		case !validEPTMemType((e >> EPTMemTypeShift) & eptMemTypeMask):
			m.debugEPTEntry(leaf, e, "illegal memory type")
			failed, kind = true, EPTMisconfiguration
			break walk
		case e&m.reserved.phys != 0:
			m.debugEPTEntry(leaf, e, "reserved bit set")
			failed, kind = true, EPTMisconfiguration
			break walk
		}

		base = e & frameMask
		if leaf == LevelPTE {
			ppf = base
			break
		}
		if e&EPTPageSize == 0 {
			continue
		}

		if leaf > maxLarge {
			m.debugEPTEntry(leaf, e, "PS bit set")
			failed, kind = true, EPTMisconfiguration
			break
		}
		if leaf == LevelPDPE {
			if e&m.reserved.pdpte1G != 0 {
				m.debugEPTEntry(leaf, e, "reserved bit set in 1G page")
				failed, kind = true, EPTMisconfiguration
				break
			}
			ppf = e&frame1GMask | gpa&0x3ffff000
			break
		}
		if e&m.reserved.pde2M != 0 {
			m.debugEPTEntry(leaf, e, "reserved bit set in 2M page")
			failed, kind = true, EPTMisconfiguration
			break
		}
		ppf = e&frame2MMask | gpa&0x1ff000
		break
	}

	if !failed && combined&need != need {
		failed, kind = true, EPTViolation
	}
	if failed {
		f := &EPTFault{
			Kind:          kind,
			GuestPhysical: gpa,
			Qualification: uint32(need | combined<<3),
		}
		if glaValid {
			f.GuestLinear = gla
			f.GuestLinearValid = true
			f.Qualification |= EPTQualGuestLinearValid
			if isWalk {
				f.Qualification |= EPTQualPageWalk
			}
		}
		return 0, f
	}

	e := m.eptTLB.slot(gpf)
	e.lpf = gpf
	e.ppf = ppf
	e.lpfMask = lpfMask4K
	e.accessBits = uint32(combined)
	return ppf | hostarch.PageOffset(gpa), nil
}

// InvalidateEPT drops every cached guest physical translation, as INVEPT
// does. Linear translations were computed through the old EPT tables, so
// the TLB is flushed as well.
func (m *MMU) InvalidateEPT() {
	tlbFlushes.Increment("ept")
	m.eptTLB.flush()
	m.Flush()
}

func (m *MMU) debugEPTEntry(level Level, entry uint64, msg string) {
	if log.IsLogging(log.Debug) {
		log.Debugf("paging: EPT %s %#016x: %s", level, entry, msg)
	}
}
