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

// access is a decoded translation request.
type access struct {
	laddr   uint64
	user    bool
	write   bool
	execute bool
	at      hostarch.AccessType
}

func makeAccess(laddr uint64, cpl int, at hostarch.AccessType) access {
	return access{
		laddr:   laddr,
		user:    cpl == 3,
		write:   at.Write,
		execute: at.Execute && !at.Write,
		at:      at,
	}
}

// walkResult is the outcome of a successful walk.
type walkResult struct {
	// ppf is the physical frame of the 4K page containing laddr.
	ppf uint64

	// lpfMask is the mapping page size minus one.
	lpfMask uint64

	// combined holds the effective U/S and R/W bits, plus PTEGlobal when
	// global pages are enabled and the leaf is global.
	combined uint64
}

// pageFault builds the #PF for a failed walk.
func (m *MMU) pageFault(code uint32, a access) *PageFault {
	if a.user {
		code |= FaultUser
	}
	if a.write {
		code |= FaultWrite
	}
	if a.execute && m.paeEnabled() && m.state.NoExecute() {
		code |= FaultInstruction
	}
	return &PageFault{Addr: a.laddr, Code: code, Access: a.at, User: a.user}
}

// tableAddress maps the guest physical address of a paging entry to the
// address it is read from. With EPT enabled this is a nested translation.
func (m *MMU) tableAddress(addr uint64, a access) (uint64, error) {
	if !m.eptEnabled() {
		return addr, nil
	}
	return m.translateGuestPhysical(addr, a.laddr, true, true, hostarch.Read)
}

// walk dispatches to the walker for the current mode. Paging must be
// enabled.
func (m *MMU) walk(mode Mode, a access) (walkResult, error) {
	if log.IsLogging(log.Debug) {
		log.Debugf("paging: %s walk for %#x (%s, user=%t)", mode, a.laddr, a.at, a.user)
	}
	switch mode {
	case ModeLong:
		return m.walkLong(a)
	case ModePAE:
		return m.walkPAE(a)
	default:
		return m.walkLegacy(a)
	}
}

// walkLegacy translates through 32-bit paging structures.
func (m *MMU) walkLegacy(a access) (walkResult, error) {
	wp := m.state.WriteProtect()

	pdeAddr, err := m.tableAddress(m.state.CR3&legacyFrameMask|(a.laddr&0xffc00000)>>20, a)
	if err != nil {
		return walkResult{}, err
	}
	pde := m.read32(pdeAddr)
	if pde&PTEPresent == 0 {
		return walkResult{}, m.pageFault(FaultNotPresent, a)
	}

	if pde&PTEPageSize != 0 && m.pseEnabled() {
		if pde&m.reserved.pde4M != 0 {
			return walkResult{}, m.pageFault(FaultReserved|FaultProtection, a)
		}

		// The PDE alone decides the access.
		combined := pde & (PTEUser | PTEWritable)
		if !allowed(m.level, wp, a.user, combined, a.write) {
			return walkResult{}, m.pageFault(FaultProtection, a)
		}
		if m.pgeEnabled() {
			combined |= pde & PTEGlobal
		}

		if pde&PTEAccessed == 0 || (a.write && pde&PTEDirty == 0) {
			pde |= PTEAccessed
			if a.write {
				pde |= PTEDirty
			}
			m.write32(pdeAddr, pde)
		}

		// Bits 13..20 of the PDE supply physical address bits 32..39.
		ppf := pde&0xffc00000 | a.laddr&0x3ff000 | (pde&0x3fe000)<<19
		return walkResult{ppf: ppf, lpfMask: lpfMask4M, combined: combined}, nil
	}

	pteAddr, err := m.tableAddress(pde&legacyFrameMask|(a.laddr&0x3ff000)>>10, a)
	if err != nil {
		return walkResult{}, err
	}
	pte := m.read32(pteAddr)
	if pte&PTEPresent == 0 {
		return walkResult{}, m.pageFault(FaultNotPresent, a)
	}

	combined := combineLegacy(m.level, pde, pte)
	if !allowed(m.level, wp, a.user, combined, a.write) {
		return walkResult{}, m.pageFault(FaultProtection, a)
	}
	if m.pgeEnabled() {
		combined |= pte & PTEGlobal
	}

	if pde&PTEAccessed == 0 {
		pde |= PTEAccessed
		m.write32(pdeAddr, pde)
	}
	if pte&PTEAccessed == 0 || (a.write && pte&PTEDirty == 0) {
		pte |= PTEAccessed
		if a.write {
			pte |= PTEDirty
		}
		m.write32(pteAddr, pte)
	}

	return walkResult{ppf: pte & legacyFrameMask, lpfMask: lpfMask4K, combined: combined}, nil
}

// debugEntry logs why an entry stopped a walk.
func (m *MMU) debugEntry(level Level, entry uint64, msg string) {
	if log.IsLogging(log.Debug) {
		log.Debugf("paging: %s %#016x: %s", level, entry, msg)
	}
}
