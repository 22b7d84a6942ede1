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

// checkEntryPAE validates a 64-bit paging entry. It returns the fault code
// and false if the entry cannot be used. An NX entry on an instruction fetch
// is not an immediate fault; it sets *nxFault so the protection fault is
// raised after the walk completes.
func (m *MMU) checkEntryPAE(level Level, entry, reserved uint64, a access, nxFault *bool) (uint32, bool) {
	if entry&PTEPresent == 0 {
		m.debugEntry(level, entry, "not present")
		return FaultNotPresent, false
	}
	if entry&reserved != 0 {
		m.debugEntry(level, entry, "reserved bit set")
		return FaultReserved | FaultProtection, false
	}
	if !m.state.LongMode() && entry&legacyPAEHighReserved != 0 {
		m.debugEntry(level, entry, "reserved bit set")
		return FaultReserved | FaultProtection, false
	}
	if entry&PTENoExecute != 0 {
		if !m.state.NoExecute() {
			m.debugEntry(level, entry, "NX set with EFER.NXE clear")
			return FaultReserved | FaultProtection, false
		}
		if a.execute {
			*nxFault = true
		}
	}
	return 0, true
}

// walkPAE translates through legacy PAE paging structures, starting from the
// cached PDPTEs.
func (m *MMU) walkPAE(a access) (walkResult, error) {
	var (
		entryAddr [LevelPDE + 1]uint64
		entry     [LevelPDE + 1]uint64
		nxFault   bool
		leaf      = LevelPTE
		res       walkResult
	)

	if !m.pdptr.valid && !m.CheckAndLoadPDPTRs(m.state.CR3) {
		return walkResult{}, ErrPDPTR
	}

	pdpte := m.pdptr.entries[(a.laddr>>30)&3]
	if code, ok := m.checkEntryPAE(LevelPDPE, pdpte, m.reserved.pdpte, a, &nxFault); !ok {
		return walkResult{}, m.pageFault(code, a)
	}

	addr, err := m.tableAddress(pdpte&frameMask|(a.laddr&0x3fe00000)>>18, a)
	if err != nil {
		return walkResult{}, err
	}
	entryAddr[LevelPDE] = addr
	entry[LevelPDE] = m.read64(addr)
	if code, ok := m.checkEntryPAE(LevelPDE, entry[LevelPDE], m.reserved.phys, a, &nxFault); !ok {
		return walkResult{}, m.pageFault(code, a)
	}
	res.combined = combinedInitial & entry[LevelPDE]

	// CR4.PSE does not matter in PAE mode.
	if entry[LevelPDE]&PTEPageSize != 0 {
		if entry[LevelPDE]&m.reserved.pde2M != 0 {
			return walkResult{}, m.pageFault(FaultReserved|FaultProtection, a)
		}
		res.ppf = entry[LevelPDE]&frame2MMask | a.laddr&0x1ff000
		res.lpfMask = lpfMask2M
		leaf = LevelPDE
	} else {
		addr, err := m.tableAddress(entry[LevelPDE]&frameMask|(a.laddr&0x1ff000)>>9, a)
		if err != nil {
			return walkResult{}, err
		}
		entryAddr[LevelPTE] = addr
		entry[LevelPTE] = m.read64(addr)
		if code, ok := m.checkEntryPAE(LevelPTE, entry[LevelPTE], m.reserved.phys, a, &nxFault); !ok {
			return walkResult{}, m.pageFault(code, a)
		}
		res.combined &= entry[LevelPTE]
		res.ppf = entry[LevelPTE] & frameMask
		res.lpfMask = lpfMask4K
	}

	if !allowed(m.level, m.state.WriteProtect(), a.user, res.combined, a.write) || nxFault {
		return walkResult{}, m.pageFault(FaultProtection, a)
	}
	if m.pgeEnabled() {
		res.combined |= entry[leaf] & PTEGlobal
	}

	if leaf == LevelPTE && entry[LevelPDE]&PTEAccessed == 0 {
		entry[LevelPDE] |= PTEAccessed
		m.write64(entryAddr[LevelPDE], entry[LevelPDE])
	}
	m.updateLeaf(entryAddr[leaf], entry[leaf], a.write)
	return res, nil
}

// updateLeaf sets the accessed bit, and the dirty bit for writes, in a
// 64-bit leaf entry if they are not set yet.
func (m *MMU) updateLeaf(addr, entry uint64, write bool) {
	if entry&PTEAccessed != 0 && (!write || entry&PTEDirty != 0) {
		return
	}
	entry |= PTEAccessed
	if write {
		entry |= PTEDirty
	}
	m.write64(addr, entry)
}
