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

// walkLong translates through 4-level long mode paging structures.
func (m *MMU) walkLong(a access) (walkResult, error) {
	var (
		entryAddr [LevelPML4 + 1]uint64
		entry     [LevelPML4 + 1]uint64
		nxFault   bool
		leaf      Level
		res       = walkResult{ppf: m.state.CR3 & cr3Mask, lpfMask: lpfMask4K, combined: combinedInitial}
	)

	for leaf = LevelPML4; ; leaf-- {
		addr, err := m.tableAddress(res.ppf+(a.laddr>>(9+9*uint(leaf)))&0xff8, a)
		if err != nil {
			return walkResult{}, err
		}
		entryAddr[leaf] = addr
		e := m.read64(addr)
		entry[leaf] = e

		if code, ok := m.checkEntryPAE(leaf, e, m.reserved.phys, a, &nxFault); !ok {
			return walkResult{}, m.pageFault(code, a)
		}

		res.combined &= e & (PTEUser | PTEWritable)
		res.ppf = e & frameMask

		if leaf == LevelPTE {
			break
		}
		if e&PTEPageSize == 0 {
			continue
		}

		maxLarge := LevelPDE
		if m.has1GPages() {
			maxLarge = LevelPDPE
		}
		if leaf > maxLarge {
			m.debugEntry(leaf, e, "PS bit set")
			return walkResult{}, m.pageFault(FaultReserved|FaultProtection, a)
		}

		if leaf == LevelPDPE {
			if e&m.reserved.pdpte1G != 0 {
				m.debugEntry(leaf, e, "reserved bit set in 1G page")
				return walkResult{}, m.pageFault(FaultReserved|FaultProtection, a)
			}
			res.ppf = e&frame1GMask | a.laddr&0x3ffff000
			res.lpfMask = lpfMask1G
			break
		}

		// LevelPDE.
		if e&m.reserved.pde2M != 0 {
			m.debugEntry(leaf, e, "reserved bit set in 2M page")
			return walkResult{}, m.pageFault(FaultReserved|FaultProtection, a)
		}
		res.ppf = e&frame2MMask | a.laddr&0x1ff000
		res.lpfMask = lpfMask2M
		break
	}

	if !allowed(m.level, m.state.WriteProtect(), a.user, res.combined, a.write) || nxFault {
		return walkResult{}, m.pageFault(FaultProtection, a)
	}
	if m.pgeEnabled() {
		res.combined |= entry[leaf] & PTEGlobal
	}

	for level := LevelPML4; level > leaf; level-- {
		if entry[level]&PTEAccessed == 0 {
			entry[level] |= PTEAccessed
			m.write64(entryAddr[level], entry[level])
		}
	}
	m.updateLeaf(entryAddr[leaf], entry[leaf], a.write)
	return res, nil
}
