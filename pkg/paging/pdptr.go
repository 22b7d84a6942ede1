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
)

// pdptrCache holds the four PDPTEs loaded when CR3 is written in legacy PAE
// mode. Walks use the cached copies, not memory.
type pdptrCache struct {
	entries [4]uint64
	valid   bool
}

func (c *pdptrCache) invalidate() {
	c.valid = false
}

// CheckAndLoadPDPTRs reads the four PDPTEs addressed by cr3 and validates
// them. If every present PDPTE is free of reserved bits the cache is
// replaced and CheckAndLoadPDPTRs returns true. Otherwise the cache is left
// untouched and the caller should raise #GP.
func (m *MMU) CheckAndLoadPDPTRs(cr3 uint64) bool {
	base := cr3 & cr3PAEMask
	if m.eptEnabled() {
		addr, err := m.translateGuestPhysical(base, 0, false, false, hostarch.Read)
		if err != nil {
			m.fail(err)
			return false
		}
		base = addr
	}

	var pdptr [4]uint64
	for n := range pdptr {
		pdptr[n] = m.read64(base | uint64(n)<<3)
		if pdptr[n]&PTEPresent != 0 && pdptr[n]&m.reserved.pdpte != 0 {
			m.debugEntry(LevelPDPE, pdptr[n], "reserved bit set in PDPTR")
			return false
		}
	}

	m.pdptr.entries = pdptr
	m.pdptr.valid = true
	return true
}

// PDPTRs returns the cached PDPTEs and whether the cache is valid.
func (m *MMU) PDPTRs() ([4]uint64, bool) {
	return m.pdptr.entries, m.pdptr.valid
}
