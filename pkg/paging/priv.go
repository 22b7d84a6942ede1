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

// privCheck decides whether an access is allowed by the combined U/S and R/W
// bits of the paging structures. The index is:
//
//	|4 |3 |2 |1 |0 |
//	|wp|us|us|rw|rw|
//	 |  |  |  |  |
//	 |  |  |  |  +---> write access
//	 |  |  +--+------> combined U/S and R/W of the walk
//	 |  +------------> access from CPL 3
//	 +---------------> CR0.WP
//
// The 386 has no CR0.WP and only uses the first half.
var privCheck = [32]bool{
	true, true, true, true, true, true, true, true,
	false, false, false, false, true, false, true, true,
	true, false, true, true, true, false, true, true,
	false, false, false, false, true, false, true, true,
}

// privIndex builds the privCheck index. wp is ignored on a 386.
func privIndex(level CPULevel, wp, user bool, combined uint64, write bool) int {
	idx := int(combined & (PTEUser | PTEWritable))
	if write {
		idx |= 1
	}
	if user {
		idx |= 1 << 3
	}
	if wp && level >= CPULevel486 {
		idx |= 1 << 4
	}
	return idx
}

// allowed reports whether the access is permitted.
func allowed(level CPULevel, wp, user bool, combined uint64, write bool) bool {
	return privCheck[privIndex(level, wp, user, combined, write)]
}

// combineLegacy merges PDE and PTE permissions for a 4K page in 32-bit
// paging. The 386 ORs U/S; later CPUs AND both bits.
func combineLegacy(level CPULevel, pde, pte uint64) uint64 {
	if level == CPULevel386 {
		return (pde|pte)&PTEUser | (pde&pte)&PTEWritable
	}
	return (pde & pte) & (PTEUser | PTEWritable)
}
