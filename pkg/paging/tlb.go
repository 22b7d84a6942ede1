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
	"gvisor.dev/xlat/pkg/hostarch"
)

// DefaultTLBSize is the number of TLB entries when Options.TLBSize is zero.
const DefaultTLBSize = 1024

const (
	// invalidEntry marks an unused TLB slot. No page-aligned address
	// matches it.
	invalidEntry = ^uint64(0)

	// hostPtrForbidden is set in an entry's lpf when the page must not be
	// accessed through its host mapping. Lookups for host access use the
	// bare lpf and therefore miss.
	hostPtrForbidden = 0x800
)

// TLB entry access bits. An access hits when
// accessBits & (execute<<2 | write<<1 | user) == 0.
const (
	tlbSysOnly    = 0x1
	tlbReadOnly   = 0x2
	tlbNoExecute  = 0x4
	tlbGlobalPage = 0x80000000
)

// tlbEntry caches one 4K translation.
type tlbEntry struct {
	// lpf is the linear page frame, possibly with hostPtrForbidden set, or
	// invalidEntry.
	lpf uint64

	// ppf is the physical frame of the 4K page, even within a large page.
	ppf uint64

	// lpfMask is the size of the mapping page minus one.
	lpfMask uint64

	// accessBits restrict the accesses that may hit.
	accessBits uint32

	// hostPage is the host memory of the frame, or nil.
	hostPage []byte
}

// matches reports whether e translates the page lpf.
func (e *tlbEntry) matches(lpf uint64) bool {
	return e.lpf&^hostPtrForbidden == lpf
}

// permits reports whether a cached entry authorizes the access without a
// fresh walk.
func (e *tlbEntry) permits(user, write, execute bool) bool {
	var req uint32
	if user {
		req |= tlbSysOnly
	}
	if write {
		req |= tlbReadOnly
	}
	if execute {
		req |= tlbNoExecute
	}
	return !bits.IsAnyOn(e.accessBits, req)
}

func (e *tlbEntry) invalidate() {
	e.lpf = invalidEntry
	e.hostPage = nil
}

// TLB is a direct-mapped cache of 4K translations indexed by linear page
// number.
type TLB struct {
	entries []tlbEntry

	// splitLarge is set while some valid entry came from a large page, so
	// that page invalidation has to scan every entry.
	splitLarge bool
}

// newTLB returns an empty TLB. size must be a power of two.
func newTLB(size int) TLB {
	if !bits.IsPowerOfTwo(size) {
		panic(fmt.Sprintf("TLB size %d is not a power of two", size))
	}
	t := TLB{entries: make([]tlbEntry, size)}
	t.flush()
	return t
}

// slot returns the entry that lpf maps to.
func (t *TLB) slot(lpf uint64) *tlbEntry {
	return &t.entries[(lpf>>hostarch.PageShift)&uint64(len(t.entries)-1)]
}

// flush invalidates every entry.
func (t *TLB) flush() {
	for i := range t.entries {
		t.entries[i].invalidate()
	}
	t.splitLarge = false
}

// flushNonGlobal invalidates every entry without the global bit and
// recomputes splitLarge from the survivors.
func (t *TLB) flushNonGlobal() {
	t.splitLarge = false
	for i := range t.entries {
		e := &t.entries[i]
		if e.accessBits&tlbGlobalPage == 0 {
			e.invalidate()
		} else if e.lpf != invalidEntry && e.lpfMask > lpfMask4K {
			t.splitLarge = true
		}
	}
}

// invalidatePage drops every translation of laddr. Entries that came from a
// large page covering laddr are dropped too.
func (t *TLB) invalidatePage(laddr uint64) {
	if t.splitLarge {
		large := false
		for i := range t.entries {
			e := &t.entries[i]
			if e.lpf == invalidEntry {
				continue
			}
			if laddr&^e.lpfMask == e.lpf&^e.lpfMask {
				e.invalidate()
			} else if e.lpfMask > lpfMask4K {
				large = true
			}
		}
		t.splitLarge = large
		return
	}
	lpf := hostarch.PageRoundDown(laddr)
	if e := t.slot(lpf); e.matches(lpf) {
		e.invalidate()
	}
}

// valid returns the number of valid entries.
func (t *TLB) valid() int {
	n := 0
	for i := range t.entries {
		if t.entries[i].lpf != invalidEntry {
			n++
		}
	}
	return n
}
