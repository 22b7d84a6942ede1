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
	"testing"
)

func TestNewTLBPanics(t *testing.T) {
	for _, size := range []int{0, 3, -4} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("newTLB(%d) did not panic", size)
				}
			}()
			newTLB(size)
		}()
	}
}

func TestTLBSlot(t *testing.T) {
	tlb := newTLB(4)
	if got, want := tlb.slot(0x5000), &tlb.entries[1]; got != want {
		t.Errorf("slot(0x5000) = entry %p, want entry 1 (%p)", got, want)
	}
	if tlb.valid() != 0 {
		t.Errorf("new TLB has valid entries")
	}
}

func TestTLBPermits(t *testing.T) {
	for _, tc := range []struct {
		bits                 uint32
		user, write, execute bool
		want                 bool
	}{
		{bits: 0, user: true, write: true, execute: true, want: true},
		{bits: tlbSysOnly, user: true, want: false},
		{bits: tlbSysOnly, write: true, want: true},
		{bits: tlbReadOnly, write: true, want: false},
		{bits: tlbReadOnly, user: true, want: true},
		{bits: tlbNoExecute, execute: true, want: false},
		{bits: tlbNoExecute, user: true, write: true, want: true},
		{bits: tlbGlobalPage, user: true, write: true, execute: true, want: true},
	} {
		e := tlbEntry{accessBits: tc.bits}
		if got := e.permits(tc.user, tc.write, tc.execute); got != tc.want {
			t.Errorf("permits(user=%t, write=%t, execute=%t) with bits %#x = %t, want %t", tc.user, tc.write, tc.execute, tc.bits, got, tc.want)
		}
	}
}

func TestTLBMatchesHostForbidden(t *testing.T) {
	e := tlbEntry{lpf: 0x7000 | hostPtrForbidden}
	if !e.matches(0x7000) {
		t.Errorf("entry does not match its own page")
	}
	if e.lpf == 0x7000 {
		t.Errorf("host access lookup matched a forbidden entry")
	}
	e.invalidate()
	if e.matches(0x7000) || e.lpf != invalidEntry {
		t.Errorf("invalidated entry = %#x, want invalid", e.lpf)
	}
}

func TestTLBFlushNonGlobalSplitLarge(t *testing.T) {
	tlb := newTLB(8)
	*tlb.slot(0x1000) = tlbEntry{lpf: 0x1000, lpfMask: lpfMask4K, accessBits: tlbGlobalPage}
	*tlb.slot(0x2000) = tlbEntry{lpf: 0x2000, lpfMask: lpfMask2M}
	tlb.splitLarge = true

	tlb.flushNonGlobal()
	if got, want := tlb.valid(), 1; got != want {
		t.Errorf("valid = %d, want %d", got, want)
	}
	if tlb.splitLarge {
		t.Errorf("splitLarge set with only a 4K global entry left")
	}

	*tlb.slot(0x3000) = tlbEntry{lpf: 0x3000, lpfMask: lpfMask2M, accessBits: tlbGlobalPage}
	tlb.flushNonGlobal()
	if !tlb.splitLarge {
		t.Errorf("splitLarge clear with a large global entry left")
	}
}

func TestTLBInvalidatePageSlot(t *testing.T) {
	tlb := newTLB(4)
	*tlb.slot(0x1000) = tlbEntry{lpf: 0x1000, lpfMask: lpfMask4K}
	*tlb.slot(0x2000) = tlbEntry{lpf: 0x2000, lpfMask: lpfMask4K}

	// 0x5000 shares a slot with 0x1000 but is a different page.
	tlb.invalidatePage(0x5000)
	if got, want := tlb.valid(), 2; got != want {
		t.Errorf("valid = %d, want %d", got, want)
	}
	tlb.invalidatePage(0x1fff)
	if got, want := tlb.valid(), 1; got != want {
		t.Errorf("valid = %d, want %d", got, want)
	}
}
