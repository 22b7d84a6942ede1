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

// Translate returns the physical address for an access of type at to laddr
// made at privilege level cpl. The result never crosses into another page:
// callers split accesses at 4K boundaries (see ReadLinear).
//
// A successful walk sets the accessed bit in every paging entry used and
// the dirty bit in the leaf entry for writes. A failed walk writes nothing.
// Faults are returned as *PageFault or *EPTFault, after the FaultReporter
// has been told about them; ErrPDPTR is returned when legacy PAE paging has
// no usable PDPTRs.
func (m *MMU) Translate(laddr uint64, cpl int, at hostarch.AccessType) (uint64, error) {
	a := makeAccess(laddr, cpl, at)
	lpf := hostarch.PageRoundDown(laddr)
	offset := hostarch.PageOffset(laddr)

	tlbLookups.Increment()
	e := m.tlb.slot(lpf)
	if e.matches(lpf) && e.permits(a.user, a.write, a.execute) {
		return e.ppf | offset, nil
	}

	// Either a miss, or the cached entry does not allow this access. Walk
	// again in case memory now permits it; the walk raises the fault if not.
	res := walkResult{ppf: lpf, lpfMask: lpfMask4K, combined: combinedInitial}
	if mode := m.Mode(); mode != ModeNone {
		tlbMisses.Increment()
		var err error
		if res, err = m.walk(mode, a); err != nil {
			return 0, m.fail(err)
		}
		if res.lpfMask > lpfMask4K {
			m.tlb.splitLarge = true
		}
	}

	if m.eptEnabled() {
		ppf, err := m.translateGuestPhysical(res.ppf, laddr, true, false, at)
		if err != nil {
			return 0, m.fail(err)
		}
		res.ppf = ppf
	}

	m.fill(e, lpf, a, res)
	return res.ppf | offset, nil
}

// fill loads a TLB entry after a successful translation.
func (m *MMU) fill(e *tlbEntry, lpf uint64, a access, res walkResult) {
	e.lpf = lpf | hostPtrForbidden
	e.lpfMask = res.lpfMask
	e.ppf = res.ppf
	e.accessBits = 0
	e.hostPage = nil

	if res.combined&PTEUser == 0 {
		e.accessBits |= tlbSysOnly
		if !a.write {
			e.accessBits |= tlbReadOnly
		}
	} else if !a.write || res.combined&PTEWritable == 0 {
		// A read, or a read-only page. Supervisor writes to read-only user
		// pages with CR0.WP clear take the slow path every time.
		e.accessBits |= tlbReadOnly
	}

	if res.combined&PTEGlobal != 0 {
		e.accessBits |= tlbGlobalPage
	}

	// EFER.NXE changes do not flush the TLB, and EPT execute permission is
	// only checked by a fetch walk, so a fetch may only hit an entry that a
	// fetch filled.
	if (m.paeEnabled() || m.eptEnabled()) && !a.execute {
		e.accessBits |= tlbNoExecute
	}

	if m.hostPages == nil {
		return
	}
	if e.hostPage = m.hostPages.HostPage(res.ppf, a.at); e.hostPage != nil {
		if m.breakpoints == nil || !m.breakpoints.CoversBreakpoint(a.laddr) {
			e.lpf = lpf
		}
	}
}

// HostPage returns the host memory backing the page of laddr if the access
// may be performed directly on it. It translates on a TLB miss. A nil slice
// with a nil error means the access must go through Translate and
// PhysicalAccess.
func (m *MMU) HostPage(laddr uint64, cpl int, at hostarch.AccessType) ([]byte, error) {
	a := makeAccess(laddr, cpl, at)
	lpf := hostarch.PageRoundDown(laddr)

	e := m.tlb.slot(lpf)
	if e.lpf == lpf && e.permits(a.user, a.write, a.execute) {
		return e.hostPage, nil
	}
	if _, err := m.Translate(laddr, cpl, at); err != nil {
		return nil, err
	}
	if e.lpf == lpf && e.permits(a.user, a.write, a.execute) {
		return e.hostPage, nil
	}
	return nil, nil
}

// span is the piece of a linear access that falls in one page.
type span struct {
	paddr uint64
	off   int
	n     int
}

// translateRange translates every page touched by an access of n bytes at
// laddr before any of them is accessed, so a fault on a later page leaves
// memory untouched.
func (m *MMU) translateRange(laddr uint64, n int, cpl int, at hostarch.AccessType) ([]span, error) {
	var spans []span
	for off := 0; off < n; {
		chunk := int(hostarch.PageSize - hostarch.PageOffset(laddr))
		if chunk > n-off {
			chunk = n - off
		}
		paddr, err := m.Translate(laddr, cpl, at)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span{paddr: paddr, off: off, n: chunk})
		laddr += uint64(chunk)
		off += chunk
	}
	return spans, nil
}

// ReadLinear reads len(data) bytes of linear memory at laddr. rmw marks the
// read half of a read-modify-write, which is translated as a write so the
// page is marked dirty and write protection is checked up front.
func (m *MMU) ReadLinear(laddr uint64, cpl int, data []byte, rmw bool) error {
	at := hostarch.Read
	if rmw {
		at = hostarch.ReadWrite
	}
	spans, err := m.translateRange(laddr, len(data), cpl, at)
	if err != nil {
		return err
	}
	for _, s := range spans {
		m.mem.ReadPhysical(s.paddr, data[s.off:s.off+s.n])
	}
	return nil
}

// WriteLinear writes data to linear memory at laddr.
func (m *MMU) WriteLinear(laddr uint64, cpl int, data []byte) error {
	spans, err := m.translateRange(laddr, len(data), cpl, hostarch.Write)
	if err != nil {
		return err
	}
	for _, s := range spans {
		m.mem.WritePhysical(s.paddr, data[s.off:s.off+s.n])
	}
	return nil
}
