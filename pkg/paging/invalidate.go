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

	"gvisor.dev/xlat/pkg/cpuid"
	"gvisor.dev/xlat/pkg/log"
)

func (m *MMU) invalidatePrefetch() {
	if m.prefetch != nil {
		m.prefetch.InvalidatePrefetch()
	}
}

// Flush drops every cached translation, global or not.
func (m *MMU) Flush() {
	tlbFlushes.Increment("all")
	m.invalidatePrefetch()
	m.tlb.flush()
}

// FlushNonGlobal drops every cached translation that does not come from a
// global page, as a CR3 write with CR4.PGE set does.
func (m *MMU) FlushNonGlobal() {
	if m.level < CPULevel686 {
		m.Flush()
		return
	}
	tlbFlushes.Increment("non_global")
	m.invalidatePrefetch()
	m.tlb.flushNonGlobal()
}

// InvalidatePage drops the cached translation of laddr, as INVLPG does.
// Global entries are dropped too, and so is every entry of a large page
// containing laddr.
func (m *MMU) InvalidatePage(laddr uint64) {
	tlbFlushes.Increment("page")
	m.invalidatePrefetch()
	if log.IsLogging(log.Debug) {
		log.Debugf("paging: invalidate page %#x", laddr)
	}
	m.tlb.invalidatePage(laddr)
}

// cr0FlushBits are the CR0 bits whose change invalidates the TLB.
const cr0FlushBits = CR0PG | CR0WP | CR0PE

// cr4FlushBits are the CR4 bits whose change invalidates the TLB.
const cr4FlushBits = CR4PSE | CR4PAE | CR4PGE

// SetCR0 loads CR0. Enabling paging with EFER.LME set activates long mode;
// enabling it in PAE mode loads the PDPTRs. The TLB is flushed when PG, WP
// or PE change. On error CR0 is unchanged.
func (m *MMU) SetCR0(v uint64) error {
	old := m.state.CR0
	enabling := old&CR0PG == 0 && v&CR0PG != 0

	if enabling {
		switch {
		case m.state.EFER&EFERLME != 0:
			if !m.paeEnabled() {
				return fmt.Errorf("%w: long mode requires CR4.PAE", ErrUnsupported)
			}
		case m.paeEnabled():
			if !m.CheckAndLoadPDPTRs(m.state.CR3) {
				return m.fail(ErrPDPTR)
			}
		}
	}

	m.state.CR0 = v
	switch {
	case enabling && m.state.EFER&EFERLME != 0:
		m.state.EFER |= EFERLMA
	case v&CR0PG == 0:
		m.state.EFER &^= EFERLMA
	}
	if (old^v)&cr0FlushBits != 0 {
		m.Flush()
	}
	return nil
}

// SetCR3 loads CR3. In legacy PAE mode the PDPTRs are reloaded first and the
// write fails with ErrPDPTR if they are invalid. Non-global translations
// are dropped, or all of them when global pages are off.
func (m *MMU) SetCR3(v uint64) error {
	if m.Mode() == ModePAE && !m.CheckAndLoadPDPTRs(v) {
		return m.fail(ErrPDPTR)
	}
	m.state.CR3 = v
	if m.pgeEnabled() {
		m.FlushNonGlobal()
	} else {
		m.Flush()
	}
	return nil
}

// SetCR4 loads CR4. Paging extensions the CPU lacks are rejected with
// ErrUnsupported. Changing PSE, PAE or PGE flushes the TLB.
func (m *MMU) SetCR4(v uint64) error {
	for _, req := range []struct {
		bit     uint64
		feature cpuid.Feature
		level   CPULevel
	}{
		{CR4PSE, cpuid.X86FeaturePSE, CPULevel586},
		{CR4PAE, cpuid.X86FeaturePAE, CPULevel686},
		{CR4PGE, cpuid.X86FeaturePGE, CPULevel686},
	} {
		if v&req.bit != 0 && (m.level < req.level || !m.features.HasFeature(req.feature)) {
			return fmt.Errorf("%w: CR4 bit %#x needs %v", ErrUnsupported, req.bit, req.feature)
		}
	}
	if m.state.LongMode() && v&CR4PAE == 0 {
		return fmt.Errorf("%w: CR4.PAE cannot be cleared in long mode", ErrUnsupported)
	}

	old := m.state.CR4
	enablingPAE := old&CR4PAE == 0 && v&CR4PAE != 0
	if enablingPAE && m.state.PagingEnabled() && !m.state.LongMode() {
		if !m.CheckAndLoadPDPTRs(m.state.CR3) {
			return m.fail(ErrPDPTR)
		}
	}

	m.state.CR4 = v
	if (old^v)&cr4FlushBits != 0 {
		m.Flush()
	}
	return nil
}

// SetEFER loads EFER. LMA is read-only and keeps its value. LME cannot
// change while paging is enabled. Toggling NXE does not flush the TLB since
// entries are only usable for fetches when they were filled by one.
func (m *MMU) SetEFER(v uint64) error {
	if v&EFERNXE != 0 && !m.features.HasFeature(cpuid.X86FeatureNX) {
		return fmt.Errorf("%w: EFER.NXE needs %v", ErrUnsupported, cpuid.X86FeatureNX)
	}
	if v&EFERLME != 0 && !m.features.HasFeature(cpuid.X86FeatureLM) {
		return fmt.Errorf("%w: EFER.LME needs %v", ErrUnsupported, cpuid.X86FeatureLM)
	}
	if m.state.PagingEnabled() && (m.state.EFER^v)&EFERLME != 0 {
		return fmt.Errorf("%w: EFER.LME cannot change while paging is enabled", ErrUnsupported)
	}
	m.state.EFER = v&^EFERLMA | m.state.EFER&EFERLMA
	return nil
}

// SetEPT configures nested translation. Any change drops the EPT TLB.
func (m *MMU) SetEPT(s EPTState) error {
	if s.Enabled && (m.level < CPULevel686 || !m.features.HasFeature(cpuid.X86FeatureEPT)) {
		return fmt.Errorf("%w: EPT needs %v", ErrUnsupported, cpuid.X86FeatureEPT)
	}
	if s != m.state.EPT {
		m.state.EPT = s
		m.InvalidateEPT()
	}
	return nil
}
