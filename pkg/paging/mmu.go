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
	"encoding/binary"
	"errors"
	"time"

	"gvisor.dev/xlat/pkg/cpuid"
	"gvisor.dev/xlat/pkg/log"
	"gvisor.dev/xlat/pkg/metric"
)

var (
	tlbLookups = metric.MustCreateNewUint64Metric("/paging/tlb/lookups", "Number of linear address translations requested.")
	tlbMisses  = metric.MustCreateNewUint64Metric("/paging/tlb/misses", "Number of translations that required a page walk.")
	tlbFlushes = metric.MustCreateNewUint64Metric("/paging/tlb/flushes", "Number of TLB invalidations by kind.",
		metric.NewField("kind", []string{"all", "non_global", "page", "ept"}))
	faultCount = metric.MustCreateNewUint64Metric("/paging/faults", "Number of translation faults by kind.",
		metric.NewField("kind", []string{"page", "ept_violation", "ept_misconfiguration", "pdptr"}))
	eptWalks = metric.MustCreateNewUint64Metric("/paging/ept/walks", "Number of EPT table walks.")
)

// faultLogInterval bounds how often faults are logged per MMU.
const faultLogInterval = time.Second

// Options configures an MMU.
type Options struct {
	// Level is the processor generation. Zero means CPULevel686.
	Level CPULevel

	// Features describes the emulated CPU. Nil means cpuid.X8664().
	Features *cpuid.FeatureSet

	// TLBSize is the number of TLB entries, a power of two. Zero means
	// DefaultTLBSize.
	TLBSize int

	// EPTTLBSize is the number of guest-physical translations cached. Zero
	// means TLBSize.
	EPTTLBSize int

	// HostPages, if set, supplies direct host access to guest frames.
	HostPages HostPageProvider

	// Faults, if set, is told about every fault.
	Faults FaultReporter

	// Prefetch, if set, is told about every invalidation.
	Prefetch PrefetchInvalidator

	// Breakpoints, if set, vetoes host access to breakpointed pages.
	Breakpoints BreakpointChecker

	// Logger receives fault reports. Nil means the global logger limited to
	// one message per second.
	Logger log.Logger
}

// MMU translates linear addresses for one virtual CPU.
type MMU struct {
	state    State
	level    CPULevel
	features *cpuid.FeatureSet
	reserved reservedMasks

	mem         PhysicalAccess
	hostPages   HostPageProvider
	faults      FaultReporter
	prefetch    PrefetchInvalidator
	breakpoints BreakpointChecker
	logger      log.Logger

	tlb    TLB
	eptTLB TLB
	pdptr  pdptrCache
}

// New returns an MMU in the reset state (paging disabled) that walks tables
// held in mem.
func New(mem PhysicalAccess, opts Options) *MMU {
	if opts.Level == 0 {
		opts.Level = CPULevel686
	}
	if opts.Features == nil {
		opts.Features = cpuid.X8664()
	}
	if opts.TLBSize == 0 {
		opts.TLBSize = DefaultTLBSize
	}
	if opts.EPTTLBSize == 0 {
		opts.EPTTLBSize = opts.TLBSize
	}
	if opts.Logger == nil {
		opts.Logger = log.BasicRateLimitedLogger(faultLogInterval)
	}
	return &MMU{
		level:       opts.Level,
		features:    opts.Features,
		reserved:    makeReservedMasks(opts.Features.PhysicalAddressBits),
		mem:         mem,
		hostPages:   opts.HostPages,
		faults:      opts.Faults,
		prefetch:    opts.Prefetch,
		breakpoints: opts.Breakpoints,
		logger:      opts.Logger,
		tlb:         newTLB(opts.TLBSize),
		eptTLB:      newTLB(opts.EPTTLBSize),
	}
}

// State returns a copy of the current processor state.
func (m *MMU) State() State {
	return m.state
}

// Level returns the emulated processor generation.
func (m *MMU) Level() CPULevel {
	return m.level
}

// Features returns the emulated CPU features.
func (m *MMU) Features() *cpuid.FeatureSet {
	return m.features
}

// LoadState replaces the processor state wholesale, as on reset or state
// restore. All cached translations are dropped and, in legacy PAE mode, the
// PDPTRs are reloaded from CR3.
func (m *MMU) LoadState(s State) error {
	m.state = s
	m.pdptr.invalidate()
	m.InvalidateEPT()
	if m.Mode() == ModePAE && !m.CheckAndLoadPDPTRs(s.CR3) {
		return m.fail(ErrPDPTR)
	}
	return nil
}

// pseEnabled reports whether 4M pages are honoured in 32-bit paging.
func (m *MMU) pseEnabled() bool {
	return m.level >= CPULevel586 && m.state.CR4&CR4PSE != 0
}

// paeEnabled reports whether CR4.PAE is honoured.
func (m *MMU) paeEnabled() bool {
	return m.level >= CPULevel686 && m.state.CR4&CR4PAE != 0
}

// pgeEnabled reports whether global pages are honoured.
func (m *MMU) pgeEnabled() bool {
	return m.level >= CPULevel686 && m.state.CR4&CR4PGE != 0
}

// eptEnabled reports whether guest physical addresses go through EPT.
func (m *MMU) eptEnabled() bool {
	return m.level >= CPULevel686 && m.state.EPT.Enabled
}

// has1GPages reports support for 1G pages in long mode and EPT.
func (m *MMU) has1GPages() bool {
	return m.features.HasFeature(cpuid.X86FeaturePDPE1GB)
}

// Mode returns the paging mode selected by the current control registers.
func (m *MMU) Mode() Mode {
	switch {
	case !m.state.PagingEnabled():
		return ModeNone
	case m.paeEnabled() && m.state.LongMode():
		return ModeLong
	case m.paeEnabled():
		return ModePAE
	default:
		return ModeLegacy
	}
}

// read32 reads a 32-bit paging entry from guest physical memory.
func (m *MMU) read32(addr uint64) uint64 {
	var b [4]byte
	m.mem.ReadPhysical(addr, b[:])
	return uint64(binary.LittleEndian.Uint32(b[:]))
}

// write32 writes back a 32-bit paging entry.
func (m *MMU) write32(addr, v uint64) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	m.mem.WritePhysical(addr, b[:])
}

// read64 reads a 64-bit paging entry from guest physical memory.
func (m *MMU) read64(addr uint64) uint64 {
	var b [8]byte
	m.mem.ReadPhysical(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// write64 writes back a 64-bit paging entry.
func (m *MMU) write64(addr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.mem.WritePhysical(addr, b[:])
}

// fail records err and notifies the fault reporter. It returns err.
func (m *MMU) fail(err error) error {
	var (
		pf  *PageFault
		ept *EPTFault
	)
	switch {
	case errors.As(err, &pf):
		faultCount.Increment("page")
		m.logger.Infof("paging: %v", pf)
		if m.faults != nil {
			m.faults.PageFault(pf)
		}
	case errors.As(err, &ept):
		if ept.Kind == EPTViolation {
			faultCount.Increment("ept_violation")
		} else {
			faultCount.Increment("ept_misconfiguration")
		}
		m.logger.Warningf("paging: %v", ept)
		if m.faults != nil {
			m.faults.EPTFault(ept)
		}
	case errors.Is(err, ErrPDPTR):
		faultCount.Increment("pdptr")
		m.logger.Warningf("paging: PDPTR load from CR3 %#x failed", m.state.CR3)
	}
	return err
}
