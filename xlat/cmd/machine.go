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


package cmd

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/xlat/pkg/hostarch"
	"gvisor.dev/xlat/pkg/log"
	"gvisor.dev/xlat/pkg/pagetables"
	"gvisor.dev/xlat/pkg/paging"
	"gvisor.dev/xlat/pkg/physmem"
	"gvisor.dev/xlat/pkg/smp"
	"gvisor.dev/xlat/xlat/config"
)

// faultCounter counts the faults reported by every CPU of a machine.
type faultCounter struct {
	pageFaults atomic.Uint64
	eptFaults  atomic.Uint64
}

// PageFault implements paging.FaultReporter.PageFault.
func (f *faultCounter) PageFault(*paging.PageFault) {
	f.pageFaults.Add(1)
}

// EPTFault implements paging.FaultReporter.EPTFault.
func (f *faultCounter) EPTFault(*paging.EPTFault) {
	f.eptFaults.Add(1)
}

// touch translates laddr on mmu. Guest faults are counted by the machine's
// fault reporter and are not errors; anything else, such as ErrPDPTR, is.
func touch(mmu *paging.MMU, laddr uint64, cpl int, at hostarch.AccessType) error {
	_, err := mmu.Translate(laddr, cpl, at)
	var (
		pf  *paging.PageFault
		ept *paging.EPTFault
	)
	if err == nil || errors.As(err, &pf) || errors.As(err, &ept) {
		return nil
	}
	return fmt.Errorf("translating %#x: %w", laddr, err)
}

// Machine is a scenario built in guest memory and loaded into a set of CPUs.
type Machine struct {
	Scenario *config.Scenario
	Memory   *physmem.Memory
	CPUs     *smp.Machine

	// Tables are the guest page tables, and EPT the extended page tables
	// if the scenario has them.
	Tables *pagetables.PageTables
	EPT    *pagetables.PageTables

	// State is the processor state loaded into every CPU.
	State paging.State

	faults faultCounter
}

// NewMachine allocates guest memory, builds the scenario's tables in it and
// loads the resulting state into conf.CPUs CPUs.
func NewMachine(conf *config.Config, sc *config.Scenario) (*Machine, error) {
	mem, err := physmem.New(conf.MemorySize())
	if err != nil {
		return nil, err
	}
	m := &Machine{Scenario: sc, Memory: mem}
	if err := m.build(conf); err != nil {
		mem.Close()
		return nil, err
	}
	return m, nil
}

func (m *Machine) build(conf *config.Config) error {
	sc := m.Scenario
	format, err := sc.TableFormat()
	if err != nil {
		return err
	}
	m.Tables, err = m.buildTables(format, sc.TableBase, sc.TableLimit, pagetables.Opts{
		LargePages:     sc.LargePages,
		GiantPages:     sc.GiantPages,
		ExecuteDisable: sc.ExecuteDisable,
	}, sc.Mappings)
	if err != nil {
		return fmt.Errorf("building %s tables: %w", format, err)
	}
	if sc.EPT != nil {
		m.EPT, err = m.buildTables(pagetables.EPT, sc.EPT.TableBase, sc.EPT.TableLimit, pagetables.Opts{
			LargePages: sc.EPT.LargePages,
			GiantPages: sc.EPT.GiantPages,
		}, sc.EPT.Mappings)
		if err != nil {
			return fmt.Errorf("building ept tables: %w", err)
		}
	}
	m.State = m.initialState(format)

	opts, err := conf.MMUOptions()
	if err != nil {
		return err
	}
	opts.HostPages = m.Memory
	opts.Faults = &m.faults
	if m.CPUs, err = smp.New(m.Memory, conf.CPUs, opts); err != nil {
		return err
	}
	if err := m.CPUs.LoadState(m.State); err != nil {
		return fmt.Errorf("loading state %+v: %w", m.State, err)
	}
	log.Infof("Machine: %s paging, %d mappings, CR3 %#x, %d CPUs", format, len(sc.Mappings), m.State.CR3, conf.CPUs)
	return nil
}

func (m *Machine) buildTables(format pagetables.Format, base, limit uint64, opts pagetables.Opts, mappings []config.Mapping) (*pagetables.PageTables, error) {
	if limit > m.Memory.Size() {
		return nil, fmt.Errorf("table region [%#x, %#x) exceeds memory size %#x", base, limit, m.Memory.Size())
	}
	alloc := pagetables.NewBumpAllocator(m.Memory, base, limit)
	pt, err := pagetables.New(format, m.Memory, alloc, opts)
	if err != nil {
		return nil, err
	}
	for i, mapping := range mappings {
		mapOpts, err := mapping.MapOpts()
		if err != nil {
			return nil, err
		}
		if err := pt.Map(mapping.Addr, mapping.Length, mapOpts, mapping.Phys); err != nil {
			return nil, fmt.Errorf("mapping %d [%#x, %#x): %w", i, mapping.Addr, mapping.Addr+mapping.Length, err)
		}
	}
	log.Debugf("Machine: %s tables at %#x use %#x bytes", format, pt.Root(), alloc.Used())
	return pt, nil
}

// initialState returns control registers that enable the scenario's tables.
func (m *Machine) initialState(format pagetables.Format) paging.State {
	sc := m.Scenario
	s := paging.State{
		CR0: paging.CR0PE | paging.CR0PG,
		CR3: m.Tables.Root(),
	}
	if sc.WriteProtect {
		s.CR0 |= paging.CR0WP
	}
	if sc.LargePages {
		s.CR4 |= paging.CR4PSE
	}
	if sc.GlobalPages {
		s.CR4 |= paging.CR4PGE
	}
	if sc.ExecuteDisable {
		s.EFER |= paging.EFERNXE
	}
	switch format {
	case pagetables.PAE:
		s.CR4 |= paging.CR4PAE
	case pagetables.Long:
		s.CR4 |= paging.CR4PAE
		s.EFER |= paging.EFERLME | paging.EFERLMA
	}
	if m.EPT != nil {
		s.EPT = paging.EPTState{Enabled: true, Pointer: m.EPT.Root()}
	}
	return s
}

// Faults returns the number of page faults and EPT faults reported so far.
func (m *Machine) Faults() (pageFaults, eptFaults uint64) {
	return m.faults.pageFaults.Load(), m.faults.eptFaults.Load()
}

// Close releases guest memory.
func (m *Machine) Close() error {
	return m.Memory.Close()
}
