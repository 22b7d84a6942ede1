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


// Package smp runs several MMUs over one physical memory and propagates TLB
// invalidations between them.
//
// Each CPU is used by one goroutine at a time through CPU.Do. Invalidations
// requested by other CPUs are queued and applied on the next Do, so that a
// shootdown never waits for another CPU to finish what it is doing.
package smp

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/xlat/pkg/log"
	"gvisor.dev/xlat/pkg/metric"
	"gvisor.dev/xlat/pkg/paging"
)

var shootdowns = metric.MustCreateNewUint64Metric("/smp/shootdowns", "Number of cross-CPU invalidations requested.",
	metric.NewField("kind", []string{"page", "all"}))

// maxPendingPages is the number of queued page invalidations after which a
// CPU flushes its whole TLB instead.
const maxPendingPages = 32

// CPU is one virtual CPU of a Machine.
type CPU struct {
	id  int
	mmu *paging.MMU

	// mu serializes use of mmu.
	mu sync.Mutex

	// pendingMu protects the fields below.
	pendingMu sync.Mutex
	flushAll  bool
	pages     []uint64
}

// ID returns the CPU index.
func (c *CPU) ID() int {
	return c.id
}

// Do runs fn with exclusive use of the CPU's MMU, after applying the
// invalidations other CPUs have requested.
func (c *CPU) Do(fn func(m *paging.MMU) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLocked()
	return fn(c.mmu)
}

// syncLocked applies pending invalidations.
//
// Preconditions: c.mu is held.
func (c *CPU) syncLocked() {
	c.pendingMu.Lock()
	flushAll, pages := c.flushAll, c.pages
	c.flushAll, c.pages = false, nil
	c.pendingMu.Unlock()

	if flushAll {
		c.mmu.Flush()
		return
	}
	for _, laddr := range pages {
		c.mmu.InvalidatePage(laddr)
	}
}

func (c *CPU) queuePage(laddr uint64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.flushAll {
		return
	}
	if len(c.pages) >= maxPendingPages {
		c.flushAll = true
		c.pages = nil
		return
	}
	c.pages = append(c.pages, laddr)
}

func (c *CPU) queueFlush() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.flushAll = true
	c.pages = nil
}

// Machine is a set of CPUs sharing physical memory.
type Machine struct {
	cpus []*CPU
}

// New returns a Machine with n CPUs, each with its own MMU built from opts.
// Any FaultReporter, PrefetchInvalidator or BreakpointChecker in opts is
// shared and must be safe for concurrent use.
func New(mem paging.PhysicalAccess, n int, opts paging.Options) (*Machine, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid CPU count %d", n)
	}
	m := &Machine{cpus: make([]*CPU, n)}
	for i := range m.cpus {
		m.cpus[i] = &CPU{id: i, mmu: paging.New(mem, opts)}
	}
	log.Debugf("smp: machine with %d CPUs", n)
	return m, nil
}

// CPUs returns every CPU, indexed by ID.
func (m *Machine) CPUs() []*CPU {
	return m.cpus
}

// CPU returns the CPU with the given ID.
func (m *Machine) CPU(id int) *CPU {
	return m.cpus[id]
}

// LoadState loads s into every CPU, waiting for each to be idle.
func (m *Machine) LoadState(s paging.State) error {
	for _, c := range m.cpus {
		if err := c.Do(func(mmu *paging.MMU) error { return mmu.LoadState(s) }); err != nil {
			return fmt.Errorf("CPU %d: %w", c.id, err)
		}
	}
	return nil
}

// Shootdown asks every CPU other than from to invalidate laddr, as a
// broadcast INVLPG does. from may be nil; otherwise it is expected to
// invalidate its own TLB, typically from within Do.
func (m *Machine) Shootdown(from *CPU, laddr uint64) {
	shootdowns.Increment("page")
	for _, c := range m.cpus {
		if c != from {
			c.queuePage(laddr)
		}
	}
}

// FlushAll asks every CPU other than from to flush its whole TLB.
func (m *Machine) FlushAll(from *CPU) {
	shootdowns.Increment("all")
	for _, c := range m.cpus {
		if c != from {
			c.queueFlush()
		}
	}
}

// Run calls fn concurrently for every CPU and waits for all of them. The
// context passed to fn is cancelled as soon as one call fails; the first
// error is returned.
func (m *Machine) Run(ctx context.Context, fn func(ctx context.Context, c *CPU) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.cpus {
		g.Go(func() error {
			return fn(ctx, c)
		})
	}
	return g.Wait()
}
