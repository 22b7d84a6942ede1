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

// Package physmem implements the guest physical address space: RAM backed by
// an anonymous host mapping, plus memory-mapped I/O windows that are
// dispatched to device handlers.
//
// A Memory may be shared by several virtual CPUs. Reads and writes are
// serialized with respect to writes; slices returned by HostPage alias RAM
// directly and are not protected.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/xlat/pkg/hostarch"
	"gvisor.dev/xlat/pkg/log"
)

const (
	// SMRAMStart is the first byte of the legacy SMRAM window.
	SMRAMStart = 0xA0000

	// SMRAMEnd is one past the last byte of the legacy SMRAM window.
	SMRAMEnd = 0xC0000

	// DefaultAPICBase is the local APIC page after reset.
	DefaultAPICBase = 0xFEE00000

	// NoAPIC disables the APIC window.
	NoAPIC = ^uint64(0)
)

var (
	// ErrOverlap is returned when an MMIO window overlaps an existing one.
	ErrOverlap = errors.New("MMIO range overlaps an existing range")

	// ErrBadSize is returned when the RAM size is not a positive multiple of
	// the page size.
	ErrBadSize = errors.New("RAM size must be a positive multiple of the page size")
)

// Handler services accesses to a memory-mapped I/O window. Windows are
// matched by the first byte of each page-sized piece of an access. Handlers are
// invoked with the Memory lock held and must not call back into Memory.
type Handler interface {
	// ReadMMIO fills data from the device at physical address addr.
	ReadMMIO(addr uint64, data []byte)

	// WriteMMIO delivers data to the device at physical address addr.
	WriteMMIO(addr uint64, data []byte)
}

// mmioRange is one registered window [base, base+length).
type mmioRange struct {
	base    uint64
	length  uint64
	handler Handler
}

func (r mmioRange) end() uint64 {
	return r.base + r.length
}

func mmioLess(a, b mmioRange) bool {
	return a.base < b.base
}

// Memory is a guest physical address space.
type Memory struct {
	// mu protects ram contents and all fields below.
	mu sync.RWMutex

	// ram is the anonymous host mapping backing [0, len(ram)).
	ram []byte

	// mmio holds registered windows ordered by base.
	mmio *btree.BTreeG[mmioRange]

	// smram is set while the SMRAM window is open to the CPU.
	smram bool

	// apicBase is the physical page of the local APIC, or NoAPIC.
	apicBase uint64
}

// New allocates a Memory with size bytes of RAM.
func New(size uint64) (*Memory, error) {
	if size == 0 || size%hostarch.PageSize != 0 {
		return nil, ErrBadSize
	}
	ram, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of guest RAM: %w", size, err)
	}
	log.Debugf("physmem: %d bytes of RAM at %p", size, &ram[0])
	return &Memory{
		ram:      ram,
		mmio:     btree.NewG[mmioRange](8, mmioLess),
		apicBase: NoAPIC,
	}, nil
}

// Close releases the RAM mapping. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ram == nil {
		return nil
	}
	err := unix.Munmap(m.ram)
	m.ram = nil
	return err
}

// Size returns the amount of RAM in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.ram))
}

// RegisterMMIO routes accesses to [base, base+length) to h.
func (m *Memory) RegisterMMIO(base, length uint64, h Handler) error {
	if length == 0 || base+length < base {
		return fmt.Errorf("invalid MMIO range [%#x, +%#x)", base, length)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := mmioRange{base: base, length: length, handler: h}
	var clash *mmioRange
	m.mmio.DescendLessOrEqual(mmioRange{base: r.end() - 1}, func(item mmioRange) bool {
		if item.end() > base {
			clash = &item
		}
		return false
	})
	if clash != nil {
		return fmt.Errorf("%w: [%#x, %#x) and [%#x, %#x)", ErrOverlap, base, r.end(), clash.base, clash.end())
	}
	m.mmio.ReplaceOrInsert(r)
	log.Infof("physmem: MMIO window [%#x, %#x)", base, r.end())
	return nil
}

// findLocked returns the window containing addr.
//
// Preconditions: m.mu is held.
func (m *Memory) findLocked(addr uint64) (mmioRange, bool) {
	var (
		found mmioRange
		ok    bool
	)
	m.mmio.DescendLessOrEqual(mmioRange{base: addr}, func(item mmioRange) bool {
		found, ok = item, addr < item.end()
		return false
	})
	return found, ok
}

// SetSMRAM opens or closes the SMRAM window. While open, pages in the window
// are never handed out as host pages.
func (m *Memory) SetSMRAM(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.smram = open
}

// SetAPICBase moves the local APIC page. Pass NoAPIC to disable it.
func (m *Memory) SetAPICBase(base uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if base != NoAPIC {
		base = hostarch.PageRoundDown(base)
	}
	m.apicBase = base
}

// inRAM reports whether [addr, addr+n) lies within RAM. It must not overflow
// for addresses at the top of the physical address space.
func (m *Memory) inRAM(addr, n uint64) bool {
	size := uint64(len(m.ram))
	return addr < size && n <= size-addr
}

// forEachChunk splits [addr, addr+n) at page boundaries.
func forEachChunk(addr uint64, n int, fn func(addr uint64, off, n int)) {
	off := 0
	for off < n {
		chunk := int(hostarch.PageSize - hostarch.PageOffset(addr))
		if chunk > n-off {
			chunk = n - off
		}
		fn(addr, off, chunk)
		addr += uint64(chunk)
		off += chunk
	}
}

// ReadPhysical implements paging.PhysicalAccess.ReadPhysical. Bytes outside
// RAM and any MMIO window read as 0xFF.
func (m *Memory) ReadPhysical(addr uint64, data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	forEachChunk(addr, len(data), func(addr uint64, off, n int) {
		dst := data[off : off+n]
		if r, ok := m.findLocked(addr); ok {
			r.handler.ReadMMIO(addr, dst)
			return
		}
		if m.inRAM(addr, uint64(n)) {
			copy(dst, m.ram[addr:])
			return
		}
		for i := range dst {
			dst[i] = 0xFF
		}
	})
}

// WritePhysical implements paging.PhysicalAccess.WritePhysical. Writes outside
// RAM and any MMIO window are discarded.
func (m *Memory) WritePhysical(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	forEachChunk(addr, len(data), func(addr uint64, off, n int) {
		src := data[off : off+n]
		if r, ok := m.findLocked(addr); ok {
			r.handler.WriteMMIO(addr, src)
			return
		}
		if m.inRAM(addr, uint64(n)) {
			copy(m.ram[addr:], src)
			return
		}
		log.Debugf("physmem: dropped %d byte write to %#x", n, addr)
	})
}

// HostPage implements paging.HostPageProvider.HostPage. It returns the RAM
// backing the 4K frame ppf, or nil when the frame must be accessed through
// ReadPhysical/WritePhysical.
func (m *Memory) HostPage(ppf uint64, at hostarch.AccessType) []byte {
	ppf = hostarch.PageRoundDown(ppf)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.inRAM(ppf, hostarch.PageSize) {
		return nil
	}
	if ppf == m.apicBase {
		return nil
	}
	if m.smram && ppf >= SMRAMStart && ppf < SMRAMEnd {
		return nil
	}
	if _, ok := m.findLocked(ppf); ok || m.overlapsMMIOLocked(ppf) {
		return nil
	}
	return m.ram[ppf : ppf+hostarch.PageSize : ppf+hostarch.PageSize]
}

// overlapsMMIOLocked reports whether a window starts inside the page at ppf.
func (m *Memory) overlapsMMIOLocked(ppf uint64) bool {
	var overlap bool
	m.mmio.AscendGreaterOrEqual(mmioRange{base: ppf}, func(item mmioRange) bool {
		overlap = item.base < ppf+hostarch.PageSize
		return false
	})
	return overlap
}

// Read32 reads a little-endian 32-bit value.
func (m *Memory) Read32(addr uint64) uint32 {
	var b [4]byte
	m.ReadPhysical(addr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// Write32 writes a little-endian 32-bit value.
func (m *Memory) Write32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.WritePhysical(addr, b[:])
}

// Read64 reads a little-endian 64-bit value.
func (m *Memory) Read64(addr uint64) uint64 {
	var b [8]byte
	m.ReadPhysical(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Write64 writes a little-endian 64-bit value.
func (m *Memory) Write64(addr uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.WritePhysical(addr, b[:])
}
