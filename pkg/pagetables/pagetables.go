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


// Package pagetables builds x86 paging structures in guest physical memory.
//
// The tables it produces are the ones the paging package walks: 32-bit,
// legacy PAE and 4-level long mode tables, and extended page tables.
package pagetables

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gvisor.dev/xlat/pkg/bits"
	"gvisor.dev/xlat/pkg/hostarch"
)

// Memory is the physical address space the tables live in.
type Memory interface {
	ReadPhysical(addr uint64, data []byte)
	WritePhysical(addr uint64, data []byte)
}

// Allocator supplies zeroed, page-aligned table pages.
type Allocator interface {
	NewPage() (uint64, error)
}

var (
	// ErrUnaligned is returned for ranges that are not page aligned.
	ErrUnaligned = errors.New("range is not page aligned")

	// ErrOutOfRange is returned for addresses the format cannot express.
	ErrOutOfRange = errors.New("address out of range for table format")

	// ErrNoMemory is returned when the allocator is exhausted.
	ErrNoMemory = errors.New("no memory for page table")
)

// Format is a paging structure layout.
type Format int

// Supported formats.
const (
	// Legacy is 32-bit paging: two levels of 1024 4-byte entries.
	Legacy Format = iota

	// PAE is legacy PAE paging: a 4-entry PDPT above two levels of 512
	// 8-byte entries.
	PAE

	// Long is 4-level paging.
	Long

	// EPT is 4-level extended page tables.
	EPT
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case Legacy:
		return "legacy"
	case PAE:
		return "pae"
	case Long:
		return "long"
	case EPT:
		return "ept"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Entry bits.
const (
	present        = 1 << 0
	writable       = 1 << 1
	user           = 1 << 2
	pageSize       = 1 << 7
	global         = 1 << 8
	executeDisable = uint64(1) << 63

	eptRead         = 1 << 0
	eptWrite        = 1 << 1
	eptExecute      = 1 << 2
	eptMemTypeShift = 3
	eptPageSize     = 1 << 7

	frameMask       = 0x000ffffffffff000
	legacyFrameMask = 0xfffff000

	// eptWalkLength is the page-walk length minus one, in EPTP bits 5:3.
	eptWalkLength = 3 << 3
)

// Opts are table-wide options.
type Opts struct {
	// LargePages lets Map install 2M (4M in Legacy) leaves.
	LargePages bool

	// GiantPages lets Map install 1G leaves in Long and EPT tables.
	GiantPages bool

	// ExecuteDisable sets the NX bit in leaves mapped without Execute
	// access. It has no effect on Legacy and EPT tables.
	ExecuteDisable bool
}

// MapOpts are the attributes of a mapping.
type MapOpts struct {
	// AccessType defines permissions. x86 entries always allow reads.
	AccessType hostarch.AccessType

	// User indicates the page is accessible at CPL 3.
	User bool

	// Global indicates the page survives non-global flushes.
	Global bool

	// MemoryType is the EPT memory type.
	MemoryType hostarch.MemoryType
}

// PageTables is a set of paging structures rooted at one table.
type PageTables struct {
	format Format
	opts   Opts
	mem    Memory
	alloc  Allocator
	root   uint64
}

// New allocates an empty root table.
func New(format Format, mem Memory, alloc Allocator, opts Opts) (*PageTables, error) {
	root, err := alloc.NewPage()
	if err != nil {
		return nil, err
	}
	return &PageTables{
		format: format,
		opts:   opts,
		mem:    mem,
		alloc:  alloc,
		root:   root,
	}, nil
}

// Format returns the table layout.
func (p *PageTables) Format() Format {
	return p.format
}

// Root returns the value to load into CR3, or the EPTP for EPT tables
// (write-back, 4-level walk).
func (p *PageTables) Root() uint64 {
	if p.format == EPT {
		return p.root | eptWalkLength | uint64(hostarch.MemoryTypeWriteBack)
	}
	return p.root
}

func (p *PageTables) top() int {
	switch p.format {
	case Legacy:
		return 1
	case PAE:
		return 2
	default:
		return 3
	}
}

func (p *PageTables) shift(level int) uint {
	if p.format == Legacy {
		return hostarch.PageShift + 10*uint(level)
	}
	return hostarch.PageShift + 9*uint(level)
}

func (p *PageTables) size(level int) uint64 {
	return uint64(1) << p.shift(level)
}

func (p *PageTables) entrySize() uint64 {
	if p.format == Legacy {
		return 4
	}
	return 8
}

func (p *PageTables) entryAddr(table, addr uint64, level int) uint64 {
	mask := uint64(511)
	switch {
	case p.format == Legacy:
		mask = 1023
	case p.format == PAE && level == 2:
		mask = 3
	}
	return table + ((addr>>p.shift(level))&mask)*p.entrySize()
}

func (p *PageTables) leafAllowed(level int) bool {
	switch level {
	case 0:
		return true
	case 1:
		return p.opts.LargePages
	case 2:
		return p.opts.GiantPages && (p.format == Long || p.format == EPT)
	default:
		return false
	}
}

// limit is the end of the address space the format translates.
func (p *PageTables) limit() uint64 {
	if p.format == Legacy || p.format == PAE {
		return 1 << 32
	}
	return 1 << 48
}

func (p *PageTables) readEntry(addr uint64) uint64 {
	if p.format == Legacy {
		var b [4]byte
		p.mem.ReadPhysical(addr, b[:])
		return uint64(binary.LittleEndian.Uint32(b[:]))
	}
	var b [8]byte
	p.mem.ReadPhysical(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (p *PageTables) writeEntry(addr, v uint64) {
	if p.format == Legacy {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		p.mem.WritePhysical(addr, b[:])
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	p.mem.WritePhysical(addr, b[:])
}

func (p *PageTables) valid(e uint64) bool {
	if p.format == EPT {
		return e&(eptRead|eptWrite|eptExecute) != 0
	}
	return e&present != 0
}

func (p *PageTables) isLeaf(e uint64, level int) bool {
	if level == 0 {
		return true
	}
	if p.format == PAE && level == 2 {
		return false
	}
	return e&pageSize != 0
}

// frame returns the physical address an entry points to.
func (p *PageTables) frame(e uint64, level int) uint64 {
	switch {
	case p.format == Legacy && level == 1 && e&pageSize != 0:
		return e&0xffc00000 | (e>>13&0xff)<<32
	case p.format == Legacy:
		return e & legacyFrameMask
	case level > 0 && p.isLeaf(e, level):
		// Clears the large page PAT bit.
		return e & frameMask &^ (p.size(level) - 1)
	default:
		return e & frameMask
	}
}

// tableEntry returns an entry at level pointing to the table at addr.
func (p *PageTables) tableEntry(level int, addr uint64) uint64 {
	switch {
	case p.format == EPT:
		return addr | eptRead | eptWrite | eptExecute
	case p.format == PAE && level == 2:
		// PDPTE bits 1 and 2 are reserved.
		return addr | present
	default:
		return addr | present | writable | user
	}
}

// leafEntry encodes a mapping of physical at level.
func (p *PageTables) leafEntry(level int, physical uint64, opts MapOpts) uint64 {
	if p.format == EPT {
		e := physical | uint64(opts.MemoryType)<<eptMemTypeShift
		if opts.AccessType.Read {
			e |= eptRead
		}
		if opts.AccessType.Write {
			e |= eptWrite
		}
		if opts.AccessType.Execute {
			e |= eptExecute
		}
		if level > 0 {
			e |= eptPageSize
		}
		return e
	}

	e := uint64(present)
	switch {
	case level > 0 && p.format == Legacy:
		e |= pageSize | physical&0xffc00000 | (physical>>32&0xff)<<13
	case level > 0:
		e |= pageSize | physical
	default:
		e |= physical
	}
	if opts.AccessType.Write {
		e |= writable
	}
	if opts.User {
		e |= user
	}
	if opts.Global {
		e |= global
	}
	if p.opts.ExecuteDisable && !opts.AccessType.Execute && p.format != Legacy {
		e |= executeDisable
	}
	return e
}

// leafOpts decodes the attributes of a leaf entry.
func (p *PageTables) leafOpts(e uint64) MapOpts {
	if p.format == EPT {
		return MapOpts{
			AccessType: hostarch.AccessType{
				Read:    e&eptRead != 0,
				Write:   e&eptWrite != 0,
				Execute: e&eptExecute != 0,
			},
			MemoryType: hostarch.MemoryType(e >> eptMemTypeShift & 7),
		}
	}
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    true,
			Write:   e&writable != 0,
			Execute: p.format == Legacy || e&executeDisable == 0,
		},
		User:   e&user != 0,
		Global: e&global != 0,
	}
}

// leafLevel picks the largest page that fits the remaining range.
func (p *PageTables) leafLevel(addr, remaining, physical uint64) int {
	for level := p.top(); level > 0; level-- {
		size := p.size(level)
		if p.leafAllowed(level) && remaining >= size && addr%size == 0 && physical%size == 0 {
			return level
		}
	}
	return 0
}

// split replaces the large leaf e at level with a table of next-level
// leaves covering the same range with the same attributes.
func (p *PageTables) split(level int, e uint64) (uint64, error) {
	table, err := p.alloc.NewPage()
	if err != nil {
		return 0, err
	}
	var (
		base  = p.frame(e, level)
		opts  = p.leafOpts(e)
		child = level - 1
		n     = p.size(level) / p.size(child)
	)
	for i := uint64(0); i < n; i++ {
		p.writeEntry(table+i*p.entrySize(), p.leafEntry(child, base+i*p.size(child), opts))
	}
	return table, nil
}

// walk returns the address of the entry for addr at level, allocating
// missing tables and splitting large pages on the way.
func (p *PageTables) walk(addr uint64, level int) (uint64, error) {
	table := p.root
	for l := p.top(); ; l-- {
		entryAddr := p.entryAddr(table, addr, l)
		if l == level {
			return entryAddr, nil
		}
		e := p.readEntry(entryAddr)
		switch {
		case !p.valid(e):
			next, err := p.alloc.NewPage()
			if err != nil {
				return 0, err
			}
			p.writeEntry(entryAddr, p.tableEntry(l, next))
			table = next
		case p.isLeaf(e, l):
			next, err := p.split(l, e)
			if err != nil {
				return 0, err
			}
			p.writeEntry(entryAddr, p.tableEntry(l, next))
			table = next
		default:
			table = p.frame(e, l)
		}
	}
}

// find returns the level and address of the entry that decides addr, and
// whether it is a valid leaf.
func (p *PageTables) find(addr uint64) (level int, entryAddr uint64, ok bool) {
	table := p.root
	for level = p.top(); ; level-- {
		entryAddr = p.entryAddr(table, addr, level)
		e := p.readEntry(entryAddr)
		if !p.valid(e) {
			return level, entryAddr, false
		}
		if p.isLeaf(e, level) {
			return level, entryAddr, true
		}
		table = p.frame(e, level)
	}
}

func (p *PageTables) checkRange(addr, length uint64) (uint64, error) {
	start := hostarch.Addr(addr)
	if !start.IsPageAligned() || hostarch.PageOffset(length) != 0 {
		return 0, fmt.Errorf("%w: [%#x, %#x+%#x)", ErrUnaligned, addr, addr, length)
	}
	end, ok := start.AddLength(length)
	if !ok || uint64(end) > p.limit() {
		return 0, fmt.Errorf("%w: [%#x, %#x+%#x) in %s tables", ErrOutOfRange, addr, addr, length, p.format)
	}
	return uint64(end), nil
}

// Map installs a mapping of [addr, addr+length) to physical. Existing
// mappings are replaced. Large pages are used where the options, the
// alignment and the length allow.
func (p *PageTables) Map(addr, length uint64, opts MapOpts, physical uint64) error {
	end, err := p.checkRange(addr, length)
	if err != nil {
		return err
	}
	if !hostarch.Addr(physical).IsPageAligned() {
		return fmt.Errorf("%w: physical %#x", ErrUnaligned, physical)
	}
	for addr < end {
		level := p.leafLevel(addr, end-addr, physical)
		size := p.size(level)
		if p.format == Legacy && physical+size > 1<<32 && level == 0 {
			return fmt.Errorf("%w: physical %#x", ErrOutOfRange, physical)
		}
		entryAddr, err := p.walk(addr, level)
		if err != nil {
			return err
		}
		p.writeEntry(entryAddr, p.leafEntry(level, physical, opts))
		addr += size
		physical += size
	}
	return nil
}

// Unmap removes every mapping in [addr, addr+length). Large pages that are
// only partly covered are split.
func (p *PageTables) Unmap(addr, length uint64) error {
	end, err := p.checkRange(addr, length)
	if err != nil {
		return err
	}
	for addr < end {
		level, entryAddr, ok := p.find(addr)
		size := p.size(level)
		switch {
		case !ok:
			addr = bits.AlignDown(addr, size) + size
		case addr%size == 0 && end-addr >= size:
			p.writeEntry(entryAddr, 0)
			addr += size
		default:
			table, err := p.split(level, p.readEntry(entryAddr))
			if err != nil {
				return err
			}
			p.writeEntry(entryAddr, p.tableEntry(level, table))
		}
	}
	return nil
}

// Lookup returns the physical address and attributes of addr.
func (p *PageTables) Lookup(addr uint64) (physical uint64, opts MapOpts, ok bool) {
	level, entryAddr, ok := p.find(addr)
	if !ok {
		return 0, MapOpts{}, false
	}
	e := p.readEntry(entryAddr)
	return p.frame(e, level) + addr&(p.size(level)-1), p.leafOpts(e), true
}

// EntryAddress returns the physical address of the entry that maps addr at
// level, where level 0 holds the 4K leaves. ok is false if a table above
// level is missing or a large page ends the walk early.
func (p *PageTables) EntryAddress(addr uint64, level int) (uint64, bool) {
	if level < 0 || level > p.top() {
		return 0, false
	}
	table := p.root
	for l := p.top(); l > level; l-- {
		e := p.readEntry(p.entryAddr(table, addr, l))
		if !p.valid(e) || p.isLeaf(e, l) {
			return 0, false
		}
		table = p.frame(e, l)
	}
	return p.entryAddr(table, addr, level), true
}

// Mapping is a single leaf as reported by ForEachMapping.
type Mapping struct {
	Addr     uint64
	Length   uint64
	Physical uint64
	Opts     MapOpts
}

// ForEachMapping calls fn for every leaf in address order. Iteration stops
// when fn returns false.
func (p *PageTables) ForEachMapping(fn func(m Mapping) bool) {
	p.forEach(p.root, p.top(), 0, fn)
}

func (p *PageTables) forEach(table uint64, level int, base uint64, fn func(m Mapping) bool) bool {
	n := uint64(512)
	switch {
	case p.format == Legacy:
		n = 1024
	case p.format == PAE && level == 2:
		n = 4
	}
	for i := uint64(0); i < n; i++ {
		e := p.readEntry(table + i*p.entrySize())
		if !p.valid(e) {
			continue
		}
		addr := base + i<<p.shift(level)
		if p.isLeaf(e, level) {
			m := Mapping{Addr: addr, Length: p.size(level), Physical: p.frame(e, level), Opts: p.leafOpts(e)}
			if !fn(m) {
				return false
			}
			continue
		}
		if !p.forEach(p.frame(e, level), level-1, addr, fn) {
			return false
		}
	}
	return true
}
