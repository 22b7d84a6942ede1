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


package pagetables

import (
	"fmt"

	"gvisor.dev/xlat/pkg/bits"
	"gvisor.dev/xlat/pkg/hostarch"
)

var zeroPage [hostarch.PageSize]byte

// BumpAllocator hands out table pages from a fixed physical range, in
// order. Pages are never reused.
type BumpAllocator struct {
	mem   Memory
	start uint64
	next  uint64
	end   uint64
}

// NewBumpAllocator returns an allocator for [start, end). start is rounded
// up to a page boundary.
func NewBumpAllocator(mem Memory, start, end uint64) *BumpAllocator {
	start = bits.AlignUp(start, hostarch.PageSize)
	return &BumpAllocator{mem: mem, start: start, next: start, end: end}
}

// NewPage implements Allocator.NewPage.
func (a *BumpAllocator) NewPage() (uint64, error) {
	if a.next+hostarch.PageSize > a.end {
		return 0, fmt.Errorf("%w: range exhausted at %#x", ErrNoMemory, a.next)
	}
	addr := a.next
	a.next += hostarch.PageSize
	a.mem.WritePhysical(addr, zeroPage[:])
	return addr, nil
}

// Used returns the number of bytes handed out so far.
func (a *BumpAllocator) Used() uint64 {
	return a.next - a.start
}
