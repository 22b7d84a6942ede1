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

// Package paging implements x86 linear-to-physical address translation: the
// page-table walkers for 32-bit, PAE and long mode paging, the paging
// permission model, a direct-mapped software TLB, and nested translation
// through extended page tables.
//
// An MMU belongs to a single virtual CPU and is not safe for concurrent use.
// Cross-CPU invalidation is the caller's responsibility (see package smp).
package paging

import (
	"gvisor.dev/xlat/pkg/hostarch"
)

// PhysicalAccess is the guest physical address space. Page-table entries are
// read and written back through it.
type PhysicalAccess interface {
	// ReadPhysical fills data from guest physical memory at addr.
	ReadPhysical(addr uint64, data []byte)

	// WritePhysical stores data to guest physical memory at addr.
	WritePhysical(addr uint64, data []byte)
}

// HostPageProvider hands out direct host mappings of guest frames.
type HostPageProvider interface {
	// HostPage returns the host memory backing the 4K frame ppf, or nil if
	// the frame may only be accessed through PhysicalAccess.
	HostPage(ppf uint64, at hostarch.AccessType) []byte
}

// FaultReporter is notified of every fault before Translate returns it.
type FaultReporter interface {
	// PageFault is called for #PF conditions.
	PageFault(f *PageFault)

	// EPTFault is called for EPT violations and misconfigurations.
	EPTFault(f *EPTFault)
}

// PrefetchInvalidator is notified whenever cached translations are dropped.
type PrefetchInvalidator interface {
	InvalidatePrefetch()
}

// BreakpointChecker vetoes direct host access to pages that contain an
// armed hardware breakpoint.
type BreakpointChecker interface {
	CoversBreakpoint(laddr uint64) bool
}
