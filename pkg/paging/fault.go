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
	"errors"
	"fmt"

	"gvisor.dev/xlat/pkg/hostarch"
)

// Page fault error code bits. Checks happen in the order not present,
// reserved bits, protection.
const (
	// FaultNotPresent is the code for a missing entry.
	FaultNotPresent uint32 = 0x00

	// FaultProtection is set for any fault on a present entry.
	FaultProtection uint32 = 0x01

	// FaultWrite is set when the access was a write.
	FaultWrite uint32 = 0x02

	// FaultUser is set when the access came from CPL 3.
	FaultUser uint32 = 0x04

	// FaultReserved is set when a reserved bit was found. It is always
	// reported together with FaultProtection.
	FaultReserved uint32 = 0x08

	// FaultInstruction is set for instruction fetches when no-execute
	// paging is active.
	FaultInstruction uint32 = 0x10
)

// ErrPDPTR is returned when a legacy PAE translation or a CR3 load finds
// PDPTEs with reserved bits set. It corresponds to #GP(0).
var ErrPDPTR = errors.New("invalid PDPTE")

// ErrUnsupported is returned when a control register write sets a bit that
// the emulated CPU does not implement.
var ErrUnsupported = errors.New("control register bit not supported")

// PageFault describes a #PF.
type PageFault struct {
	// Addr is the faulting linear address, as loaded into CR2.
	Addr uint64

	// Code is the error code pushed by the exception.
	Code uint32

	// Access is the access that faulted.
	Access hostarch.AccessType

	// User is set when the access was made at CPL 3.
	User bool
}

// Error implements error.Error.
func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at %#x: %s access, error code %#x", f.Addr, f.Access, f.Code)
}

// Present reports whether the fault was taken on a present entry.
func (f *PageFault) Present() bool {
	return f.Code&FaultProtection != 0
}

// Reserved reports whether a reserved bit caused the fault.
func (f *PageFault) Reserved() bool {
	return f.Code&FaultReserved != 0
}

// EPTFaultKind distinguishes the two EPT exit reasons.
type EPTFaultKind int

const (
	// EPTViolation is an access not permitted by the EPT entries.
	EPTViolation EPTFaultKind = iota

	// EPTMisconfiguration is an EPT entry with an illegal encoding.
	EPTMisconfiguration
)

// String implements fmt.Stringer.
func (k EPTFaultKind) String() string {
	switch k {
	case EPTViolation:
		return "violation"
	case EPTMisconfiguration:
		return "misconfiguration"
	default:
		return fmt.Sprintf("EPTFaultKind(%d)", int(k))
	}
}

// EPT exit qualification bits beyond the access and permission fields.
const (
	EPTQualGuestLinearValid uint32 = 0x80
	EPTQualPageWalk         uint32 = 0x100
)

// EPTFault describes an EPT violation or misconfiguration exit.
type EPTFault struct {
	// Kind is the exit reason.
	Kind EPTFaultKind

	// GuestPhysical is the guest physical address being translated.
	GuestPhysical uint64

	// GuestLinear is the linear address that led to the access. It is only
	// meaningful when GuestLinearValid is set.
	GuestLinear      uint64
	GuestLinearValid bool

	// Qualification holds the requested access in bits 2:0, the permissions
	// found in bits 5:3, and EPTQualGuestLinearValid / EPTQualPageWalk.
	Qualification uint32
}

// Error implements error.Error.
func (f *EPTFault) Error() string {
	if f.GuestLinearValid {
		return fmt.Sprintf("EPT %s at guest physical %#x (linear %#x), qualification %#x", f.Kind, f.GuestPhysical, f.GuestLinear, f.Qualification)
	}
	return fmt.Sprintf("EPT %s at guest physical %#x, qualification %#x", f.Kind, f.GuestPhysical, f.Qualification)
}
