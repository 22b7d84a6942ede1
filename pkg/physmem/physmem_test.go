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

package physmem

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/xlat/pkg/hostarch"
)

type recordingDevice struct {
	reads  []uint64
	writes map[uint64][]byte
}

func (d *recordingDevice) ReadMMIO(addr uint64, data []byte) {
	d.reads = append(d.reads, addr)
	for i := range data {
		data[i] = 0xAB
	}
}

func (d *recordingDevice) WriteMMIO(addr uint64, data []byte) {
	if d.writes == nil {
		d.writes = make(map[uint64][]byte)
	}
	d.writes[addr] = append([]byte(nil), data...)
}

func newMemory(t *testing.T, size uint64) *Memory {
	t.Helper()
	m, err := New(size)
	if err != nil {
		t.Fatalf("New(%#x) failed: %v", size, err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewBadSize(t *testing.T) {
	for _, size := range []uint64{0, 100, hostarch.PageSize + 1} {
		if _, err := New(size); !errors.Is(err, ErrBadSize) {
			t.Errorf("New(%#x) got err %v, want %v", size, err, ErrBadSize)
		}
	}
}

func TestReadWrite(t *testing.T) {
	m := newMemory(t, 0x10000)

	m.Write64(0x1ffc, 0x1122334455667788)
	if got := m.Read64(0x1ffc); got != 0x1122334455667788 {
		t.Errorf("Read64 across page boundary = %#x", got)
	}
	m.Write32(0x3000, 0xdeadbeef)
	if got := m.Read32(0x3000); got != 0xdeadbeef {
		t.Errorf("Read32 = %#x, want 0xdeadbeef", got)
	}
	if got := m.Size(); got != 0x10000 {
		t.Errorf("Size() = %#x, want 0x10000", got)
	}
}

func TestOutOfRange(t *testing.T) {
	m := newMemory(t, 0x2000)

	m.Write64(0x5000, 42)
	if got := m.Read64(0x5000); got != ^uint64(0) {
		t.Errorf("Read64 beyond RAM = %#x, want all ones", got)
	}
	if got := m.HostPage(0x5000, hostarch.Read); got != nil {
		t.Errorf("HostPage beyond RAM returned %d bytes", len(got))
	}
}

func TestTopOfAddressSpace(t *testing.T) {
	m := newMemory(t, 0x2000)

	const top = 0xfffffffffffffff8
	m.Write64(top, 42)
	if got := m.Read64(top); got != ^uint64(0) {
		t.Errorf("Read64(%#x) = %#x, want all ones", uint64(top), got)
	}
	if got := m.HostPage(top, hostarch.Read); got != nil {
		t.Errorf("HostPage(%#x) returned %d bytes", uint64(top), len(got))
	}
}

func TestMMIODispatch(t *testing.T) {
	m := newMemory(t, 0x10000)
	dev := &recordingDevice{}
	if err := m.RegisterMMIO(0x8000, 0x1000, dev); err != nil {
		t.Fatalf("RegisterMMIO failed: %v", err)
	}

	if got := m.Read32(0x8010); got != 0xABABABAB {
		t.Errorf("Read32 from MMIO = %#x", got)
	}
	m.Write32(0x8020, 0x01020304)
	if diff := cmp.Diff(map[uint64][]byte{0x8020: {4, 3, 2, 1}}, dev.writes); diff != "" {
		t.Errorf("MMIO writes mismatch (-want +got):\n%s", diff)
	}
	if got := m.HostPage(0x8000, hostarch.Write); got != nil {
		t.Errorf("HostPage for MMIO frame returned %d bytes", len(got))
	}
	if got := m.HostPage(0x7000, hostarch.Write); len(got) != hostarch.PageSize {
		t.Errorf("HostPage for RAM frame returned %d bytes", len(got))
	}
}

func TestMMIOOverlap(t *testing.T) {
	m := newMemory(t, 0x10000)
	dev := &recordingDevice{}
	if err := m.RegisterMMIO(0x1000, 0x1000, dev); err != nil {
		t.Fatalf("RegisterMMIO failed: %v", err)
	}
	if err := m.RegisterMMIO(0x4000, 0x100, dev); err != nil {
		t.Fatalf("RegisterMMIO failed: %v", err)
	}
	for _, tc := range []struct{ base, length uint64 }{
		{0x1800, 0x2000},
		{0x0800, 0x1000},
		{0x1100, 0x10},
		{0x3000, 0x1001},
	} {
		if err := m.RegisterMMIO(tc.base, tc.length, dev); !errors.Is(err, ErrOverlap) {
			t.Errorf("RegisterMMIO(%#x, %#x) got err %v, want %v", tc.base, tc.length, err, ErrOverlap)
		}
	}
	if err := m.RegisterMMIO(0x2000, 0x2000, dev); err != nil {
		t.Errorf("RegisterMMIO of adjacent range failed: %v", err)
	}
}

func TestHostPageVetoes(t *testing.T) {
	m := newMemory(t, 0x100000)

	if m.HostPage(0xA0000, hostarch.Read) == nil {
		t.Errorf("HostPage in closed SMRAM window returned nil")
	}
	m.SetSMRAM(true)
	if m.HostPage(0xA0000, hostarch.Read) != nil {
		t.Errorf("HostPage in open SMRAM window returned a page")
	}
	m.SetSMRAM(false)

	m.SetAPICBase(0x9000)
	if m.HostPage(0x9000, hostarch.Read) != nil {
		t.Errorf("HostPage for APIC page returned a page")
	}
	m.SetAPICBase(NoAPIC)
	if m.HostPage(0x9000, hostarch.Read) == nil {
		t.Errorf("HostPage after disabling APIC returned nil")
	}
}

func TestHostPageAliasesRAM(t *testing.T) {
	m := newMemory(t, 0x4000)
	page := m.HostPage(0x2123, hostarch.Write)
	if page == nil {
		t.Fatalf("HostPage returned nil")
	}
	page[0x10] = 0x5a
	var b [1]byte
	m.ReadPhysical(0x2010, b[:])
	if b[0] != 0x5a {
		t.Errorf("write through host page not visible: got %#x", b[0])
	}
}
