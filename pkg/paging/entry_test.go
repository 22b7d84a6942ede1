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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/xlat/pkg/hostarch"
)

func TestMakeReservedMasks(t *testing.T) {
	for _, tc := range []struct {
		width uint
		want  reservedMasks
	}{
		{
			width: 40,
			want: reservedMasks{
				phys:    0x000fff0000000000,
				pdpte:   0xffffff00000001e6,
				pde2M:   0x000fff00001fe000,
				pdpte1G: 0x000fff003fffe000,
				pde4M:   0x200000,
			},
		},
		{
			width: 36,
			want: reservedMasks{
				phys:    0x000ffff000000000,
				pdpte:   0xfffffff0000001e6,
				pde2M:   0x000ffff0001fe000,
				pdpte1G: 0x000ffff03fffe000,
				pde4M:   0x3e0000,
			},
		},
		{
			// Narrower widths are treated as 32 bits.
			width: 20,
			want: reservedMasks{
				phys:    0x000fffff00000000,
				pdpte:   0xffffffff000001e6,
				pde2M:   0x000fffff001fe000,
				pdpte1G: 0x000fffff3fffe000,
				pde4M:   0x3fe000,
			},
		},
		{
			width: 52,
			want: reservedMasks{
				pdpte:   pdpteReservedBits,
				pde2M:   pde2MReservedBits,
				pdpte1G: pdpte1GReservedBits,
			},
		},
	} {
		got := makeReservedMasks(tc.width)
		if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(reservedMasks{})); diff != "" {
			t.Errorf("makeReservedMasks(%d) mismatch (-want +got):\n%s", tc.width, diff)
		}
	}
}

func TestEntryFlags(t *testing.T) {
	for _, tc := range []struct {
		level Level
		entry uint64
		want  string
	}{
		{LevelPTE, 0x3025, "    g pat d A pcd pwt U R P"},
		{LevelPTE, 0x31ff, "    G PAT D A PCD PWT U W P"},
		{LevelPDE, 0x2007, " ps         a pcd pwt U W P"},
		{LevelPDE, 0x4010e3, " PS g PAT D A pcd pwt S W P"},
	} {
		if got := entryFlags(tc.level, tc.entry); got != tc.want {
			t.Errorf("entryFlags(%v, %#x) = %q, want %q", tc.level, tc.entry, got, tc.want)
		}
	}
}

func TestEPTEntryFlags(t *testing.T) {
	for _, tc := range []struct {
		level Level
		entry uint64
		want  string
	}{
		{LevelPTE, EPTRead, "    e w R"},
		{LevelPDE, EPTPageSize | eptAccessMask, " PS E W R"},
		{LevelPML4, EPTPageSize | EPTWrite, " PS e W r"},
		{LevelPTE, EPTPageSize | EPTExecute, "    E w r"},
	} {
		if got := eptEntryFlags(tc.level, tc.entry); got != tc.want {
			t.Errorf("eptEntryFlags(%v, %#x) = %q, want %q", tc.level, tc.entry, got, tc.want)
		}
	}
}

func TestLevelString(t *testing.T) {
	for l, want := range map[Level]string{
		LevelPTE:  "PTE",
		LevelPDE:  "PDE",
		LevelPDPE: "PDPE",
		LevelPML4: "PML4",
		Level(7):  "Level(7)",
	} {
		if got := l.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", int(l), got, want)
		}
	}
}

func TestFaultErrors(t *testing.T) {
	pf := &PageFault{Addr: 0x1000, Code: FaultProtection | FaultWrite, Access: hostarch.Write}
	if got, want := pf.Error(), "page fault at 0x1000: -w- access, error code 0x3"; got != want {
		t.Errorf("PageFault.Error() = %q, want %q", got, want)
	}

	ept := &EPTFault{Kind: EPTMisconfiguration, GuestPhysical: 0x2000, Qualification: 0x11}
	if got, want := ept.Error(), "EPT misconfiguration at guest physical 0x2000, qualification 0x11"; got != want {
		t.Errorf("EPTFault.Error() = %q, want %q", got, want)
	}
	ept.GuestLinear, ept.GuestLinearValid = 0xabc, true
	if got, want := ept.Error(), "EPT misconfiguration at guest physical 0x2000 (linear 0xabc), qualification 0x11"; got != want {
		t.Errorf("EPTFault.Error() = %q, want %q", got, want)
	}
}

func TestEPTAccess(t *testing.T) {
	for _, tc := range []struct {
		at   hostarch.AccessType
		want uint64
	}{
		{hostarch.Read, EPTRead},
		{hostarch.Write, EPTWrite},
		{hostarch.ReadWrite, EPTRead | EPTWrite},
		{hostarch.Execute, EPTExecute},
	} {
		if got := eptAccess(tc.at); got != tc.want {
			t.Errorf("eptAccess(%s) = %#x, want %#x", tc.at, got, tc.want)
		}
	}
}
