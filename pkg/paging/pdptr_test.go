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
	"testing"

	"gvisor.dev/xlat/pkg/hostarch"
	"gvisor.dev/xlat/pkg/pagetables"
)

func setupPAE(t *testing.T) (*testEnv, *pagetables.PageTables) {
	t.Helper()
	env := newTestEnv(t, Options{})
	pt := env.tables(t, pagetables.PAE, pagetables.Opts{LargePages: true})
	mustMap(t, pt, 0x1000, hostarch.PageSize, userRW, 0x5000)
	mustMap(t, pt, 0xc0000000, hostarch.HugePageSize, kernRW, 0x400000)
	return env, pt
}

func TestPAETranslate(t *testing.T) {
	env, pt := setupPAE(t)
	env.load(t, paeState(pt.Root()))

	pdptrs, ok := env.mmu.PDPTRs()
	if !ok {
		t.Fatalf("PDPTRs not loaded")
	}
	addr, _ := pt.EntryAddress(0, 2)
	if got, want := pdptrs[0], env.mem.Read64(addr); got != want {
		t.Errorf("PDPTR[0] = %#x, want %#x", got, want)
	}

	if got, want := env.mustTranslate(t, 0x1abc, 3, hostarch.Write), uint64(0x5abc); got != want {
		t.Errorf("Translate(0x1abc) = %#x, want %#x", got, want)
	}
	if got, want := env.mustTranslate(t, 0xc0012345, 0, hostarch.Read), uint64(0x412345); got != want {
		t.Errorf("Translate(0xc0012345) = %#x, want %#x", got, want)
	}
	// PDPTEs carry no permissions and are not marked accessed.
	if got := env.mem.Read64(addr); got&PTEAccessed != 0 {
		t.Errorf("PDPTE = %#x, want accessed clear", got)
	}
}

func TestPDPTRsCached(t *testing.T) {
	env, pt := setupPAE(t)
	env.load(t, paeState(pt.Root()))
	env.mustTranslate(t, 0x1000, 3, hostarch.Read)

	// Memory changes are not seen until CR3 is reloaded.
	addr, _ := pt.EntryAddress(0, 2)
	pdpte := env.mem.Read64(addr)
	env.mem.Write64(addr, 0)
	env.mmu.Flush()
	env.mustTranslate(t, 0x1000, 3, hostarch.Read)

	if err := env.mmu.SetCR3(pt.Root()); err != nil {
		t.Fatalf("SetCR3 failed: %v", err)
	}
	_, err := env.mmu.Translate(0x1000, 3, hostarch.Read)
	if got, want := faultCode(t, err), FaultUser; got != want {
		t.Errorf("fault code = %#x, want %#x", got, want)
	}

	env.mem.Write64(addr, pdpte)
	if err := env.mmu.SetCR3(pt.Root()); err != nil {
		t.Fatalf("SetCR3 failed: %v", err)
	}
	env.mustTranslate(t, 0x1000, 3, hostarch.Read)
}

func TestInvalidPDPTR(t *testing.T) {
	env, pt := setupPAE(t)
	env.load(t, paeState(pt.Root()))
	before, _ := env.mmu.PDPTRs()

	// Bit 1 is reserved in a PDPTE.
	addr, _ := pt.EntryAddress(0xc0000000, 2)
	env.mem.Write64(addr, env.mem.Read64(addr)|PTEWritable)

	count := faultCount.Value("pdptr")
	if err := env.mmu.SetCR3(pt.Root()); !errors.Is(err, ErrPDPTR) {
		t.Errorf("SetCR3 = %v, want %v", err, ErrPDPTR)
	}
	if got, want := faultCount.Value("pdptr")-count, uint64(1); got != want {
		t.Errorf("PDPTR faults = %d, want %d", got, want)
	}
	if after, ok := env.mmu.PDPTRs(); !ok || after != before {
		t.Errorf("PDPTRs changed by a failed load: %#x -> %#x", before, after)
	}

	// Without usable PDPTRs every translation fails.
	if err := env.mmu.LoadState(paeState(pt.Root())); !errors.Is(err, ErrPDPTR) {
		t.Errorf("LoadState = %v, want %v", err, ErrPDPTR)
	}
	if _, err := env.mmu.Translate(0x1000, 3, hostarch.Read); !errors.Is(err, ErrPDPTR) {
		t.Errorf("Translate = %v, want %v", err, ErrPDPTR)
	}
	if len(env.reporter.page) != 0 {
		t.Errorf("PDPTR failures reported as page faults: %v", env.reporter.page)
	}
}

func TestPAEHighReserved(t *testing.T) {
	env, pt := setupPAE(t)
	env.load(t, paeState(pt.Root()))

	// Bits 62:52 are only usable in long mode.
	pte, _ := pt.EntryAddress(0x1000, 0)
	env.mem.Write64(pte, env.mem.Read64(pte)|1<<62)
	_, err := env.mmu.Translate(0x1000, 3, hostarch.Read)
	if got, want := faultCode(t, err), FaultReserved|FaultProtection|FaultUser; got != want {
		t.Errorf("fault code = %#x, want %#x", got, want)
	}
}

func TestPAEReservedWidth(t *testing.T) {
	env, pt := setupPAE(t)
	env.load(t, paeState(pt.Root()))

	// Bit 45 is above the 40-bit physical address width.
	pde, _ := pt.EntryAddress(0xc0000000, 1)
	env.mem.Write64(pde, env.mem.Read64(pde)|1<<45)
	_, err := env.mmu.Translate(0xc0000000, 0, hostarch.Read)
	if got, want := faultCode(t, err), FaultReserved|FaultProtection; got != want {
		t.Errorf("fault code = %#x, want %#x", got, want)
	}
}

func TestEnablePagingLoadsPDPTRs(t *testing.T) {
	env, pt := setupPAE(t)
	env.load(t, State{CR0: CR0PE, CR4: CR4PAE, CR3: pt.Root()})
	if _, ok := env.mmu.PDPTRs(); ok {
		t.Fatalf("PDPTRs loaded with paging disabled")
	}
	if err := env.mmu.SetCR0(CR0PE | CR0PG); err != nil {
		t.Fatalf("SetCR0 failed: %v", err)
	}
	if _, ok := env.mmu.PDPTRs(); !ok {
		t.Errorf("PDPTRs not loaded when enabling paging")
	}
	if got, want := env.mmu.Mode(), ModePAE; got != want {
		t.Errorf("Mode() = %v, want %v", got, want)
	}
}
