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

	"gvisor.dev/xlat/pkg/cpuid"
	"gvisor.dev/xlat/pkg/hostarch"
	"gvisor.dev/xlat/pkg/pagetables"
)

// setupGlobal maps a global page at 0x1000 and a non-global page at 0x2000
// in long mode with CR4.PGE set, and loads both into the TLB.
func setupGlobal(t *testing.T) (*testEnv, *pagetables.PageTables) {
	t.Helper()
	env := newTestEnv(t, Options{})
	pt := env.tables(t, pagetables.Long, longPT)
	mustMap(t, pt, 0x1000, hostarch.PageSize, pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}, 0x5000)
	mustMap(t, pt, 0x2000, hostarch.PageSize, kernRW, 0x6000)
	s := longState(pt.Root())
	s.CR4 |= CR4PGE
	env.load(t, s)
	env.mustTranslate(t, 0x1000, 0, hostarch.Read)
	env.mustTranslate(t, 0x2000, 0, hostarch.Read)
	return env, pt
}

func TestFlushNonGlobal(t *testing.T) {
	env, _ := setupGlobal(t)

	calls := env.prefetch.calls
	env.mmu.FlushNonGlobal()
	if got, want := env.mmu.tlb.valid(), 1; got != want {
		t.Errorf("valid TLB entries = %d, want %d", got, want)
	}
	if got, want := env.prefetch.calls, calls+1; got != want {
		t.Errorf("prefetch invalidations = %d, want %d", got, want)
	}

	misses := tlbMisses.Value()
	env.mustTranslate(t, 0x1000, 0, hostarch.Read)
	if got := tlbMisses.Value() - misses; got != 0 {
		t.Errorf("global page missed the TLB")
	}

	env.mmu.Flush()
	if got := env.mmu.tlb.valid(); got != 0 {
		t.Errorf("valid TLB entries after Flush = %d, want 0", got)
	}
}

func TestFlushNonGlobalBefore686(t *testing.T) {
	env := setupLegacy(t, Options{Level: CPULevel586}, 0x2107, 0x3105, 0)
	env.mustTranslate(t, 0x0, 0, hostarch.Read)

	all := tlbFlushes.Value("all")
	env.mmu.FlushNonGlobal()
	if got := env.mmu.tlb.valid(); got != 0 {
		t.Errorf("valid TLB entries = %d, want 0", got)
	}
	if got, want := tlbFlushes.Value("all")-all, uint64(1); got != want {
		t.Errorf("full flushes = %d, want %d", got, want)
	}
}

func TestInvalidatePageGlobal(t *testing.T) {
	env, _ := setupGlobal(t)
	env.mmu.InvalidatePage(0x1000)
	if got, want := env.mmu.tlb.valid(), 1; got != want {
		t.Errorf("valid TLB entries = %d, want %d", got, want)
	}
	if e := env.mmu.tlb.slot(0x1000); e.matches(0x1000) {
		t.Errorf("global entry survived InvalidatePage")
	}
}

func TestInvalidatePageLarge(t *testing.T) {
	env := newTestEnv(t, Options{})
	pt := env.tables(t, pagetables.Long, longPT)
	mustMap(t, pt, 0x1000, hostarch.PageSize, kernRW, 0x5000)
	mustMap(t, pt, 0x200000, hostarch.HugePageSize, kernRW, 0x400000)
	env.load(t, longState(pt.Root()))

	env.mustTranslate(t, 0x1000, 0, hostarch.Read)
	env.mustTranslate(t, 0x200000, 0, hostarch.Read)
	env.mustTranslate(t, 0x3ff000, 0, hostarch.Read)
	if !env.mmu.tlb.splitLarge {
		t.Fatalf("splitLarge not set")
	}

	// Every entry of the 2M page goes, whichever 4K page is named.
	env.mmu.InvalidatePage(0x250000)
	if got, want := env.mmu.tlb.valid(), 1; got != want {
		t.Errorf("valid TLB entries = %d, want %d", got, want)
	}
	if env.mmu.tlb.splitLarge {
		t.Errorf("splitLarge still set with no large entries left")
	}
}

func TestSetCR0(t *testing.T) {
	for _, tc := range []struct {
		name  string
		bit   uint64
		flush bool
	}{
		{"WP", CR0WP, true},
		{"PE", CR0PE, true},
		{"CD", CR0CD, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := setupLegacy(t, Options{}, 0x2007, 0x3005, 0)
			env.mustTranslate(t, 0x0, 0, hostarch.Read)
			if err := env.mmu.SetCR0(env.mmu.State().CR0 ^ tc.bit); err != nil {
				t.Fatalf("SetCR0 failed: %v", err)
			}
			if got := env.mmu.tlb.valid() == 0; got != tc.flush {
				t.Errorf("flushed = %t, want %t", got, tc.flush)
			}
		})
	}
}

func TestSetCR0LongMode(t *testing.T) {
	env := newTestEnv(t, Options{})
	pt := env.tables(t, pagetables.Long, longPT)
	mustMap(t, pt, 0x1000, hostarch.PageSize, userRW, 0x5000)
	env.load(t, State{CR0: CR0PE, CR4: CR4PAE, EFER: EFERLME | EFERNXE, CR3: pt.Root()})

	if err := env.mmu.SetCR0(CR0PE | CR0PG); err != nil {
		t.Fatalf("SetCR0 failed: %v", err)
	}
	if got, want := env.mmu.Mode(), ModeLong; got != want {
		t.Errorf("Mode() = %v, want %v", got, want)
	}
	if got, want := env.mustTranslate(t, 0x1abc, 3, hostarch.Read), uint64(0x5abc); got != want {
		t.Errorf("Translate = %#x, want %#x", got, want)
	}

	if err := env.mmu.SetCR0(CR0PE); err != nil {
		t.Fatalf("SetCR0 failed: %v", err)
	}
	if s := env.mmu.State(); s.EFER&EFERLMA != 0 {
		t.Errorf("EFER = %#x, want LMA clear", s.EFER)
	}
	if got := env.mmu.tlb.valid(); got != 0 {
		t.Errorf("valid TLB entries = %d, want 0", got)
	}
}

func TestSetCR0LongModeWithoutPAE(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.load(t, State{CR0: CR0PE, EFER: EFERLME})
	if err := env.mmu.SetCR0(CR0PE | CR0PG); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SetCR0 = %v, want %v", err, ErrUnsupported)
	}
	if got, want := env.mmu.State().CR0, uint64(CR0PE); got != want {
		t.Errorf("CR0 = %#x, want %#x", got, want)
	}
}

func TestSetCR3(t *testing.T) {
	env, pt := setupGlobal(t)
	if err := env.mmu.SetCR3(pt.Root()); err != nil {
		t.Fatalf("SetCR3 failed: %v", err)
	}
	if got, want := env.mmu.tlb.valid(), 1; got != want {
		t.Errorf("valid TLB entries with PGE = %d, want %d", got, want)
	}

	if err := env.mmu.SetCR4(env.mmu.State().CR4 &^ CR4PGE); err != nil {
		t.Fatalf("SetCR4 failed: %v", err)
	}
	env.mustTranslate(t, 0x1000, 0, hostarch.Read)
	if err := env.mmu.SetCR3(pt.Root()); err != nil {
		t.Fatalf("SetCR3 failed: %v", err)
	}
	if got := env.mmu.tlb.valid(); got != 0 {
		t.Errorf("valid TLB entries without PGE = %d, want 0", got)
	}
}

func TestSetCR4(t *testing.T) {
	for _, tc := range []struct {
		name     string
		level    CPULevel
		features *cpuid.FeatureSet
		state    State
		cr4      uint64
		ok       bool
	}{
		{name: "all extensions", level: CPULevel686, features: cpuid.X8664(), cr4: CR4PSE | CR4PAE | CR4PGE, ok: true},
		{name: "PSE on 586", level: CPULevel586, features: cpuid.Pentium(), cr4: CR4PSE, ok: true},
		{name: "PSE on 486", level: CPULevel486, features: cpuid.X8664(), cr4: CR4PSE},
		{name: "PAE on 586", level: CPULevel586, features: cpuid.X8664(), cr4: CR4PAE},
		{name: "PGE without feature", level: CPULevel686, features: cpuid.Pentium(), cr4: CR4PGE},
		{name: "clear PAE in long mode", level: CPULevel686, features: cpuid.X8664(), state: longState(0), cr4: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := New(nil, Options{Level: tc.level, Features: tc.features})
			m.state = tc.state
			err := m.SetCR4(tc.cr4)
			if tc.ok {
				if err != nil {
					t.Errorf("SetCR4(%#x) failed: %v", tc.cr4, err)
				} else if got := m.State().CR4; got != tc.cr4 {
					t.Errorf("CR4 = %#x, want %#x", got, tc.cr4)
				}
				return
			}
			if !errors.Is(err, ErrUnsupported) {
				t.Errorf("SetCR4(%#x) = %v, want %v", tc.cr4, err, ErrUnsupported)
			}
			if got := m.State().CR4; got != tc.state.CR4 {
				t.Errorf("CR4 = %#x after a failed write, want %#x", got, tc.state.CR4)
			}
		})
	}
}

func TestSetCR4Flush(t *testing.T) {
	env := setupLegacy(t, Options{}, 0x2007, 0x3005, 0)
	env.mustTranslate(t, 0x0, 0, hostarch.Read)
	if err := env.mmu.SetCR4(CR4PSE); err != nil {
		t.Fatalf("SetCR4 failed: %v", err)
	}
	if got := env.mmu.tlb.valid(); got != 0 {
		t.Errorf("valid TLB entries = %d, want 0", got)
	}
}

func TestSetEFER(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		m := New(nil, Options{Features: cpuid.PentiumPro()})
		for _, v := range []uint64{EFERNXE, EFERLME} {
			if err := m.SetEFER(v); !errors.Is(err, ErrUnsupported) {
				t.Errorf("SetEFER(%#x) = %v, want %v", v, err, ErrUnsupported)
			}
		}
	})

	t.Run("LME with paging on", func(t *testing.T) {
		m := New(nil, Options{})
		m.state = legacyState(0)
		if err := m.SetEFER(EFERLME); !errors.Is(err, ErrUnsupported) {
			t.Errorf("SetEFER(LME) = %v, want %v", err, ErrUnsupported)
		}
	})

	t.Run("LMA is read-only", func(t *testing.T) {
		m := New(nil, Options{})
		if err := m.SetEFER(EFERLMA | EFERNXE); err != nil {
			t.Fatalf("SetEFER failed: %v", err)
		}
		if got, want := m.State().EFER, uint64(EFERNXE); got != want {
			t.Errorf("EFER = %#x, want %#x", got, want)
		}
	})

	t.Run("NXE does not flush", func(t *testing.T) {
		env := setupLegacy(t, Options{}, 0x2007, 0x3005, 0)
		env.mustTranslate(t, 0x0, 0, hostarch.Read)
		if err := env.mmu.SetEFER(EFERNXE); err != nil {
			t.Fatalf("SetEFER failed: %v", err)
		}
		if got, want := env.mmu.tlb.valid(), 1; got != want {
			t.Errorf("valid TLB entries = %d, want %d", got, want)
		}
	})

	t.Run("fetch walks after NXE is cleared", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		pt := env.tables(t, pagetables.PAE, pagetables.Opts{ExecuteDisable: true})
		mustMap(t, pt, 0x1000, hostarch.PageSize, userRW, 0x5000)
		s := paeState(pt.Root())
		s.EFER = EFERNXE
		env.load(t, s)
		env.mustTranslate(t, 0x1abc, 0, hostarch.Read)

		if err := env.mmu.SetEFER(0); err != nil {
			t.Fatalf("SetEFER failed: %v", err)
		}
		if got, want := env.mmu.tlb.valid(), 1; got != want {
			t.Errorf("valid TLB entries = %d, want %d", got, want)
		}
		// The entry was filled by a read, so a fetch misses and the walk
		// finds NX reserved.
		_, err := env.mmu.Translate(0x1abc, 0, hostarch.Execute)
		if got, want := faultCode(t, err), FaultProtection|FaultReserved; got != want {
			t.Errorf("fetch fault code = %#x, want %#x", got, want)
		}
	})
}
