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
	"bytes"
	"errors"
	"strings"
	"testing"

	"gvisor.dev/xlat/pkg/hostarch"
	"gvisor.dev/xlat/pkg/pagetables"
)

func TestDebugTranslate(t *testing.T) {
	env := setupLegacy(t, Options{}, 0x2007, 0x3005, 0)

	lookups := tlbLookups.Value()
	if got, ok := env.mmu.DebugTranslate(0xabc); !ok || got != 0x3abc {
		t.Errorf("DebugTranslate(0xabc) = %#x, %t; want 0x3abc, true", got, ok)
	}
	if _, ok := env.mmu.DebugTranslate(0x400000); ok {
		t.Errorf("DebugTranslate(0x400000) found a mapping")
	}

	// No side effects.
	if got, want := env.mem.Read32(0x1000), uint32(0x2007); got != want {
		t.Errorf("PDE = %#x, want %#x", got, want)
	}
	if got, want := env.mem.Read32(0x2000), uint32(0x3005); got != want {
		t.Errorf("PTE = %#x, want %#x", got, want)
	}
	if got := env.mmu.tlb.valid(); got != 0 {
		t.Errorf("valid TLB entries = %d, want 0", got)
	}
	if got := tlbLookups.Value() - lookups; got != 0 {
		t.Errorf("TLB lookups = %d, want 0", got)
	}
	if len(env.reporter.page) != 0 {
		t.Errorf("faults reported: %v", env.reporter.page)
	}

	// The TLB wins over memory.
	env.mustTranslate(t, 0xabc, 3, hostarch.Read)
	env.mem.Write32(0x2000, 0x4005)
	if got, ok := env.mmu.DebugTranslate(0xabc); !ok || got != 0x3abc {
		t.Errorf("DebugTranslate(0xabc) = %#x, %t; want the cached 0x3abc", got, ok)
	}
}

func TestDebugTranslateIgnoresPermissions(t *testing.T) {
	// Supervisor, read-only.
	env := setupLegacy(t, Options{}, 0x2001, 0x3001, CR0WP)
	if got, ok := env.mmu.DebugTranslate(0x10); !ok || got != 0x3010 {
		t.Errorf("DebugTranslate(0x10) = %#x, %t; want 0x3010, true", got, ok)
	}
}

func TestDebugTranslateModes(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(t *testing.T) *testEnv
		laddr uint64
		want  uint64
	}{
		{
			name:  "paging disabled",
			setup: func(t *testing.T) *testEnv { return newTestEnv(t, Options{}) },
			laddr: 0x123456,
			want:  0x123456,
		},
		{
			name: "legacy 4M",
			setup: func(t *testing.T) *testEnv {
				env := newTestEnv(t, Options{})
				pt := env.tables(t, pagetables.Legacy, pagetables.Opts{LargePages: true})
				mustMap(t, pt, 0x400000, hostarch.LegacyHugePageSize, kernRW, 0x100c00000)
				s := legacyState(pt.Root())
				s.CR4 = CR4PSE
				env.load(t, s)
				return env
			},
			laddr: 0x4abcde,
			want:  0x100cabcde,
		},
		{
			name: "pae 2M",
			setup: func(t *testing.T) *testEnv {
				env, pt := setupPAE(t)
				env.load(t, paeState(pt.Root()))
				return env
			},
			laddr: 0xc0112345,
			want:  0x512345,
		},
		{
			name: "long 1G",
			setup: func(t *testing.T) *testEnv {
				env := newTestEnv(t, Options{})
				pt := env.tables(t, pagetables.Long, longPT)
				mustMap(t, pt, 0x40000000, hostarch.GiantPageSize, kernRW, 0x80000000)
				env.load(t, longState(pt.Root()))
				return env
			},
			laddr: 0x7fffffff,
			want:  0xbfffffff,
		},
		{
			name: "ept",
			setup: func(t *testing.T) *testEnv {
				env, guest, ept := setupEPT(t)
				mustMap(t, ept, 0x600000, hostarch.PageSize, eptRWX, 0x700000)
				env.load(t, eptState(guest, ept))
				return env
			},
			laddr: 0x1abc,
			want:  0x700abc,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := tc.setup(t)
			if got, ok := env.mmu.DebugTranslate(tc.laddr); !ok || got != tc.want {
				t.Errorf("DebugTranslate(%#x) = %#x, %t; want %#x, true", tc.laddr, got, ok, tc.want)
			}
		})
	}
}

func dumpLines(t *testing.T, m *MMU, laddr uint64) []string {
	t.Helper()
	var buf bytes.Buffer
	if err := m.DumpWalk(&buf, laddr); err != nil {
		t.Fatalf("DumpWalk failed: %v", err)
	}
	return strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
}

func TestDumpWalkLegacy(t *testing.T) {
	env := setupLegacy(t, Options{}, 0x2007, 0x3005, 0)
	lines := dumpLines(t, env.mmu, 0xabc)
	if len(lines) != 4 {
		t.Fatalf("DumpWalk wrote %q, want 4 lines", lines)
	}
	if got, want := lines[0], "linear 0xabc, legacy paging"; got != want {
		t.Errorf("header = %q, want %q", got, want)
	}
	for i, want := range []struct{ prefix, suffix string }{
		{" PDE: 0x", "2007 ps         a pcd pwt U W P"},
		{" PTE: 0x", "3005    g pat d a pcd pwt U R P"},
	} {
		line := lines[i+1]
		if !strings.HasPrefix(line, want.prefix) || !strings.HasSuffix(line, want.suffix) {
			t.Errorf("line %d = %q, want %q...%q", i+1, line, want.prefix, want.suffix)
		}
	}
	if got, want := lines[3], "physical 0x3abc"; got != want {
		t.Errorf("last line = %q, want %q", got, want)
	}

	lines = dumpLines(t, env.mmu, 0x400000)
	if got, want := lines[len(lines)-1], "not mapped"; got != want {
		t.Errorf("last line = %q, want %q", got, want)
	}
}

func TestDumpWalkLong(t *testing.T) {
	env := newTestEnv(t, Options{})
	pt := env.tables(t, pagetables.Long, longPT)
	mustMap(t, pt, 0x200000, hostarch.HugePageSize, kernRW, 0x400000)
	env.load(t, longState(pt.Root()))
	env.mustTranslate(t, 0x200000, 0, hostarch.Write)

	lines := dumpLines(t, env.mmu, 0x212345)
	want := []string{"linear 0x212345, long paging", "PML4: ", "PDPE: ", " PDE: ", "physical 0x412345"}
	if len(lines) != len(want) {
		t.Fatalf("DumpWalk wrote %q, want %d lines", lines, len(want))
	}
	for i, prefix := range want {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], prefix)
		}
	}
	if !strings.HasSuffix(lines[3], " PS g pat D A pcd pwt S W P") {
		t.Errorf("PDE line = %q, want a dirty supervisor large page", lines[3])
	}
}

func TestDumpWalkEPT(t *testing.T) {
	env, guest, ept := setupEPT(t)
	env.load(t, eptState(guest, ept))

	var buf bytes.Buffer
	if err := env.mmu.DumpWalk(&buf, 0x1abc); err != nil {
		t.Fatalf("DumpWalk failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"EPT PML4: ", "EPT  PDE: ", " PS E W R", "physical 0x600abc"} {
		if !strings.Contains(out, want) {
			t.Errorf("DumpWalk output lacks %q:\n%s", want, out)
		}
	}
}

type failWriter struct{}

var errWrite = errors.New("write failed")

func (failWriter) Write([]byte) (int, error) { return 0, errWrite }

func TestDumpWalkWriteError(t *testing.T) {
	env := setupLegacy(t, Options{}, 0x2007, 0x3005, 0)
	if err := env.mmu.DumpWalk(failWriter{}, 0xabc); !errors.Is(err, errWrite) {
		t.Errorf("DumpWalk = %v, want %v", err, errWrite)
	}
}
