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


package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/xlat/pkg/hostarch"
	"gvisor.dev/xlat/pkg/log"
	"gvisor.dev/xlat/pkg/paging"
	"gvisor.dev/xlat/pkg/smp"
	"gvisor.dev/xlat/xlat/config"
)

// Bench implements subcommands.Command for the "bench" command.
type Bench struct {
	iterations      int
	seed            uint64
	invalidateEvery int
}

// Name implements subcommands.Command.Name.
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bench) Synopsis() string {
	return "translate random addresses on every CPU concurrently"
}

// Usage implements subcommands.Command.Usage.
func (*Bench) Usage() string {
	return `bench [-n=100000] [-seed=1] [-invalidate-every=1024] <scenario> - translates random addresses within the scenario's mappings, with periodic TLB shootdowns
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bench) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.iterations, "n", 100000, "translations per CPU.")
	f.Uint64Var(&b.seed, "seed", 1, "random seed.")
	f.IntVar(&b.invalidateEvery, "invalidate-every", 1024, "invalidate a page on all CPUs every this many translations. Zero disables shootdowns.")
}

// Execute implements subcommands.Command.Execute.
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := b.run(ctx, conf, f.Arg(0), os.Stdout); err != nil {
		Fatalf("bench: %v", err)
	}
	return subcommands.ExitSuccess
}

// benchResult is the outcome of a benchmark run.
type benchResult struct {
	translations uint64
	shootdowns   uint64
	pageFaults   uint64
	eptFaults    uint64
	elapsed      time.Duration
}

func (b *Bench) run(ctx context.Context, conf *config.Config, scenario string, w io.Writer) error {
	m, err := loadMachine(conf, scenario)
	if err != nil {
		return err
	}
	defer m.Close()

	r, err := b.bench(ctx, m)
	if err != nil {
		return err
	}
	var perOp time.Duration
	if r.translations > 0 {
		perOp = r.elapsed / time.Duration(r.translations)
	}
	fmt.Fprintf(w, "%d translations on %d CPUs in %v (%v/op), %d shootdowns, %d page faults, %d EPT faults\n",
		r.translations, len(m.CPUs.CPUs()), r.elapsed, perOp, r.shootdowns, r.pageFaults, r.eptFaults)
	return nil
}

// bench runs the benchmark on m.
func (b *Bench) bench(ctx context.Context, m *Machine) (benchResult, error) {
	if b.iterations < 0 || b.invalidateEvery < 0 {
		return benchResult{}, fmt.Errorf("negative iteration count")
	}
	mappings := m.Scenario.Mappings
	if len(mappings) == 0 {
		return benchResult{}, fmt.Errorf("scenario has no mappings")
	}

	var translations, shootdowns atomic.Uint64
	start := time.Now()
	err := m.CPUs.Run(ctx, func(ctx context.Context, c *smp.CPU) error {
		rng := rand.New(rand.NewPCG(b.seed, uint64(c.ID())))
		for i := 0; i < b.iterations; i++ {
			if i%1024 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			mapping := mappings[rng.IntN(len(mappings))]
			laddr := mapping.Addr + rng.Uint64N(mapping.Length)
			invalidate := b.invalidateEvery > 0 && (i+1)%b.invalidateEvery == 0
			if err := c.Do(func(mmu *paging.MMU) error {
				if err := touch(mmu, laddr, 0, hostarch.Read); err != nil {
					return err
				}
				if invalidate {
					mmu.InvalidatePage(laddr)
					m.CPUs.Shootdown(c, laddr)
				}
				return nil
			}); err != nil {
				return err
			}
			translations.Add(1)
			if invalidate {
				shootdowns.Add(1)
			}
		}
		return nil
	})
	r := benchResult{
		translations: translations.Load(),
		shootdowns:   shootdowns.Load(),
		elapsed:      time.Since(start),
	}
	r.pageFaults, r.eptFaults = m.Faults()
	log.Infof("Bench: %d translations in %v", r.translations, r.elapsed)
	return r, err
}
