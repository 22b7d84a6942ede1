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
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/xlat/pkg/hostarch"
	"gvisor.dev/xlat/pkg/metric"
	"gvisor.dev/xlat/pkg/paging"
	"gvisor.dev/xlat/xlat/config"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	cpl int
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "touch every mapping of a scenario and print translation metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-cpl=0] <scenario> - translates the first and last byte of every mapping on every CPU, then prints metrics in Prometheus format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.cpl, "cpl", 0, "current privilege level, 0 to 3.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.run(conf, f.Arg(0), os.Stdout); err != nil {
		Fatalf("stats: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Stats) run(conf *config.Config, scenario string, w io.Writer) error {
	if s.cpl < 0 || s.cpl > 3 {
		return fmt.Errorf("invalid privilege level %d", s.cpl)
	}
	m, err := loadMachine(conf, scenario)
	if err != nil {
		return err
	}
	defer m.Close()
	return s.stats(m, w)
}

// stats touches both ends of every mapping on every CPU and writes the
// fault totals and metrics to w.
func (s *Stats) stats(m *Machine, w io.Writer) error {
	for _, c := range m.CPUs.CPUs() {
		if err := c.Do(func(mmu *paging.MMU) error {
			for _, mapping := range m.Scenario.Mappings {
				at, err := config.ParsePermissions(mapping.Access)
				if err != nil {
					return err
				}
				if !at.Any() {
					at = hostarch.Read
				}
				for _, laddr := range []uint64{mapping.Addr, mapping.Addr + mapping.Length - 1} {
					if err := touch(mmu, laddr, s.cpl, at); err != nil {
						return err
					}
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	pageFaults, eptFaults := m.Faults()
	fmt.Fprintf(w, "# %d page faults, %d EPT faults\n", pageFaults, eptFaults)
	return metric.WritePrometheus(w)
}
