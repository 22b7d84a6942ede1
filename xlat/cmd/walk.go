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
	"gvisor.dev/xlat/pkg/paging"
	"gvisor.dev/xlat/xlat/config"
)

// Walk implements subcommands.Command for the "walk" command.
type Walk struct {
	cpu int
}

// Name implements subcommands.Command.Name.
func (*Walk) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Walk) Synopsis() string {
	return "print the paging entries used to translate linear addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Walk) Usage() string {
	return `walk [-cpu=0] <scenario> <address>... - prints each table entry visited, without side effects
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *Walk) SetFlags(f *flag.FlagSet) {
	f.IntVar(&w.cpu, "cpu", 0, "CPU whose state is used.")
}

// Execute implements subcommands.Command.Execute.
func (w *Walk) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := w.run(conf, f.Arg(0), f.Args()[1:], os.Stdout); err != nil {
		Fatalf("walk: %v", err)
	}
	return subcommands.ExitSuccess
}

func (w *Walk) run(conf *config.Config, scenario string, args []string, out io.Writer) error {
	if w.cpu < 0 || w.cpu >= conf.CPUs {
		return fmt.Errorf("invalid CPU %d", w.cpu)
	}
	addrs, err := parseAddrs(args)
	if err != nil {
		return err
	}
	m, err := loadMachine(conf, scenario)
	if err != nil {
		return err
	}
	defer m.Close()

	return m.CPUs.CPU(w.cpu).Do(func(mmu *paging.MMU) error {
		for _, laddr := range addrs {
			if err := mmu.DumpWalk(out, laddr); err != nil {
				return err
			}
		}
		return nil
	})
}
