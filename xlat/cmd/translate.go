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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/xlat/pkg/hostarch"
	"gvisor.dev/xlat/pkg/paging"
	"gvisor.dev/xlat/xlat/config"
)

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	cpu    int
	cpl    int
	access string
}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "translate linear addresses through a scenario's page tables"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate [-cpu=0] [-cpl=0] [-access=r] <scenario> <address>... - translates each address and prints the physical address or the fault
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Translate) SetFlags(f *flag.FlagSet) {
	f.IntVar(&t.cpu, "cpu", 0, "CPU to translate on.")
	f.IntVar(&t.cpl, "cpl", 0, "current privilege level, 0 to 3. Level 3 is user mode.")
	f.StringVar(&t.access, "access", "r", "access type: r, w, x or rw (read-modify-write).")
}

// Execute implements subcommands.Command.Execute.
func (t *Translate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	faulted, err := t.run(conf, f.Arg(0), f.Args()[1:], os.Stdout)
	if err != nil {
		Fatalf("translate: %v", err)
	}
	if faulted {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// run prints one line per address to w. faulted is set if any address
// faulted.
func (t *Translate) run(conf *config.Config, scenario string, args []string, w io.Writer) (faulted bool, err error) {
	at, ok := hostarch.ParseAccessType(t.access)
	if !ok {
		return false, fmt.Errorf("invalid access type %q", t.access)
	}
	if t.cpl < 0 || t.cpl > 3 {
		return false, fmt.Errorf("invalid privilege level %d", t.cpl)
	}
	if t.cpu < 0 || t.cpu >= conf.CPUs {
		return false, fmt.Errorf("invalid CPU %d", t.cpu)
	}
	addrs, err := parseAddrs(args)
	if err != nil {
		return false, err
	}
	m, err := loadMachine(conf, scenario)
	if err != nil {
		return false, err
	}
	defer m.Close()

	err = m.CPUs.CPU(t.cpu).Do(func(mmu *paging.MMU) error {
		for _, laddr := range addrs {
			paddr, err := mmu.Translate(laddr, t.cpl, at)
			var (
				pf  *paging.PageFault
				ept *paging.EPTFault
			)
			switch {
			case err == nil:
				fmt.Fprintf(w, "%#x -> %#x\n", laddr, paddr)
			case errors.As(err, &pf), errors.As(err, &ept), errors.Is(err, paging.ErrPDPTR):
				faulted = true
				fmt.Fprintf(w, "%#x: %v\n", laddr, err)
			default:
				return err
			}
		}
		return nil
	})
	return faulted, err
}
