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

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/xlat/pkg/hostarch"
	"gvisor.dev/xlat/pkg/pagetables"
)

// Default table regions, used when a scenario does not set one.
const (
	DefaultTableBase     = 0x100000
	DefaultTableLimit    = 0x200000
	DefaultEPTTableBase  = 0x200000
	DefaultEPTTableLimit = 0x300000
)

// Scenario describes a set of page tables to build in guest memory and the
// control register state that enables them. Scenario files are TOML, or
// YAML when the name ends in .yaml or .yml. For example:
//
//	format = "long"
//	large-pages = true
//
//	[[mapping]]
//	addr = 0x400000
//	phys = 0x800000
//	length = 0x200000
//	access = "rw"
//	user = true
type Scenario struct {
	// Format is the paging mode: legacy, pae or long.
	Format string `toml:"format" yaml:"format"`

	// LargePages allows 2M and 4M leaves. It also sets CR4.PSE.
	LargePages bool `toml:"large-pages" yaml:"large-pages"`

	// GiantPages allows 1G leaves in long mode.
	GiantPages bool `toml:"giant-pages" yaml:"giant-pages"`

	// ExecuteDisable sets NX on non-executable leaves and EFER.NXE.
	ExecuteDisable bool `toml:"execute-disable" yaml:"execute-disable"`

	// WriteProtect sets CR0.WP.
	WriteProtect bool `toml:"write-protect" yaml:"write-protect"`

	// GlobalPages sets CR4.PGE.
	GlobalPages bool `toml:"global-pages" yaml:"global-pages"`

	// TableBase and TableLimit bound the memory page tables are built in.
	TableBase  uint64 `toml:"table-base" yaml:"table-base"`
	TableLimit uint64 `toml:"table-limit" yaml:"table-limit"`

	// Mappings are the linear to physical mappings.
	Mappings []Mapping `toml:"mapping" yaml:"mapping"`

	// EPT, if set, enables nested translation.
	EPT *EPTScenario `toml:"ept" yaml:"ept"`
}

// EPTScenario describes extended page tables.
type EPTScenario struct {
	LargePages bool   `toml:"large-pages" yaml:"large-pages"`
	GiantPages bool   `toml:"giant-pages" yaml:"giant-pages"`
	TableBase  uint64 `toml:"table-base" yaml:"table-base"`
	TableLimit uint64 `toml:"table-limit" yaml:"table-limit"`

	// Mappings are guest physical to host physical mappings.
	Mappings []Mapping `toml:"mapping" yaml:"mapping"`
}

// Mapping is one contiguous range of a scenario.
type Mapping struct {
	Addr   uint64 `toml:"addr" yaml:"addr"`
	Phys   uint64 `toml:"phys" yaml:"phys"`
	Length uint64 `toml:"length" yaml:"length"`

	// Access is a combination of the letters r, w and x.
	Access string `toml:"access" yaml:"access"`

	User   bool `toml:"user" yaml:"user"`
	Global bool `toml:"global" yaml:"global"`

	// MemoryType is the short name of an EPT memory type, such as "WB".
	// Empty means write-back.
	MemoryType string `toml:"memory-type" yaml:"memory-type"`
}

// ParsePermissions parses a combination of the letters r, w and x. A dash
// is ignored, so "r-x" is accepted.
func ParsePermissions(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return hostarch.NoAccess, fmt.Errorf("invalid permission %q in %q", c, s)
		}
	}
	return at, nil
}

// ParseMemoryType parses the short name of a memory type.
func ParseMemoryType(s string) (hostarch.MemoryType, error) {
	if s == "" {
		return hostarch.MemoryTypeWriteBack, nil
	}
	for _, mt := range []hostarch.MemoryType{
		hostarch.MemoryTypeUncached,
		hostarch.MemoryTypeWriteCombine,
		hostarch.MemoryTypeWriteThrough,
		hostarch.MemoryTypeWriteProtect,
		hostarch.MemoryTypeWriteBack,
	} {
		if strings.EqualFold(s, mt.ShortString()) {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}

// MapOpts returns the table attributes of m.
func (m *Mapping) MapOpts() (pagetables.MapOpts, error) {
	at, err := ParsePermissions(m.Access)
	if err != nil {
		return pagetables.MapOpts{}, err
	}
	mt, err := ParseMemoryType(m.MemoryType)
	if err != nil {
		return pagetables.MapOpts{}, err
	}
	return pagetables.MapOpts{
		AccessType: at,
		User:       m.User,
		Global:     m.Global,
		MemoryType: mt,
	}, nil
}

// TableFormat returns the page table format of the scenario.
func (s *Scenario) TableFormat() (pagetables.Format, error) {
	switch s.Format {
	case "legacy":
		return pagetables.Legacy, nil
	case "pae":
		return pagetables.PAE, nil
	case "long":
		return pagetables.Long, nil
	default:
		return 0, fmt.Errorf("unknown paging format %q", s.Format)
	}
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	var (
		s   Scenario
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(path, &s)
	default:
		err = decodeTOML(path, &s)
	}
	if err != nil {
		return nil, fmt.Errorf("loading scenario %q: %w", path, err)
	}
	if err := s.finish(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return &s, nil
}

func decodeTOML(path string, s *Scenario) error {
	md, err := toml.DecodeFile(path, s)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys %v", undecoded)
	}
	return nil
}

func decodeYAML(path string, s *Scenario) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// finish fills in defaults and validates s.
func (s *Scenario) finish() error {
	if s.Format == "" {
		s.Format = "long"
	}
	if _, err := s.TableFormat(); err != nil {
		return err
	}
	if s.TableBase == 0 && s.TableLimit == 0 {
		s.TableBase, s.TableLimit = DefaultTableBase, DefaultTableLimit
	}
	if err := checkRegion("table", s.TableBase, s.TableLimit); err != nil {
		return err
	}
	if err := checkMappings("mapping", s.Mappings); err != nil {
		return err
	}
	if s.EPT == nil {
		return nil
	}
	if s.EPT.TableBase == 0 && s.EPT.TableLimit == 0 {
		s.EPT.TableBase, s.EPT.TableLimit = DefaultEPTTableBase, DefaultEPTTableLimit
	}
	if err := checkRegion("ept table", s.EPT.TableBase, s.EPT.TableLimit); err != nil {
		return err
	}
	if s.EPT.TableBase < s.TableLimit && s.TableBase < s.EPT.TableLimit {
		return fmt.Errorf("ept table region [%#x, %#x) overlaps table region [%#x, %#x)", s.EPT.TableBase, s.EPT.TableLimit, s.TableBase, s.TableLimit)
	}
	return checkMappings("ept mapping", s.EPT.Mappings)
}

func checkRegion(name string, base, limit uint64) error {
	if base >= limit {
		return fmt.Errorf("%s region [%#x, %#x) is empty", name, base, limit)
	}
	if base%hostarch.PageSize != 0 || limit%hostarch.PageSize != 0 {
		return fmt.Errorf("%s region [%#x, %#x) is not page aligned", name, base, limit)
	}
	return nil
}

func checkMappings(name string, ms []Mapping) error {
	for i := range ms {
		if ms[i].Length == 0 {
			return fmt.Errorf("%s %d: zero length", name, i)
		}
		if _, err := ms[i].MapOpts(); err != nil {
			return fmt.Errorf("%s %d: %w", name, i, err)
		}
	}
	return nil
}
