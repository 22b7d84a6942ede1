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


// Package config holds the configuration shared by every xlat command.
package config

import (
	"fmt"

	"gvisor.dev/xlat/pkg/bits"
	"gvisor.dev/xlat/pkg/cpuid"
	"gvisor.dev/xlat/pkg/log"
	"gvisor.dev/xlat/pkg/paging"
)

// Config holds configuration that is not part of a scenario file.
//
// Fields carry a `flag` tag naming the command line flag and a `toml` tag
// naming the key in the configuration file. Flags set on the command line
// take precedence over the file.
type Config struct {
	// ConfigFile is a TOML file holding defaults for the other fields.
	ConfigFile string `flag:"config" toml:"-"`

	// CPULevel is the processor generation: 386, 486, 586 or 686.
	CPULevel string `flag:"cpu-level" toml:"cpu-level"`

	// Model names a CPU feature set from cpuid.Models.
	Model string `flag:"model" toml:"model"`

	// Features, if set, replaces the model's feature flags with a comma
	// separated list.
	Features string `flag:"features" toml:"features"`

	// PhysicalAddressBits overrides the model's physical address width when
	// non-zero.
	PhysicalAddressBits uint `flag:"phys-bits" toml:"phys-bits"`

	// TLBSize is the number of TLB entries per CPU.
	TLBSize int `flag:"tlb-size" toml:"tlb-size"`

	// CPUs is the number of virtual CPUs.
	CPUs int `flag:"cpus" toml:"cpus"`

	// MemoryMB is the size of guest physical memory in megabytes.
	MemoryMB uint64 `flag:"memory-mb" toml:"memory-mb"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the file path where logs are written. Empty means
	// stderr. It may contain the variables understood by log.PatternOpts.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log-format"`
}

// Level returns the parsed CPU level.
func (c *Config) Level() paging.CPULevel {
	l, err := paging.ParseCPULevel(c.CPULevel)
	if err != nil {
		panic(fmt.Sprintf("config not validated: %v", err))
	}
	return l
}

// FeatureSet builds the CPU feature set described by the configuration.
func (c *Config) FeatureSet() (*cpuid.FeatureSet, error) {
	newModel, ok := cpuid.Models[c.Model]
	if !ok {
		return nil, fmt.Errorf("unknown CPU model %q", c.Model)
	}
	fs := newModel()
	if c.Features != "" {
		var err error
		if fs, err = cpuid.ParseFeatures(c.Features, fs.PhysicalAddressBits); err != nil {
			return nil, err
		}
	}
	if c.PhysicalAddressBits != 0 {
		fs.PhysicalAddressBits = c.PhysicalAddressBits
	}
	return fs, nil
}

// MMUOptions returns the options used to build each CPU's MMU.
func (c *Config) MMUOptions() (paging.Options, error) {
	fs, err := c.FeatureSet()
	if err != nil {
		return paging.Options{}, err
	}
	return paging.Options{
		Level:    c.Level(),
		Features: fs,
		TLBSize:  c.TLBSize,
	}, nil
}

// MemorySize returns the size of guest physical memory in bytes.
func (c *Config) MemorySize() uint64 {
	return c.MemoryMB << 20
}

func (c *Config) validate() error {
	if _, err := paging.ParseCPULevel(c.CPULevel); err != nil {
		return err
	}
	if _, err := c.FeatureSet(); err != nil {
		return err
	}
	if c.PhysicalAddressBits != 0 && (c.PhysicalAddressBits < 32 || c.PhysicalAddressBits > 52) {
		return fmt.Errorf("phys-bits must be between 32 and 52, got %d", c.PhysicalAddressBits)
	}
	if c.TLBSize != 0 && !bits.IsPowerOfTwo(c.TLBSize) {
		return fmt.Errorf("tlb-size must be a power of two, got %d", c.TLBSize)
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("cpus must be positive, got %d", c.CPUs)
	}
	if c.MemoryMB == 0 || c.MemoryMB > 1<<14 {
		return fmt.Errorf("memory-mb must be between 1 and %d, got %d", 1<<14, c.MemoryMB)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format %q", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config: %s CPU level %s, %d CPUs, %d MB, TLB %d", c.Model, c.CPULevel, c.CPUs, c.MemoryMB, c.TLBSize)
	if c.Features != "" {
		log.Infof("Config: features %q", c.Features)
	}
	if c.ConfigFile != "" {
		log.Infof("Config: loaded from %q", c.ConfigFile)
	}
}
