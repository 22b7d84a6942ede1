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
	"flag"
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with default values for the flags below. Flags given on the command line win.")

	// CPU flags.
	flagSet.String("cpu-level", "686", "processor generation: 386, 486, 586 or 686.")
	flagSet.String("model", "x86-64", "CPU model: 486, pentium, pentiumpro or x86-64.")
	flagSet.String("features", "", "comma-separated CPU feature flags replacing the model's, e.g. \"pse,pae,pge,nx\".")
	flagSet.Uint("phys-bits", 0, "physical address width in bits. Zero uses the model's width.")
	flagSet.Int("tlb-size", 1024, "number of TLB entries per CPU, a power of two.")
	flagSet.Int("cpus", 1, "number of virtual CPUs.")
	flagSet.Uint64("memory-mb", 64, "guest physical memory size in megabytes.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where logs are written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%, %PID%.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, when --config is set, the named TOML file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	fields := make(map[string]int)
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		setField(obj.Field(i), fl)
		fields[name] = i
	}

	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		// Reapply explicitly set flags over the file.
		flagSet.Visit(func(fl *flag.Flag) {
			if i, ok := fields[fl.Name]; ok {
				setField(obj.Field(i), fl)
			}
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func setField(v reflect.Value, fl *flag.Flag) {
	getter, ok := fl.Value.(flag.Getter)
	if !ok {
		panic(fmt.Sprintf("Flag %q does not implement flag.Getter", fl.Name))
	}
	v.Set(reflect.ValueOf(getter.Get()))
}

// loadFile decodes path over c. Keys that do not name a field are an error.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	return nil
}
