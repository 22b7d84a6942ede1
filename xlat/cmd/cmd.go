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


// Package cmd holds implementations of the xlat commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gvisor.dev/xlat/pkg/log"
	"gvisor.dev/xlat/xlat/config"
)

// ErrorLogger is where error messages are written to, in addition to stderr.
var ErrorLogger io.Writer

// Fatalf logs to stderr and ErrorLogger, then exits with failure status.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprintln(ErrorLogger, msg)
	}
	os.Exit(128)
}

// parseAddr parses a hex or decimal address.
func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

// parseAddrs parses every argument as an address.
func parseAddrs(args []string) ([]uint64, error) {
	addrs := make([]uint64, 0, len(args))
	for _, a := range args {
		v, err := parseAddr(a)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, v)
	}
	return addrs, nil
}

// loadMachine reads the scenario named by the first argument and builds it.
func loadMachine(conf *config.Config, path string) (*Machine, error) {
	sc, err := config.LoadScenario(path)
	if err != nil {
		return nil, err
	}
	return NewMachine(conf, sc)
}
