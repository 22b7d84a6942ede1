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

// Package cpuid provides basic functionality for creating and adjusting the
// CPU feature sets that gate paging behaviour.
//
// To use FeatureSets, one should start with an existing FeatureSet (either a
// known model, or a parsed list of flags) and then add, remove, and test for
// features as desired.
//
// For example: emulate a Pentium Pro class CPU without the global page
// extension.
//
//	fs := PentiumPro()
//	fs.Remove(X86FeaturePGE)
package cpuid

import (
	"fmt"
	"sort"
	"strings"
)

// Feature is a unique identifier for a particular cpu feature. We just use an
// int as a feature number.
//
// Features are numbered according to "blocks". Each block is 32 bits, and
// feature bits from the same source (cpuid leaf/level) are in the same block.
type Feature int

// Block 0 constants are all of the "basic" feature bits returned by a cpuid in
// edx with eax=1.
const (
	X86FeatureFPU Feature = iota
	X86FeatureVME
	X86FeatureDE
	X86FeaturePSE
	X86FeatureTSC
	X86FeatureMSR
	X86FeaturePAE
	X86FeatureMCE
	X86FeatureCX8
	X86FeatureAPIC
	_ // ecx bit 10 is reserved.
	X86FeatureSEP
	X86FeatureMTRR
	X86FeaturePGE
	X86FeatureMCA
	X86FeatureCMOV
	X86FeaturePAT
	X86FeaturePSE36
)

// Block 1 constants are the "basic" feature bits returned by cpuid in ecx
// with eax=1.
const (
	X86FeatureVMX Feature = 32*1 + 5
)

// Block 2 constants are the extended feature bits in edx, returned by cpuid
// with eax=0x80000001.
const (
	X86FeatureNX      Feature = 32*2 + 20
	X86FeaturePDPE1GB Feature = 32*2 + 26
	X86FeatureLM      Feature = 32*2 + 29
)

// Block 3 constants are the VMX secondary processor-based controls that this
// package tracks as features.
const (
	X86FeatureEPT Feature = 32*3 + 1
)

// x86FeatureStrings maps features to their /proc/cpuinfo names.
var x86FeatureStrings = map[Feature]string{
	X86FeatureFPU:     "fpu",
	X86FeatureVME:     "vme",
	X86FeatureDE:      "de",
	X86FeaturePSE:     "pse",
	X86FeatureTSC:     "tsc",
	X86FeatureMSR:     "msr",
	X86FeaturePAE:     "pae",
	X86FeatureMCE:     "mce",
	X86FeatureCX8:     "cx8",
	X86FeatureAPIC:    "apic",
	X86FeatureSEP:     "sep",
	X86FeatureMTRR:    "mtrr",
	X86FeaturePGE:     "pge",
	X86FeatureMCA:     "mca",
	X86FeatureCMOV:    "cmov",
	X86FeaturePAT:     "pat",
	X86FeaturePSE36:   "pse36",
	X86FeatureVMX:     "vmx",
	X86FeatureNX:      "nx",
	X86FeaturePDPE1GB: "pdpe1gb",
	X86FeatureLM:      "lm",
	X86FeatureEPT:     "ept",
}

// String implements fmt.Stringer.
func (f Feature) String() string {
	if s, ok := x86FeatureStrings[f]; ok {
		return s
	}
	return fmt.Sprintf("<cpuflag %d>", int(f))
}

// FeatureFromString returns the Feature associated with the given feature
// string plus a bool to indicate if it could find the feature.
func FeatureFromString(s string) (Feature, bool) {
	for f, name := range x86FeatureStrings {
		if name == s {
			return f, true
		}
	}
	return 0, false
}

// ErrIncompatible is returned by FeatureSet.CheckCompatible if fs is not a
// subset of the required feature set.
type ErrIncompatible struct {
	message string
}

// Error implements error.
func (e ErrIncompatible) Error() string {
	return e.message
}

// FeatureSet is a set of Features for a CPU.
type FeatureSet struct {
	// Set is the set of features that are enabled in this FeatureSet.
	Set map[Feature]bool

	// VendorID is the 12-char string returned in ebx:edx:ecx for eax=0.
	VendorID string

	// PhysicalAddressBits is the width of physical addresses, as reported
	// by cpuid eax=0x80000008. Bits above it in table entries are reserved.
	PhysicalAddressBits uint

	// VirtualAddressBits is the width of linear addresses.
	VirtualAddressBits uint
}

// NewFeatureSet returns an empty FeatureSet with the given physical address
// width.
func NewFeatureSet(physBits uint) *FeatureSet {
	return &FeatureSet{
		Set:                 make(map[Feature]bool),
		VendorID:            "GenuineIntel",
		PhysicalAddressBits: physBits,
		VirtualAddressBits:  48,
	}
}

// HasFeature tests whether or not a feature is in the given feature set.
func (fs *FeatureSet) HasFeature(feature Feature) bool {
	return fs.Set[feature]
}

// Add adds a feature to the FeatureSet. It ignores duplicates.
func (fs *FeatureSet) Add(feature Feature) {
	fs.Set[feature] = true
}

// Remove removes a Feature from a FeatureSet. It ignores features that are
// not in the FeatureSet.
func (fs *FeatureSet) Remove(feature Feature) {
	delete(fs.Set, feature)
}

// Subtract returns the features present in fs that are not present in other.
// If all features in fs are present in other, Subtract returns nil.
func (fs *FeatureSet) Subtract(other *FeatureSet) (diff map[Feature]bool) {
	for f := range fs.Set {
		if !other.Set[f] {
			if diff == nil {
				diff = make(map[Feature]bool)
			}
			diff[f] = true
		}
	}
	return
}

// CheckCompatible returns nil if fs is a subset of required, or an
// ErrIncompatible naming the extra features otherwise.
func (fs *FeatureSet) CheckCompatible(required *FeatureSet) error {
	if diff := fs.Subtract(required); diff != nil {
		return ErrIncompatible{fmt.Sprintf("CPU feature set %v incompatible with %v (missing: %v)", fs.FlagString(), required.FlagString(), flagString(diff))}
	}
	return nil
}

// FlagString prints out supported CPU features.
func (fs *FeatureSet) FlagString() string {
	return flagString(fs.Set)
}

func flagString(set map[Feature]bool) string {
	var s []string
	for f, on := range set {
		if on {
			s = append(s, f.String())
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// ParseFeatures builds a FeatureSet from space- or comma-separated flag
// names.
func ParseFeatures(flags string, physBits uint) (*FeatureSet, error) {
	fs := NewFeatureSet(physBits)
	for _, name := range strings.FieldsFunc(flags, func(r rune) bool { return r == ' ' || r == ',' }) {
		f, ok := FeatureFromString(name)
		if !ok {
			return nil, fmt.Errorf("unknown cpu feature %q", name)
		}
		fs.Add(f)
	}
	return fs, nil
}
