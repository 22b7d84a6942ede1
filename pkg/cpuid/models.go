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

package cpuid

// i486 returns the feature set of a 486 class CPU: paging with CR0.WP but no
// large pages.
func i486() *FeatureSet {
	fs := NewFeatureSet(32)
	fs.Add(X86FeatureFPU)
	return fs
}

// Pentium returns a feature set with 4M pages.
func Pentium() *FeatureSet {
	fs := i486()
	fs.Add(X86FeaturePSE)
	fs.Add(X86FeatureTSC)
	fs.Add(X86FeatureMSR)
	fs.Add(X86FeatureCX8)
	return fs
}

// PentiumPro returns a feature set with PAE, global pages and PSE-36.
func PentiumPro() *FeatureSet {
	fs := Pentium()
	fs.PhysicalAddressBits = 36
	fs.Add(X86FeaturePAE)
	fs.Add(X86FeaturePGE)
	fs.Add(X86FeatureMTRR)
	fs.Add(X86FeatureCMOV)
	fs.Add(X86FeaturePAT)
	fs.Add(X86FeaturePSE36)
	return fs
}

// X8664 returns a long mode capable feature set with NX, 1G pages and EPT.
func X8664() *FeatureSet {
	fs := PentiumPro()
	fs.PhysicalAddressBits = 40
	fs.Add(X86FeatureAPIC)
	fs.Add(X86FeatureNX)
	fs.Add(X86FeatureLM)
	fs.Add(X86FeaturePDPE1GB)
	fs.Add(X86FeatureVMX)
	fs.Add(X86FeatureEPT)
	return fs
}

// Models maps model names accepted by configuration to constructors.
var Models = map[string]func() *FeatureSet{
	"486":        i486,
	"pentium":    Pentium,
	"pentiumpro": PentiumPro,
	"x86-64":     X8664,
}
