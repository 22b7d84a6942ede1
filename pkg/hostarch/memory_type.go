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

package hostarch

import "fmt"

// MemoryType is an x86 memory type encoding, as found in MTRRs, the PAT and
// bits 5:3 of leaf EPT entries.
type MemoryType uint8

const (
	// MemoryTypeUncached is Strong Uncacheable (UC).
	MemoryTypeUncached MemoryType = 0

	// MemoryTypeWriteCombine is Write-combining (WC).
	MemoryTypeWriteCombine MemoryType = 1

	// MemoryTypeWriteThrough is Write-through (WT).
	MemoryTypeWriteThrough MemoryType = 4

	// MemoryTypeWriteProtect is Write-protected (WP).
	MemoryTypeWriteProtect MemoryType = 5

	// MemoryTypeWriteBack is Write-back (WB).
	MemoryTypeWriteBack MemoryType = 6
)

// Valid returns true if mt is an encoding the MTRRs accept. Encodings 2, 3
// and 7 are reserved.
func (mt MemoryType) Valid() bool {
	switch mt {
	case MemoryTypeUncached, MemoryTypeWriteCombine, MemoryTypeWriteThrough, MemoryTypeWriteProtect, MemoryTypeWriteBack:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeUncached:
		return "Uncached"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeWriteThrough:
		return "WriteThrough"
	case MemoryTypeWriteProtect:
		return "WriteProtect"
	case MemoryTypeWriteBack:
		return "WriteBack"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeUncached:
		return "UC"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeWriteThrough:
		return "WT"
	case MemoryTypeWriteProtect:
		return "WP"
	case MemoryTypeWriteBack:
		return "WB"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
