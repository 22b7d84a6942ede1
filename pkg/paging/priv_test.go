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


package paging

import (
	"testing"
)

func TestPrivCheck(t *testing.T) {
	for idx := 0; idx < len(privCheck); idx++ {
		var (
			write = idx&1 != 0
			rw    = idx&2 != 0
			us    = idx&4 != 0
			user  = idx&8 != 0
			wp    = idx&16 != 0
		)
		want := (!user || us) && (!write || rw || (!user && !wp))
		if privCheck[idx] != want {
			t.Errorf("privCheck[%d] (wp=%t user=%t us=%t rw=%t write=%t) = %t, want %t", idx, wp, user, us, rw, write, privCheck[idx], want)
		}
	}
}

func TestPrivIndex(t *testing.T) {
	for _, tc := range []struct {
		level    CPULevel
		wp, user bool
		combined uint64
		write    bool
		want     int
	}{
		{CPULevel686, false, false, 0, false, 0},
		{CPULevel686, true, true, PTEUser | PTEWritable, true, 31},
		{CPULevel386, true, true, PTEUser | PTEWritable, true, 15},
		{CPULevel486, true, false, PTEUser, true, 21},
		{CPULevel686, false, true, PTEUser | PTEAccessed, false, 12},
	} {
		if got := privIndex(tc.level, tc.wp, tc.user, tc.combined, tc.write); got != tc.want {
			t.Errorf("privIndex(%v, %t, %t, %#x, %t) = %d, want %d", tc.level, tc.wp, tc.user, tc.combined, tc.write, got, tc.want)
		}
	}
}

func TestCombineLegacy(t *testing.T) {
	for _, tc := range []struct {
		level    CPULevel
		pde, pte uint64
		want     uint64
	}{
		{CPULevel686, PTEUser | PTEWritable, PTEUser, PTEUser},
		{CPULevel686, PTEWritable, PTEUser | PTEWritable, PTEWritable},
		{CPULevel386, PTEWritable, PTEUser | PTEWritable, PTEUser | PTEWritable},
		{CPULevel386, PTEUser, PTEWritable, PTEUser},
	} {
		if got := combineLegacy(tc.level, tc.pde|PTEPresent, tc.pte|PTEPresent); got != tc.want {
			t.Errorf("combineLegacy(%v, %#x, %#x) = %#x, want %#x", tc.level, tc.pde, tc.pte, got, tc.want)
		}
	}
}
