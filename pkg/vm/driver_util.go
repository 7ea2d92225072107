// Copyright 2019 The gVisor Authors.
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

package vm

import (
	"math"

	"npk.dev/vm/pkg/hostarch"
)

// QueryLength returns the number of bytes a range needs to hold length
// requested bytes starting offset bytes into a granule of size granularity,
// with guard granules added if flags ask for them. ok is false if length is
// zero or the result overflows.
func QueryLength(length, offset, granularity uint64, flags Flags) (uint64, bool) {
	if length == 0 {
		return 0, false
	}
	offset %= granularity
	guards := uint64(0)
	if flags&Guarded != 0 {
		guards = 2 * granularity
	}
	if length > math.MaxUint64-offset-guards-granularity {
		return 0, false
	}
	return hostarch.RoundUp(length+offset, granularity) + guards, true
}

// Granules returns the number of granules in dc.Range's usable extent.
func (dc *DriverContext) Granules() uint64 {
	return dc.Range.Usable().Length() / dc.Range.Granularity
}

// GranuleAddr returns the address of granule i of the usable extent.
func (dc *DriverContext) GranuleAddr(i uint64) hostarch.Addr {
	return dc.Range.Usable().Start + hostarch.Addr(i*dc.Range.Granularity)
}

// Mapped returns true if the granule containing va is mapped.
func (dc *DriverContext) Mapped(va hostarch.Addr) bool {
	_, _, _, ok := dc.Table.Lookup(va)
	return ok
}

// Map maps the granule at va to pa with the range's mode and flags and
// counts it as resident. It returns false if va was already mapped.
func (dc *DriverContext) Map(va, pa hostarch.Addr) bool {
	if !dc.Table.Map(va, pa, dc.Range.Mode, ConvertFlags(dc.Range.Flags), false) {
		return false
	}
	dc.Stats.IncResident(dc.Range.Type.MemoryKind(), dc.Range.Granularity)
	return true
}

// UnmapAll unmaps every mapped granule of the usable extent, uncounting
// each from the resident set. fn, if not nil, is called with each removed
// translation. UnmapAll returns the number of bytes unmapped.
func (dc *DriverContext) UnmapAll(fn func(va, pa hostarch.Addr)) uint64 {
	return dc.UnmapGranules(0, dc.Granules(), fn)
}

// UnmapGranules is like UnmapAll, but only for granules [first, last).
func (dc *DriverContext) UnmapGranules(first, last uint64, fn func(va, pa hostarch.Addr)) uint64 {
	var unmapped uint64
	kind := dc.Range.Type.MemoryKind()
	for i := first; i < last; i++ {
		va := dc.GranuleAddr(i)
		pa, _, ok := dc.Table.Unmap(va)
		if !ok {
			continue
		}
		dc.Stats.DecResident(kind, dc.Range.Granularity)
		unmapped += dc.Range.Granularity
		if fn != nil {
			fn(va, pa)
		}
	}
	return unmapped
}

// WorkingSet returns the working set a driver charges for dc.Range.
func (dc *DriverContext) WorkingSet() uint64 {
	return dc.Range.Usable().Length() - dc.Range.Offset
}
