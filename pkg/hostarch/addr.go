// Copyright 2026 The gVisor Authors.
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

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Addr represents a virtual or physical address.
type Addr uint64

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The computation of end can overflow if length > 2**63-1.
	ok = end >= v
	return
}

// RoundDown returns the address rounded down to the nearest multiple of
// granule, which must be a power of two.
func (v Addr) RoundDown(granule uint64) Addr {
	return v &^ Addr(granule-1)
}

// RoundUp returns the address rounded up to the nearest multiple of granule.
// ok is true iff rounding up did not wrap around.
func (v Addr) RoundUp(granule uint64) (addr Addr, ok bool) {
	addr = Addr(v + Addr(granule-1)).RoundDown(granule)
	ok = addr >= v
	return
}

// IsAligned returns true if v is a multiple of granule.
func (v Addr) IsAligned(granule uint64) bool {
	return v&Addr(granule-1) == 0
}

// IsPageAligned returns true if v is a multiple of PageSize.
func (v Addr) IsPageAligned() bool {
	return v.IsAligned(PageSize)
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundUp rounds n up to a multiple of granule, which must be a power of
// two. It panics on overflow.
func RoundUp[T constraints.Unsigned](n, granule T) T {
	r := (n + granule - 1) &^ (granule - 1)
	if r < n {
		panic(fmt.Sprintf("RoundUp(%#x, %#x) overflows", n, granule))
	}
	return r
}

// IsPowerOfTwo returns true if n is a nonzero power of two.
func IsPowerOfTwo[T constraints.Unsigned](n T) bool {
	return n != 0 && n&(n-1) == 0
}

// AddrRange is a range of Addrs.
//
// The range is [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if r.Start <= r.End.
func (r AddrRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r AddrRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains x.
func (r AddrRange) Contains(x Addr) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r AddrRange) Overlaps(r2 AddrRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r is a superset of r2; that is, the range r2 is
// contained within r.
func (r AddrRange) IsSupersetOf(r2 AddrRange) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// Intersect returns a range consisting of the intersection between r and r2.
// If r and r2 do not overlap, Intersect returns a range with unspecified
// bounds, but for which Length() == 0.
func (r AddrRange) Intersect(r2 AddrRange) AddrRange {
	if r.Start < r2.Start {
		r.Start = r2.Start
	}
	if r.End > r2.End {
		r.End = r2.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// IsAligned returns true if both ends of r are multiples of granule.
func (r AddrRange) IsAligned(granule uint64) bool {
	return r.Start.IsAligned(granule) && r.End.IsAligned(granule)
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
