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

package mm

import (
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/vm"
)

// findLocked returns the range containing addr, or nil.
//
// Preconditions: m.mu is locked.
func (m *MemoryManager) findLocked(addr hostarch.Addr) *vm.Range {
	var found *vm.Range
	m.ranges.DescendLessOrEqual(&vm.Range{Base: addr}, func(r *vm.Range) bool {
		found = r
		return false
	})
	if found == nil || !found.AddrRange().Contains(addr) {
		return nil
	}
	return found
}

// overlapsLocked returns true if any range intersects ar.
//
// Preconditions: m.mu is locked. ar.Length() != 0.
func (m *MemoryManager) overlapsLocked(ar hostarch.AddrRange) bool {
	overlaps := false
	m.ranges.DescendLessOrEqual(&vm.Range{Base: ar.End - 1}, func(r *vm.Range) bool {
		overlaps = r.AddrRange().Overlaps(ar)
		return false
	})
	return overlaps
}

// findGapLocked returns the lowest address aligned to align at which length
// bytes fit between existing ranges and within m.bounds.
//
// Preconditions: m.mu is locked. length != 0.
func (m *MemoryManager) findGapLocked(length, align uint64) (hostarch.Addr, bool) {
	cur, ok := m.bounds.Start.RoundUp(align)
	m.ranges.Ascend(func(r *vm.Range) bool {
		if !ok {
			return false
		}
		ar := r.AddrRange()
		if ar.End <= cur {
			return true
		}
		if end, fits := cur.AddLength(length); fits && end <= ar.Start {
			return false
		}
		cur, ok = ar.End.RoundUp(align)
		return ok
	})
	if !ok {
		return 0, false
	}
	if end, fits := cur.AddLength(length); !fits || end > m.bounds.End {
		return 0, false
	}
	return cur, true
}

// checkInvariantsLocked panics if ranges overlap or leave m.bounds.
//
// Preconditions: m.mu is locked.
func (m *MemoryManager) checkInvariantsLocked() {
	var prev *vm.Range
	m.ranges.Ascend(func(r *vm.Range) bool {
		ar := r.AddrRange()
		if !ar.WellFormed() || ar.Length() == 0 || !m.bounds.IsSupersetOf(ar) {
			panic("range " + r.String() + " outside " + m.bounds.String())
		}
		if prev != nil && prev.AddrRange().Overlaps(ar) {
			panic("range " + r.String() + " overlaps " + prev.String())
		}
		prev = r
		return true
	})
}
