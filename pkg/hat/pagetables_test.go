// Copyright 2018 The gVisor Authors.
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

package hat

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"npk.dev/vm/pkg/hostarch"
)

func checkMappings(t *testing.T, pt *PageTables, want []Mapping) {
	t.Helper()
	var found []Mapping
	pt.Walk(func(m Mapping) {
		found = append(found, m)
	})
	if diff := cmp.Diff(want, found); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	if pt.Len() != len(want) {
		t.Errorf("Len() got %d want %d", pt.Len(), len(want))
	}
}

func TestUnmap(t *testing.T) {
	pt := New()

	// Map and unmap one entry.
	pt.Map(0x400000, pteSize*42, ModeBase, Write, false)
	pa, mode, ok := pt.Unmap(0x400000)
	if !ok || pa != pteSize*42 || mode != ModeBase {
		t.Errorf("Unmap got (%v, %d, %t) want (%#x, 0, true)", pa, mode, ok, pteSize*42)
	}
	if _, _, ok := pt.Unmap(0x400000); ok {
		t.Errorf("second Unmap reported a mapping")
	}

	checkMappings(t, pt, nil)
}

func TestReadOnly(t *testing.T) {
	pt := New()

	pt.Map(0x400000, pteSize*42, ModeBase, 0, false)

	checkMappings(t, pt, []Mapping{
		{0x400000, pteSize * 42, ModeBase, 0},
	})
}

func TestReadWriteUser(t *testing.T) {
	pt := New()

	pt.Map(0x400000, pteSize*42, ModeBase, Write|User, false)

	checkMappings(t, pt, []Mapping{
		{0x400000, pteSize * 42, ModeBase, Write | User},
	})
}

func TestSerialEntries(t *testing.T) {
	pt := New()

	pt.Map(0x400000, pteSize*42, ModeBase, Write, false)
	pt.Map(0x401000, pteSize*47, ModeBase, Write, false)

	checkMappings(t, pt, []Mapping{
		{0x400000, pteSize * 42, ModeBase, Write},
		{0x401000, pteSize * 47, ModeBase, Write},
	})
}

func TestSpanningEntries(t *testing.T) {
	pt := New()

	// Span a pgd with two pages.
	pt.Map(0x00007efffffff000, pteSize*42, ModeBase, 0, false)
	pt.Map(0x00007f0000000000, pteSize*43, ModeBase, 0, false)

	checkMappings(t, pt, []Mapping{
		{0x00007efffffff000, pteSize * 42, ModeBase, 0},
		{0x00007f0000000000, pteSize * 43, ModeBase, 0},
	})
}

func TestUpperHalf(t *testing.T) {
	pt := New()

	pt.Map(0xffff800000001000, pteSize*3, ModeBase, Write|Global, false)
	pt.Map(0x1000, pteSize*4, ModeBase, Write|User, false)

	checkMappings(t, pt, []Mapping{
		{0x1000, pteSize * 4, ModeBase, Write | User},
		{0xffff800000001000, pteSize * 3, ModeBase, Write | Global},
	})
}

func TestNoOverwrite(t *testing.T) {
	pt := New()

	if !pt.Map(0x400000, pteSize*42, ModeBase, Write, false) {
		t.Fatalf("first Map failed")
	}
	if pt.Map(0x400000, pteSize*43, ModeBase, Write, false) {
		t.Errorf("Map replaced an existing entry without overwrite")
	}
	if !pt.Map(0x400000, pteSize*44, ModeBase, 0, true) {
		t.Errorf("Map with overwrite failed")
	}

	checkMappings(t, pt, []Mapping{
		{0x400000, pteSize * 44, ModeBase, 0},
	})
}

func TestHugePages(t *testing.T) {
	pt := New()

	pt.Map(0x40000000, pmdSize*3, ModeHuge, Write|Uncached, false)

	// A base page inside the huge page collides with it.
	if pt.Map(0x40001000, pteSize, ModeBase, Write, false) {
		t.Errorf("base Map under a huge page succeeded without overwrite")
	}
	pa, mode, flags, ok := pt.Lookup(0x40001234)
	if !ok || pa != pmdSize*3+0x1234 || mode != ModeHuge || flags != Write|Uncached {
		t.Errorf("Lookup got (%v, %d, %v, %t)", pa, mode, flags, ok)
	}
	if flags.MemoryType() != hostarch.MemoryTypeUncached {
		t.Errorf("MemoryType got %v want Uncached", flags.MemoryType())
	}

	// Overwriting the huge page with a base page replaces it.
	if !pt.Map(0x40001000, pteSize*9, ModeBase, Write, true) {
		t.Fatalf("base Map with overwrite failed")
	}
	checkMappings(t, pt, []Mapping{
		{0x40001000, pteSize * 9, ModeBase, Write},
	})
}

func TestUnmapHuge(t *testing.T) {
	pt := New()
	pt.Map(0x40000000, pmdSize, ModeHuge, Write, false)
	pa, mode, ok := pt.Unmap(0x40000000)
	if !ok || pa != pmdSize || mode != ModeHuge {
		t.Errorf("Unmap got (%v, %d, %t) want (%#x, 1, true)", pa, mode, ok, pmdSize)
	}
	checkMappings(t, pt, nil)
}

func TestUnalignedPanics(t *testing.T) {
	pt := New()
	defer func() {
		if recover() == nil {
			t.Errorf("Map of an unaligned huge page did not panic")
		}
	}()
	pt.Map(0x40001000, 0, ModeHuge, 0, false)
}

func TestFlagsString(t *testing.T) {
	if got, want := (Write | User | Uncached).String(), "rw-u UC"; got != want {
		t.Errorf("String got %q want %q", got, want)
	}
}
