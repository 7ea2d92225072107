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
	"fmt"

	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/sync"
)

// Address constraints.
//
// The lowerTop and upperBottom currently apply to four-level pagetables;
// additional refactoring would be necessary to support five-level pagetables.
const (
	lowerTop    = 0x00007fffffffffff
	upperBottom = 0xffff800000000000

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift

	levels         = 4
	entriesPerPage = 512
)

var levelShifts = [levels]uint{pgdShift, pudShift, pmdShift, pteShift}

// PTE bits.
const (
	present      pte = 1 << 0
	writable     pte = 1 << 1
	user         pte = 1 << 2
	writeThrough pte = 1 << 3
	cacheDisable pte = 1 << 4
	huge         pte = 1 << 7
	global       pte = 1 << 8
	guard        pte = 1 << 9
	executeDis   pte = 1 << 63

	addrMask pte = 0x000ffffffffff000
)

// pte is a single page table entry.
type pte uint64

func (p pte) valid() bool { return p&present != 0 }

func (p pte) address() hostarch.Addr { return hostarch.Addr(p & addrMask) }

func (p pte) flags() Flags {
	var f Flags
	if p&writable != 0 {
		f |= Write
	}
	if p&executeDis == 0 {
		f |= Execute
	}
	if p&user != 0 {
		f |= User
	}
	if p&global != 0 {
		f |= Global
	}
	if p&guard != 0 {
		f |= Guarded
	}
	switch {
	case p&cacheDisable != 0:
		f |= Uncached
	case p&writeThrough != 0:
		f |= WriteCombine
	}
	return f
}

func makePTE(pa hostarch.Addr, flags Flags, isHuge bool) pte {
	e := pte(pa)&addrMask | present
	if flags&Write != 0 {
		e |= writable
	}
	if flags&Execute == 0 {
		e |= executeDis
	}
	if flags&User != 0 {
		e |= user
	}
	if flags&Global != 0 {
		e |= global
	}
	if flags&Guarded != 0 {
		e |= guard
	}
	switch flags.MemoryType() {
	case hostarch.MemoryTypeUncached:
		e |= cacheDisable
	case hostarch.MemoryTypeWriteCombine:
		e |= writeThrough
	}
	if isHuge {
		e |= huge
	}
	return e
}

// node is a single level of the tables. A valid entry either is a leaf or
// points at children[i].
type node struct {
	entries  [entriesPerPage]pte
	children [entriesPerPage]*node
}

// leaves counts valid leaf entries beneath n.
func (n *node) leaves() int {
	count := 0
	for i, e := range n.entries {
		if !e.valid() {
			continue
		}
		if c := n.children[i]; c != nil {
			count += c.leaves()
		} else {
			count++
		}
	}
	return count
}

// PageTables is a software implementation of four-level x86-64 style
// tables supporting 4K and 2M mappings.
type PageTables struct {
	mu sync.Mutex

	// root is the pagetable root.
	root *node

	// count is the number of valid leaf entries.
	count int
}

// New returns new, empty PageTables.
func New() *PageTables {
	return &PageTables{root: new(node)}
}

var defaultLimits = Limits{Modes: []ModeLimits{
	ModeBase: {Granularity: pteSize},
	ModeHuge: {Granularity: pmdSize},
}}

// DefaultLimits returns the limits of PageTables.
func DefaultLimits() Limits {
	return defaultLimits
}

// Limits implements Table.Limits.
func (p *PageTables) Limits() Limits {
	return defaultLimits
}

func leafLevel(mode Mode) int {
	switch mode {
	case ModeBase:
		return 3
	case ModeHuge:
		return 2
	default:
		panic(fmt.Sprintf("invalid mode %d", mode))
	}
}

func index(va hostarch.Addr, level int) int {
	return int((uint64(va) >> levelShifts[level]) & (entriesPerPage - 1))
}

func checkCanonical(va hostarch.Addr) {
	if va > lowerTop && va < upperBottom {
		panic(fmt.Sprintf("non-canonical address %v", va))
	}
}

// Map implements Table.Map.
func (p *PageTables) Map(va, pa hostarch.Addr, mode Mode, flags Flags, overwrite bool) bool {
	g := defaultLimits.Granularity(mode)
	if !va.IsAligned(g) || !pa.IsAligned(g) {
		panic(fmt.Sprintf("pagetables.Map: unaligned va %v or pa %v for mode %d", va, pa, mode))
	}
	checkCanonical(va)

	p.mu.Lock()
	defer p.mu.Unlock()

	leaf := leafLevel(mode)
	n := p.root
	for level := 0; level < leaf; level++ {
		i := index(va, level)
		e := n.entries[i]
		if e.valid() && n.children[i] == nil {
			// A larger leaf covers va.
			if !overwrite {
				return false
			}
			n.entries[i] = 0
			p.count--
		}
		if n.children[i] == nil {
			n.children[i] = new(node)
			n.entries[i] = present | writable | user
		}
		n = n.children[i]
	}

	i := index(va, leaf)
	if n.entries[i].valid() {
		if !overwrite {
			return false
		}
		if c := n.children[i]; c != nil {
			p.count -= c.leaves()
			n.children[i] = nil
		} else {
			p.count--
		}
	}
	n.entries[i] = makePTE(pa, flags, mode == ModeHuge)
	p.count++
	return true
}

// Unmap implements Table.Unmap.
func (p *PageTables) Unmap(va hostarch.Addr) (hostarch.Addr, Mode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.root
	for level := 0; level < levels; level++ {
		i := index(va, level)
		e := n.entries[i]
		if !e.valid() {
			return 0, 0, false
		}
		if c := n.children[i]; c != nil {
			n = c
			continue
		}
		n.entries[i] = 0
		p.count--
		mode := ModeBase
		if level == 2 {
			mode = ModeHuge
		}
		return e.address(), mode, true
	}
	panic("unreachable")
}

// Lookup implements Table.Lookup. The returned physical address includes
// va's offset within its granule.
func (p *PageTables) Lookup(va hostarch.Addr) (hostarch.Addr, Mode, Flags, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.root
	for level := 0; level < levels; level++ {
		i := index(va, level)
		e := n.entries[i]
		if !e.valid() {
			return 0, 0, 0, false
		}
		if c := n.children[i]; c != nil {
			n = c
			continue
		}
		mode := ModeBase
		if level == 2 {
			mode = ModeHuge
		}
		off := va & hostarch.Addr(defaultLimits.Granularity(mode)-1)
		return e.address() + off, mode, e.flags(), true
	}
	panic("unreachable")
}

// Mapping describes one leaf entry, as reported by Walk.
type Mapping struct {
	Virtual  hostarch.Addr
	Physical hostarch.Addr
	Mode     Mode
	Flags    Flags
}

// Walk calls fn for every valid leaf in ascending virtual address order.
func (p *PageTables) Walk(fn func(m Mapping)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	walk(p.root, 0, 0, fn)
}

func walk(n *node, level int, base uint64, fn func(m Mapping)) {
	for i, e := range n.entries {
		if !e.valid() {
			continue
		}
		va := base | uint64(i)<<levelShifts[level]
		if level == 0 && va&(1<<47) != 0 {
			// Sign extend into the upper half.
			va |= 0xffff000000000000
		}
		if c := n.children[i]; c != nil {
			walk(c, level+1, va, fn)
			continue
		}
		mode := ModeBase
		if level == 2 {
			mode = ModeHuge
		}
		fn(Mapping{
			Virtual:  hostarch.Addr(va),
			Physical: e.address(),
			Mode:     mode,
			Flags:    e.flags(),
		})
	}
}

// Len returns the number of valid leaf mappings.
func (p *PageTables) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Release drops every mapping.
func (p *PageTables) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.root = new(node)
	p.count = 0
}
