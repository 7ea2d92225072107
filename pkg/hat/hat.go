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

// Package hat is the hardware address translation layer. It turns
// design-level protection flags into page-table entries and performs
// individual map and unmap operations. It has no policy of its own.
package hat

import (
	"strings"

	"npk.dev/vm/pkg/hostarch"
)

// Mode selects a mapping granularity. Mode 0 is always the smallest.
type Mode int

const (
	// ModeBase maps a single base page.
	ModeBase Mode = iota

	// ModeHuge maps a huge page.
	ModeHuge

	// NumModes is the number of supported modes.
	NumModes
)

// ModeLimits describes one mapping mode.
type ModeLimits struct {
	// Granularity is the size in bytes of a single mapping in this mode.
	Granularity uint64
}

// Limits describes every mapping mode a Table supports, smallest first.
type Limits struct {
	Modes []ModeLimits
}

// Granularity returns the granule size of mode m.
func (l Limits) Granularity(m Mode) uint64 {
	return l.Modes[m].Granularity
}

// Flags are platform-independent mapping attributes. Read access is implicit
// in every valid mapping.
type Flags uint32

const (
	// Write permits stores.
	Write Flags = 1 << iota

	// Execute permits instruction fetches.
	Execute

	// User permits accesses from user mode.
	User

	// Global keeps the translation across address space switches.
	Global

	// Guarded marks a mapping as a guard page.
	Guarded

	// Uncached maps with MemoryTypeUncached.
	Uncached

	// WriteCombine maps with MemoryTypeWriteCombine.
	WriteCombine
)

// MemoryType returns the memory type selected by f.
func (f Flags) MemoryType() hostarch.MemoryType {
	switch {
	case f&Uncached != 0:
		return hostarch.MemoryTypeUncached
	case f&WriteCombine != 0:
		return hostarch.MemoryTypeWriteCombine
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// AccessType returns the accesses f permits.
func (f Flags) AccessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    true,
		Write:   f&Write != 0,
		Execute: f&Execute != 0,
	}
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	var b strings.Builder
	b.WriteString(f.AccessType().String())
	if f&User != 0 {
		b.WriteString("u")
	}
	if f&Global != 0 {
		b.WriteString("g")
	}
	if f&Guarded != 0 {
		b.WriteString("G")
	}
	b.WriteString(" ")
	b.WriteString(f.MemoryType().ShortString())
	return b.String()
}

// Table is a single hardware translation table (one address space).
//
// Tables are not safe for concurrent mutation of the same address by
// multiple callers; the memory manager that owns a Table serializes all
// changes behind its own lock.
type Table interface {
	// Map installs a mapping of the granule at va to pa. If a mapping is
	// already present, Map leaves it untouched and returns false unless
	// overwrite is set.
	//
	// Preconditions: va and pa are aligned to mode's granularity.
	Map(va, pa hostarch.Addr, mode Mode, flags Flags, overwrite bool) bool

	// Unmap removes the mapping containing va, returning the physical
	// address and mode it had. ok is false if nothing was mapped.
	Unmap(va hostarch.Addr) (pa hostarch.Addr, mode Mode, ok bool)

	// Lookup translates va. ok is false if nothing is mapped there.
	Lookup(va hostarch.Addr) (pa hostarch.Addr, mode Mode, flags Flags, ok bool)

	// Limits returns the supported mapping modes.
	Limits() Limits
}
