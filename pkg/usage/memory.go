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

// Package usage tracks per-address-space memory statistics.
package usage

import (
	"fmt"
)

// Kind represents a type of memory backing a range.
type Kind int

const (
	// Anonymous represents zero-filled private memory backed by frames
	// from the physical arena.
	Anonymous Kind = iota

	// File represents memory shared with the file cache.
	File

	// MMIO represents direct mappings of caller-supplied physical
	// addresses, such as device registers or the kernel image.
	MMIO

	// NumKinds is the number of memory kinds.
	NumKinds
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Anonymous:
		return "anon"
	case File:
		return "file"
	case MMIO:
		return "mmio"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Stats tracks memory usage of one address space in bytes. All fields are
// protected by the lock of the memory manager that owns the Stats; copies
// obtained from MemoryManager.Stats may be read freely.
type Stats struct {
	// Faults is the number of faults dispatched to a driver.
	Faults uint64

	// AnonWorking is the number of bytes reserved by anonymous ranges.
	AnonWorking uint64

	// AnonResident is the number of anonymous bytes currently mapped.
	AnonResident uint64

	// FileWorking is the number of bytes reserved by file-backed ranges.
	FileWorking uint64

	// FileResident is the number of file-backed bytes currently mapped.
	FileResident uint64

	// MMIOWorking is the number of bytes reserved by direct ranges.
	MMIOWorking uint64

	// MMIOResident is the number of direct bytes currently mapped.
	MMIOResident uint64

	// AnonRanges, FileRanges and MMIORanges count ranges per kind.
	AnonRanges uint64
	FileRanges uint64
	MMIORanges uint64
}

func (s *Stats) working(kind Kind) *uint64 {
	switch kind {
	case Anonymous:
		return &s.AnonWorking
	case File:
		return &s.FileWorking
	case MMIO:
		return &s.MMIOWorking
	default:
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
}

func (s *Stats) resident(kind Kind) *uint64 {
	switch kind {
	case Anonymous:
		return &s.AnonResident
	case File:
		return &s.FileResident
	case MMIO:
		return &s.MMIOResident
	default:
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
}

func (s *Stats) ranges(kind Kind) *uint64 {
	switch kind {
	case Anonymous:
		return &s.AnonRanges
	case File:
		return &s.FileRanges
	case MMIO:
		return &s.MMIORanges
	default:
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
}

func dec(field *uint64, val uint64, what string, kind Kind) {
	if *field < val {
		panic(fmt.Sprintf("%s %s underflow: %d - %d", kind, what, *field, val))
	}
	*field -= val
}

// IncWorking adds val bytes to the working set of kind.
func (s *Stats) IncWorking(kind Kind, val uint64) {
	*s.working(kind) += val
}

// DecWorking removes val bytes from the working set of kind.
func (s *Stats) DecWorking(kind Kind, val uint64) {
	dec(s.working(kind), val, "working set", kind)
}

// IncResident adds val bytes to the resident set of kind.
func (s *Stats) IncResident(kind Kind, val uint64) {
	*s.resident(kind) += val
}

// DecResident removes val bytes from the resident set of kind.
func (s *Stats) DecResident(kind Kind, val uint64) {
	dec(s.resident(kind), val, "resident set", kind)
}

// IncRanges counts a new range of kind.
func (s *Stats) IncRanges(kind Kind) {
	*s.ranges(kind)++
}

// DecRanges uncounts a range of kind.
func (s *Stats) DecRanges(kind Kind) {
	dec(s.ranges(kind), 1, "range count", kind)
}

// Working returns the working set of kind.
func (s Stats) Working(kind Kind) uint64 {
	return *s.working(kind)
}

// Resident returns the resident set of kind.
func (s Stats) Resident(kind Kind) uint64 {
	return *s.resident(kind)
}

// TotalWorking returns the working set across all kinds.
func (s Stats) TotalWorking() uint64 {
	return s.AnonWorking + s.FileWorking + s.MMIOWorking
}

// TotalResident returns the resident set across all kinds.
func (s Stats) TotalResident() uint64 {
	return s.AnonResident + s.FileResident + s.MMIOResident
}
