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

// Package pgalloc contains the physical frame allocator. Physical memory is
// simulated by an anonymous host mapping: physical address PhysBase+off is
// backed by byte off of that mapping.
package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
	"npk.dev/vm/pkg/errors"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/sync"
)

// Direction describes how to allocate frames within the arena.
type Direction int

const (
	// BottomUp allocates from the lowest free frames.
	BottomUp Direction = iota

	// TopDown allocates from the highest free frames.
	TopDown
)

// String implements fmt.Stringer.String.
func (d Direction) String() string {
	switch d {
	case BottomUp:
		return "up"
	case TopDown:
		return "down"
	}
	panic(fmt.Sprintf("invalid direction: %d", d))
}

// Allocator hands out runs of zeroed frames.
type Allocator interface {
	// Allocate returns the physical address of count contiguous zeroed
	// frames aligned to align bytes.
	Allocate(count, align uint64, dir Direction) (hostarch.Addr, error)

	// Free releases frames returned by Allocate.
	Free(pa hostarch.Addr, count uint64)
}

// ErrExhausted is returned when no run of free frames is large enough.
var ErrExhausted = errors.New(errors.Exhausted, "physical memory exhausted")

// Opts configures an Arena.
type Opts struct {
	// PhysBase is the physical address of the first frame. It must be
	// page-aligned.
	PhysBase hostarch.Addr

	// Size is the number of bytes of physical memory. It must be a
	// multiple of the page size.
	Size uint64
}

// Arena is a contiguous range of simulated physical memory.
type Arena struct {
	base hostarch.Addr

	// mem is the host mapping backing the arena. The slice header is
	// immutable; its contents belong to whoever holds the frames.
	mem []byte

	mu sync.Mutex

	// frames has a bit set for each allocated frame.
	//
	// +checklocks:mu
	frames frameBitmap

	// allocated is the number of allocated frames.
	//
	// +checklocks:mu
	allocated uint64
}

// NewArena maps a new arena.
func NewArena(opts Opts) (*Arena, error) {
	if !opts.PhysBase.IsPageAligned() || opts.Size == 0 || opts.Size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("invalid arena %v+%#x", opts.PhysBase, opts.Size)
	}
	if _, ok := opts.PhysBase.AddLength(opts.Size); !ok {
		return nil, fmt.Errorf("arena %v+%#x overflows", opts.PhysBase, opts.Size)
	}
	mem, err := unix.Mmap(-1, 0, int(opts.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("error mapping arena: %v", err)
	}
	nframes := opts.Size / hostarch.PageSize
	log.Infof("Physical arena: %v-%v (%d frames)", opts.PhysBase, opts.PhysBase+hostarch.Addr(opts.Size), nframes)
	return &Arena{
		base:   opts.PhysBase,
		mem:    mem,
		frames: newFrameBitmap(nframes),
	}, nil
}

// Close unmaps the arena. Frames must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	if a.allocated != 0 {
		log.Warningf("Closing arena with %d frames still allocated", a.allocated)
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Base returns the physical address of the first frame.
func (a *Arena) Base() hostarch.Addr {
	return a.base
}

// Total returns the arena size in bytes.
func (a *Arena) Total() uint64 {
	return uint64(len(a.mem))
}

// Allocated returns the number of allocated bytes.
func (a *Arena) Allocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated * hostarch.PageSize
}

// Allocate implements Allocator.Allocate.
func (a *Arena) Allocate(count, align uint64, dir Direction) (hostarch.Addr, error) {
	if count == 0 {
		panic("Allocate called with count == 0")
	}
	if align < hostarch.PageSize || !hostarch.IsPowerOfTwo(align) {
		panic(fmt.Sprintf("invalid alignment %#x", align))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	first, ok := findAvailableRange(&a.frames, a.base, count, align, dir)
	if !ok {
		return 0, ErrExhausted
	}
	a.frames.setRange(first, first+count)
	a.allocated += count

	off := first * hostarch.PageSize
	clear(a.mem[off : off+count*hostarch.PageSize])
	return a.base + hostarch.Addr(off), nil
}

// Free implements Allocator.Free.
func (a *Arena) Free(pa hostarch.Addr, count uint64) {
	first := a.frameIndex(pa, count)

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := first; i < first+count; i++ {
		if !a.frames.isSet(i) {
			panic(fmt.Sprintf("freeing unallocated frame %v", a.base+hostarch.Addr(i*hostarch.PageSize)))
		}
	}
	a.frames.clearRange(first, first+count)
	a.allocated -= count
}

// Slice returns the bytes backing physical range [pa, pa+length). The range
// must lie within the arena.
func (a *Arena) Slice(pa hostarch.Addr, length uint64) []byte {
	if pa < a.base || uint64(pa-a.base)+length > uint64(len(a.mem)) {
		panic(fmt.Sprintf("physical range %v+%#x outside arena", pa, length))
	}
	off := uint64(pa - a.base)
	return a.mem[off : off+length : off+length]
}

// Contains returns true if pa lies within the arena.
func (a *Arena) Contains(pa hostarch.Addr) bool {
	return pa >= a.base && uint64(pa-a.base) < uint64(len(a.mem))
}

func (a *Arena) frameIndex(pa hostarch.Addr, count uint64) uint64 {
	if !pa.IsPageAligned() || !a.Contains(pa) || uint64(pa-a.base)+count*hostarch.PageSize > uint64(len(a.mem)) {
		panic(fmt.Sprintf("invalid frame run %v x %d", pa, count))
	}
	return uint64(pa-a.base) / hostarch.PageSize
}

// findAvailableRange returns the index of the first frame of a free run of
// count frames whose physical address is a multiple of align.
func findAvailableRange(frames *frameBitmap, base hostarch.Addr, count, align uint64, dir Direction) (uint64, bool) {
	n := frames.len()
	if count > n {
		return 0, false
	}
	// alignUp returns the first index >= i whose address is aligned.
	alignUp := func(i uint64) uint64 {
		pa, ok := (base + hostarch.Addr(i*hostarch.PageSize)).RoundUp(align)
		if !ok {
			return n
		}
		return uint64(pa-base) / hostarch.PageSize
	}
	// alignDown returns the last index <= i whose address is aligned.
	alignDown := func(i uint64) (uint64, bool) {
		pa := (base + hostarch.Addr(i*hostarch.PageSize)).RoundDown(align)
		if pa < base {
			return 0, false
		}
		return uint64(pa-base) / hostarch.PageSize, true
	}

	switch dir {
	case BottomUp:
		for i := alignUp(0); i+count <= n; {
			busy, ok := frames.firstSet(i, i+count)
			if !ok {
				return i, true
			}
			i = alignUp(busy + 1)
		}
		return 0, false
	case TopDown:
		i, ok := alignDown(n - count)
		for ok {
			busy, found := frames.lastSet(i, i+count)
			if !found {
				return i, true
			}
			// The run must end at or before busy.
			if busy < count {
				return 0, false
			}
			i, ok = alignDown(busy - count)
		}
		return 0, false
	default:
		panic(fmt.Sprintf("invalid direction: %v", dir))
	}
}
