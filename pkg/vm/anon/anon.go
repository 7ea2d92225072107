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

// Package anon provides a driver that backs ranges with zero-filled private
// memory.
package anon

import (
	"context"
	"fmt"

	"npk.dev/vm/pkg/hat"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/pgalloc"
	"npk.dev/vm/pkg/vm"
)

// Driver implements vm.Driver for anonymous memory.
type Driver struct {
	alloc  pgalloc.Allocator
	limits hat.Limits

	// deferred is set if pages are backed on first fault.
	deferred bool
}

// Token is the per-range state of an anonymous range.
type Token struct {
	// granules is the number of granules currently backed by a frame.
	granules uint64
}

// Granules returns the number of backed granules.
func (t *Token) Granules() uint64 {
	return t.granules
}

// New returns a driver allocating frames from alloc and mapping them in
// the base mode of limits.
func New(alloc pgalloc.Allocator, limits hat.Limits) *Driver {
	return &Driver{alloc: alloc, limits: limits}
}

// Init implements vm.Driver.Init.
func (d *Driver) Init(features vm.Features) {
	d.deferred = features.Deferred
	log.Infof("anon: deferred=%t granularity=%#x", d.deferred, d.limits.Granularity(hat.ModeBase))
}

// Type implements vm.Driver.Type.
func (*Driver) Type() vm.DriverType {
	return vm.Anon
}

// Query implements vm.Driver.Query.
func (d *Driver) Query(_ context.Context, length uint64, flags vm.Flags, arg any) (vm.QueryResult, error) {
	if arg != nil {
		panic(fmt.Sprintf("anon: unexpected attach argument %T", arg))
	}
	if flags&vm.MMIO != 0 {
		return vm.QueryResult{}, fmt.Errorf("anon: mmio range: %w", vm.ErrNoBacking)
	}
	g := d.limits.Granularity(hat.ModeBase)
	n, ok := vm.QueryLength(length, 0, g, flags)
	if !ok {
		return vm.QueryResult{}, fmt.Errorf("anon: length %#x: %w", length, vm.ErrNoBacking)
	}
	return vm.QueryResult{Mode: hat.ModeBase, Granularity: g, Length: n}, nil
}

// Attach implements vm.Driver.Attach.
func (d *Driver) Attach(ctx context.Context, dc *vm.DriverContext, arg any) (vm.AttachResult, error) {
	dc.AssertLocked()
	t := &Token{}
	dc.Range.Token = t
	if !d.deferred {
		for i, n := uint64(0), dc.Granules(); i < n; i++ {
			if !d.back(dc, t, dc.GranuleAddr(i)) {
				d.release(dc, t)
				dc.Range.Token = nil
				return vm.AttachResult{}, fmt.Errorf("anon: backing %v: %w", dc.Range, pgalloc.ErrExhausted)
			}
		}
	}
	dc.Stats.IncWorking(dc.Range.Type.MemoryKind(), dc.Range.Usable().Length())
	log.Debugf("anon: attached %v, %d granules resident", dc.Range, t.granules)
	return vm.AttachResult{Token: t}, nil
}

// back allocates a zeroed frame for the granule at va and maps it. It
// returns false if no frame is available.
func (d *Driver) back(dc *vm.DriverContext, t *Token, va hostarch.Addr) bool {
	g := dc.Range.Granularity
	pa, err := d.alloc.Allocate(g/hostarch.PageSize, g, pgalloc.BottomUp)
	if err != nil {
		return false
	}
	if !dc.Map(va, pa) {
		// Already backed.
		d.alloc.Free(pa, g/hostarch.PageSize)
		return true
	}
	t.granules++
	return true
}

// release unmaps every backed granule and frees its frame.
func (d *Driver) release(dc *vm.DriverContext, t *Token) {
	frames := dc.Range.Granularity / hostarch.PageSize
	dc.UnmapAll(func(_, pa hostarch.Addr) {
		d.alloc.Free(pa, frames)
		t.granules--
	})
	if t.granules != 0 {
		panic(fmt.Sprintf("anon: %d granules of %v backed but not mapped", t.granules, dc.Range))
	}
}

// HandleFault implements vm.Driver.HandleFault.
func (d *Driver) HandleFault(ctx context.Context, dc *vm.DriverContext, addr hostarch.Addr, flags vm.FaultFlags) vm.Outcome {
	dc.AssertLocked()
	va := addr.RoundDown(dc.Range.Granularity)
	if dc.Mapped(va) {
		return vm.Resolved
	}
	if !d.back(dc, dc.Range.Token.(*Token), va) {
		log.Warningf("anon: no frame for fault at %v in %v", addr, dc.Range)
		return vm.Reject
	}
	return vm.Resolved
}

// ModifyRange implements vm.Driver.ModifyRange.
func (*Driver) ModifyRange(context.Context, *vm.DriverContext, vm.ModifyArgs) error {
	return vm.Unsupported(vm.Anon, "ModifyRange")
}

// Split implements vm.Driver.Split.
func (*Driver) Split(context.Context, *vm.DriverContext, uint64) (any, error) {
	return nil, vm.Unsupported(vm.Anon, "Split")
}

// Detach implements vm.Driver.Detach.
func (d *Driver) Detach(ctx context.Context, dc *vm.DriverContext) error {
	dc.AssertLocked()
	d.release(dc, dc.Range.Token.(*Token))
	dc.Stats.DecWorking(dc.Range.Type.MemoryKind(), dc.Range.Usable().Length())
	dc.Range.Token = nil
	log.Debugf("anon: detached %v", dc.Range)
	return nil
}
