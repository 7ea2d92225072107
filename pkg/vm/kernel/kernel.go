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

// Package kernel provides a driver that maps caller-supplied physical
// addresses, for device registers and direct-mapped kernel memory.
//
// Ranges are backed entirely at Attach. A fault on one means the range was
// misconfigured, and is always rejected.
package kernel

import (
	"context"
	"fmt"

	"npk.dev/vm/pkg/hat"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/vm"
)

// Arg is the attach argument of a kernel range.
type Arg struct {
	// Phys is the physical address of the first requested byte. It need not
	// be aligned; the sub-granule part becomes the range's Offset.
	Phys hostarch.Addr
}

// Token is the per-range state of a kernel range.
type Token struct {
	// Phys is the physical address mapped at the start of the usable
	// extent.
	Phys hostarch.Addr
}

// Driver implements vm.Driver for direct mappings.
type Driver struct {
	limits hat.Limits
}

// New returns a driver that maps with the modes in limits.
func New(limits hat.Limits) *Driver {
	return &Driver{limits: limits}
}

// Init implements vm.Driver.Init.
func (d *Driver) Init(vm.Features) {
	log.Infof("kernel: %d mapping modes", len(d.limits.Modes))
}

// Type implements vm.Driver.Type.
func (*Driver) Type() vm.DriverType {
	return vm.Kernel
}

func argOf(arg any) Arg {
	a, ok := arg.(Arg)
	if !ok {
		panic(fmt.Sprintf("kernel: attach argument %T is not kernel.Arg", arg))
	}
	return a
}

// mode returns the largest mode that can map length bytes at phys.
func (d *Driver) mode(phys hostarch.Addr, length uint64) hat.Mode {
	for m := hat.Mode(len(d.limits.Modes) - 1); m > hat.ModeBase; m-- {
		g := d.limits.Granularity(m)
		if phys.IsAligned(g) && length%g == 0 {
			return m
		}
	}
	return hat.ModeBase
}

// Query implements vm.Driver.Query.
func (d *Driver) Query(_ context.Context, length uint64, flags vm.Flags, arg any) (vm.QueryResult, error) {
	a := argOf(arg)
	m := d.mode(a.Phys, length)
	g := d.limits.Granularity(m)
	n, ok := vm.QueryLength(length, uint64(a.Phys)%g, g, flags)
	if !ok {
		return vm.QueryResult{}, fmt.Errorf("kernel: length %#x at %v: %w", length, a.Phys, vm.ErrNoBacking)
	}
	if _, ok := a.Phys.RoundDown(g).AddLength(n); !ok {
		return vm.QueryResult{}, fmt.Errorf("kernel: physical range at %v overflows: %w", a.Phys, vm.ErrNoBacking)
	}
	return vm.QueryResult{Mode: m, Granularity: g, Length: n}, nil
}

// Attach implements vm.Driver.Attach.
func (d *Driver) Attach(ctx context.Context, dc *vm.DriverContext, arg any) (vm.AttachResult, error) {
	dc.AssertLocked()
	a := argOf(arg)
	g := dc.Range.Granularity
	t := &Token{Phys: a.Phys.RoundDown(g)}
	for i, n := uint64(0), dc.Granules(); i < n; i++ {
		if !dc.Map(dc.GranuleAddr(i), t.Phys+hostarch.Addr(i*g)) {
			dc.UnmapGranules(0, i, nil)
			return vm.AttachResult{}, fmt.Errorf("kernel: %v already mapped at %v: %w", dc.Range, dc.GranuleAddr(i), vm.ErrOverlap)
		}
	}
	offset := uint64(a.Phys) % g
	dc.Stats.IncWorking(dc.Range.Type.MemoryKind(), dc.Range.Usable().Length()-offset)
	log.Debugf("kernel: attached %v to %v", dc.Range, t.Phys)
	return vm.AttachResult{Token: t, Offset: offset}, nil
}

// HandleFault implements vm.Driver.HandleFault.
func (*Driver) HandleFault(ctx context.Context, dc *vm.DriverContext, addr hostarch.Addr, flags vm.FaultFlags) vm.Outcome {
	log.Warningf("kernel: %v fault at %v in eagerly mapped %v", flags, addr, dc.Range)
	return vm.Reject
}

// ModifyRange implements vm.Driver.ModifyRange.
func (*Driver) ModifyRange(context.Context, *vm.DriverContext, vm.ModifyArgs) error {
	return vm.Unsupported(vm.Kernel, "ModifyRange")
}

// Split implements vm.Driver.Split.
func (*Driver) Split(context.Context, *vm.DriverContext, uint64) (any, error) {
	return nil, vm.Unsupported(vm.Kernel, "Split")
}

// Detach implements vm.Driver.Detach. Frames are owned by the caller and
// are not freed.
func (*Driver) Detach(ctx context.Context, dc *vm.DriverContext) error {
	dc.AssertLocked()
	t := dc.Range.Token.(*Token)
	start := dc.Range.Usable().Start
	dc.UnmapAll(func(va, pa hostarch.Addr) {
		if want := t.Phys + (va - start); pa != want {
			panic(fmt.Sprintf("kernel: %v mapped to %v, want %v", va, pa, want))
		}
	})
	dc.Stats.DecWorking(dc.Range.Type.MemoryKind(), dc.WorkingSet())
	dc.Range.Token = nil
	log.Debugf("kernel: detached %v", dc.Range)
	return nil
}
