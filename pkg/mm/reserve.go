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

package mm

import (
	"context"
	"errors"
	"fmt"

	"npk.dev/vm/pkg/cleanup"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/vm"
)

// ReserveOpts describe a new range.
type ReserveOpts struct {
	// Length is the number of bytes requested. The range may be longer;
	// see vm.QueryResult.
	Length uint64

	// Flags are the range's protections.
	Flags vm.Flags

	// Driver backs the range.
	Driver vm.DriverType

	// Arg is passed to the driver's Query and Attach.
	Arg any

	// If Fixed is set, the range is placed at Base, which must be aligned
	// to the driver's granularity. Otherwise the lowest free address is
	// used.
	Fixed bool
	Base  hostarch.Addr
}

// Reserve creates a range backed by opts.Driver. The range is inserted and
// attached without dropping m.mu, so no other thread observes it before it
// is attached; if Attach fails it is removed again.
func (m *MemoryManager) Reserve(ctx context.Context, opts ReserveOpts) (vm.Range, error) {
	drv, ok := m.drivers.Get(opts.Driver)
	if !ok {
		return vm.Range{}, fmt.Errorf("%v: no driver of type %v: %w", m, opts.Driver, vm.ErrNoBacking)
	}
	flags := opts.Flags
	if !m.kernel {
		flags |= vm.User
	}

	// Query's result is advisory and may be stale by the time Attach runs;
	// it only sizes the range.
	q, err := drv.Query(ctx, opts.Length, flags, opts.Arg)
	if err != nil {
		return vm.Range{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	base, err := m.placeLocked(q.Length, q.Granularity, opts)
	if err != nil {
		return vm.Range{}, err
	}
	r := &vm.Range{
		Base:        base,
		Length:      q.Length,
		Flags:       flags,
		Mode:        q.Mode,
		Granularity: q.Granularity,
		Type:        opts.Driver,
	}
	m.ranges.ReplaceOrInsert(r)
	cu := cleanup.Make(func() { m.ranges.Delete(r) })
	defer cu.Clean()

	res, err := drv.Attach(ctx, m.driverContext(r), opts.Arg)
	if err != nil {
		log.Debugf("%v: attach of %v failed: %v", m, r, err)
		return vm.Range{}, err
	}
	r.Token = res.Token
	r.Offset = res.Offset
	m.stats.IncRanges(r.Type.MemoryKind())
	cu.Release()
	log.Debugf("%v: reserved %v", m, r)
	return snapshot(r), nil
}

// placeLocked chooses the base of a new range of length bytes.
//
// Preconditions: m.mu is locked.
func (m *MemoryManager) placeLocked(length, align uint64, opts ReserveOpts) (hostarch.Addr, error) {
	if !opts.Fixed {
		base, ok := m.findGapLocked(length, align)
		if !ok {
			return 0, fmt.Errorf("%v: %#x bytes: %w", m, length, vm.ErrNoSpace)
		}
		return base, nil
	}
	if !opts.Base.IsAligned(align) {
		panic(fmt.Sprintf("%v: fixed base %v not aligned to %#x", m, opts.Base, align))
	}
	ar, ok := opts.Base.ToRange(length)
	if !ok || !m.bounds.IsSupersetOf(ar) {
		return 0, fmt.Errorf("%v: %v out of bounds: %w", m, ar, vm.ErrNoSpace)
	}
	if m.overlapsLocked(ar) {
		return 0, fmt.Errorf("%v: %v: %w", m, ar, vm.ErrOverlap)
	}
	return opts.Base, nil
}

// getLocked returns the range of m matching r.
//
// Preconditions: m.mu is locked.
func (m *MemoryManager) getLocked(r vm.Range) (*vm.Range, error) {
	cur, ok := m.ranges.Get(&vm.Range{Base: r.Base})
	if !ok || cur.Length != r.Length || cur.Type != r.Type {
		return nil, fmt.Errorf("%v: %v: %w", m, &r, vm.ErrNotFound)
	}
	return cur, nil
}

// Release detaches r and removes it from m. If Detach fails the range is
// kept.
func (m *MemoryManager) Release(ctx context.Context, r vm.Range) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.getLocked(r)
	if err != nil {
		return err
	}
	return m.releaseLocked(ctx, cur)
}

// Preconditions: m.mu is locked for writing.
func (m *MemoryManager) releaseLocked(ctx context.Context, r *vm.Range) error {
	drv, _ := m.drivers.Get(r.Type)
	if err := drv.Detach(ctx, m.driverContext(r)); err != nil {
		return fmt.Errorf("%v: detach %v: %w", m, r, err)
	}
	m.ranges.Delete(r)
	m.stats.DecRanges(r.Type.MemoryKind())
	log.Debugf("%v: released %v", m, r)
	return nil
}

// ModifyRange changes part of r in place.
func (m *MemoryManager) ModifyRange(ctx context.Context, r vm.Range, args vm.ModifyArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.getLocked(r)
	if err != nil {
		return err
	}
	if end := args.Offset + args.Length; end < args.Offset || end > cur.Length || args.Length == 0 {
		return fmt.Errorf("%v: modify [%#x, +%#x) of %v: %w", m, args.Offset, args.Length, cur, vm.ErrInvalid)
	}
	drv, _ := m.drivers.Get(cur.Type)
	return drv.ModifyRange(ctx, m.driverContext(cur), args)
}

// Split divides r at offset bytes into two ranges and returns them.
func (m *MemoryManager) Split(ctx context.Context, r vm.Range, offset uint64) (vm.Range, vm.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.getLocked(r)
	if err != nil {
		return vm.Range{}, vm.Range{}, err
	}
	if offset == 0 || offset >= cur.Length || offset%cur.Granularity != 0 || cur.Flags&vm.Guarded != 0 {
		return vm.Range{}, vm.Range{}, fmt.Errorf("%v: split %v at %#x: %w", m, cur, offset, vm.ErrInvalid)
	}
	drv, _ := m.drivers.Get(cur.Type)
	token, err := drv.Split(ctx, m.driverContext(cur), offset)
	if err != nil {
		return vm.Range{}, vm.Range{}, err
	}
	upper := *cur
	upper.Base += hostarch.Addr(offset)
	upper.Length -= offset
	upper.Offset = 0
	upper.Token = token
	cur.Length = offset
	m.ranges.ReplaceOrInsert(&upper)
	m.stats.IncRanges(cur.Type.MemoryKind())
	return snapshot(cur), snapshot(&upper), nil
}

// Close releases every range of m. m must not be used afterwards.
func (m *MemoryManager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rs []*vm.Range
	m.ranges.Ascend(func(r *vm.Range) bool {
		rs = append(rs, r)
		return true
	})
	var errs []error
	for _, r := range rs {
		if err := m.releaseLocked(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
