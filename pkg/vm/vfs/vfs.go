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

// Package vfs provides a driver that makes file contents addressable as
// memory.
//
// Mapped pages are the file cache's own pages, so file I/O and accesses
// through a mapping observe the same data. Page i of a range's usable
// extent maps file offset FileOffset + i*granularity, where FileOffset is
// the requested offset rounded down to a granule; the sub-granule part is
// returned as the range's Offset.
package vfs

import (
	"context"
	"fmt"

	"npk.dev/vm/pkg/filecache"
	"npk.dev/vm/pkg/fs"
	"npk.dev/vm/pkg/hat"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/vm"
)

// DefaultMapAhead is the number of granules mapped per fault when
// vm.Features.MapAhead is zero.
const DefaultMapAhead = 2

// Filesystem resolves paths to file nodes.
type Filesystem interface {
	// Lookup returns the node at path.
	Lookup(path string) (fs.NodeID, bool)

	// Attributes returns the attributes of a live node.
	Attributes(id fs.NodeID) (fs.Attributes, bool)

	// CacheObject returns the cache object of a live regular file.
	CacheObject(id fs.NodeID) (*filecache.Object, bool)
}

// FileCache supplies cached file units.
type FileCache interface {
	// Info returns the shape of cache units.
	Info() filecache.Info

	// Unit returns the unit of obj containing off.
	Unit(ctx context.Context, obj *filecache.Object, off uint64, forWrite bool) (filecache.Unit, bool)
}

// Arg is the attach argument of a file-backed range.
type Arg struct {
	// Path is the file to map.
	Path string

	// Offset is the file offset of the first requested byte.
	Offset uint64

	// NoDeferBacking maps the whole range at Attach even if the driver
	// backs on fault.
	NoDeferBacking bool

	// Private requests a copy-on-write mapping.
	Private bool
}

// Link is the per-range state of a file-backed range.
type Link struct {
	// Node is the mapped file.
	Node fs.NodeID

	// FileOffset is the granule-aligned file offset mapped at the start
	// of the usable extent.
	FileOffset uint64

	// ReadOnly is set if the range is not writable.
	ReadOnly bool

	obj *filecache.Object
}

// Driver implements vm.Driver for file-backed memory.
type Driver struct {
	fs     Filesystem
	cache  FileCache
	limits hat.Limits

	// faultHandler is set if pages are backed on fault.
	faultHandler bool

	// mapAhead is the maximum number of granules mapped per fault.
	mapAhead uint64
}

// New returns a driver mapping files in fs through cache.
func New(fs Filesystem, cache FileCache, limits hat.Limits) *Driver {
	return &Driver{fs: fs, cache: cache, limits: limits, mapAhead: DefaultMapAhead}
}

// Init implements vm.Driver.Init.
func (d *Driver) Init(features vm.Features) {
	d.faultHandler = features.FaultHandler
	if features.MapAhead > 0 {
		d.mapAhead = uint64(features.MapAhead)
	}
	info := d.cache.Info()
	log.Infof("vfs: fault handler=%t map ahead=%d unit=%#x mode=%d", d.faultHandler, d.mapAhead, info.UnitSize, info.HATMode)
}

// Type implements vm.Driver.Type.
func (*Driver) Type() vm.DriverType {
	return vm.Vfs
}

func argOf(arg any) Arg {
	a, ok := arg.(Arg)
	if !ok {
		panic(fmt.Sprintf("vfs: attach argument %T is not vfs.Arg", arg))
	}
	return a
}

// lookup resolves a to a regular file.
func (d *Driver) lookup(a Arg) (fs.NodeID, error) {
	id, ok := d.fs.Lookup(a.Path)
	if !ok {
		return 0, fmt.Errorf("vfs: %q not found: %w", a.Path, vm.ErrNoBacking)
	}
	attr, ok := d.fs.Attributes(id)
	if !ok || attr.Type != fs.Regular {
		return 0, fmt.Errorf("vfs: %q is not a regular file: %w", a.Path, vm.ErrNoBacking)
	}
	return id, nil
}

// Query implements vm.Driver.Query.
func (d *Driver) Query(_ context.Context, length uint64, flags vm.Flags, arg any) (vm.QueryResult, error) {
	a := argOf(arg)
	if a.Private {
		return vm.QueryResult{}, vm.Unsupported(vm.Vfs, "private mapping")
	}
	if _, err := d.lookup(a); err != nil {
		return vm.QueryResult{}, err
	}
	mode := d.cache.Info().HATMode
	g := d.limits.Granularity(mode)
	n, ok := vm.QueryLength(length, a.Offset%g, g, flags)
	if !ok {
		return vm.QueryResult{}, fmt.Errorf("vfs: length %#x: %w", length, vm.ErrNoBacking)
	}
	return vm.QueryResult{Mode: mode, Granularity: g, Length: n}, nil
}

// Attach implements vm.Driver.Attach.
func (d *Driver) Attach(ctx context.Context, dc *vm.DriverContext, arg any) (vm.AttachResult, error) {
	dc.AssertLocked()
	a := argOf(arg)
	if a.Private {
		return vm.AttachResult{}, vm.Unsupported(vm.Vfs, "private mapping")
	}
	// The file may have changed since Query.
	id, err := d.lookup(a)
	if err != nil {
		return vm.AttachResult{}, err
	}
	obj, ok := d.fs.CacheObject(id)
	if !ok {
		return vm.AttachResult{}, fmt.Errorf("vfs: %q has no cache object: %w", a.Path, vm.ErrNoBacking)
	}
	obj.IncRef()

	g := dc.Range.Granularity
	offset := a.Offset % g
	l := &Link{
		Node:       id,
		FileOffset: a.Offset - offset,
		ReadOnly:   dc.Range.Flags&vm.Write == 0,
		obj:        obj,
	}
	dc.Range.Token = l
	dc.Stats.IncWorking(dc.Range.Type.MemoryKind(), dc.Range.Usable().Length()-offset)

	if !d.faultHandler || a.NoDeferBacking {
		mapped := d.mapGranules(ctx, dc, l, 0, dc.Granules())
		log.Debugf("vfs: eagerly mapped %d of %d granules of %v", mapped, dc.Granules(), dc.Range)
	}
	return vm.AttachResult{Token: l, Offset: offset}, nil
}

// mapGranules maps granules [first, last) of dc.Range that are not already
// mapped, stopping at the first granule the cache cannot supply. It returns
// the number of granules mapped.
func (d *Driver) mapGranules(ctx context.Context, dc *vm.DriverContext, l *Link, first, last uint64) uint64 {
	g := dc.Range.Granularity
	var (
		u      filecache.Unit
		have   bool
		mapped uint64
	)
	for i := first; i < last; i++ {
		va := dc.GranuleAddr(i)
		if dc.Mapped(va) {
			continue
		}
		off := l.FileOffset + i*g
		// Units may span several granules; refetch only when leaving the
		// current one.
		if !have || !u.Contains(off) {
			u, have = d.cache.Unit(ctx, l.obj, off, !l.ReadOnly)
			if !have {
				break
			}
		}
		if !u.InFile(off) {
			break
		}
		if dc.Map(va, u.Phys+hostarch.Addr(off-u.FileOffset)) {
			mapped++
		}
	}
	return mapped
}

// HandleFault implements vm.Driver.HandleFault.
func (d *Driver) HandleFault(ctx context.Context, dc *vm.DriverContext, addr hostarch.Addr, flags vm.FaultFlags) vm.Outcome {
	dc.AssertLocked()
	l := dc.Range.Token.(*Link)
	g := dc.Range.Granularity
	va := addr.RoundDown(g)
	if dc.Mapped(va) {
		return vm.Resolved
	}
	first := uint64(va-dc.Range.Usable().Start) / g
	last := min(first+d.mapAhead, dc.Granules())
	if d.mapGranules(ctx, dc, l, first, last) == 0 {
		log.Warningf("vfs: no cache unit for %v fault at %v (file offset %#x) in %v", flags, addr, l.FileOffset+first*g, dc.Range)
		return vm.Reject
	}
	return vm.Resolved
}

// ModifyRange implements vm.Driver.ModifyRange.
func (*Driver) ModifyRange(context.Context, *vm.DriverContext, vm.ModifyArgs) error {
	return vm.Unsupported(vm.Vfs, "ModifyRange")
}

// Split implements vm.Driver.Split.
func (*Driver) Split(context.Context, *vm.DriverContext, uint64) (any, error) {
	return nil, vm.Unsupported(vm.Vfs, "Split")
}

// Detach implements vm.Driver.Detach.
func (*Driver) Detach(ctx context.Context, dc *vm.DriverContext) error {
	dc.AssertLocked()
	l := dc.Range.Token.(*Link)
	dc.Stats.DecWorking(dc.Range.Type.MemoryKind(), dc.WorkingSet())
	dc.UnmapAll(nil)
	l.obj.DecRef()
	dc.Range.Token = nil
	log.Debugf("vfs: detached %v", dc.Range)
	return nil
}
