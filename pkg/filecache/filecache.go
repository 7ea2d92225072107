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

// Package filecache keeps file contents in physical memory so that file I/O
// and memory mappings of the same file share pages.
//
// Contents are cached in fixed-size units keyed by (object, unit-aligned
// file offset). Frames of units dropped by Invalidate are retired rather
// than freed, since they may still be mapped; they are returned to the
// allocator when the object's last reference is dropped.
package filecache

import (
	"context"
	"fmt"
	"io"

	"npk.dev/vm/pkg/hat"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/pgalloc"
	"npk.dev/vm/pkg/refs"
	"npk.dev/vm/pkg/sync"
)

// Memory supplies frames for cache units.
type Memory interface {
	pgalloc.Allocator

	// Slice returns the bytes backing [pa, pa+length).
	Slice(pa hostarch.Addr, length uint64) []byte
}

// Source is a file whose contents are cached.
type Source interface {
	io.ReaderAt

	// Size returns the current size of the file in bytes.
	Size() uint64
}

// Info describes the shape of cache units.
type Info struct {
	// HATMode is the mode file pages are mapped with.
	HATMode hat.Mode

	// UnitSize is the size of a cache unit in bytes.
	UnitSize uint64
}

// Unit is one cached piece of a file.
type Unit struct {
	// Phys is the physical address of the unit's first byte.
	Phys hostarch.Addr

	// Size is the unit size.
	Size uint64

	// FileOffset is the file offset of the unit's first byte.
	FileOffset uint64

	// Valid is the number of bytes of the unit inside the file when it
	// was returned. Bytes past Valid are zero.
	Valid uint64
}

// Contains returns true if off is inside u.
func (u Unit) Contains(off uint64) bool {
	return off >= u.FileOffset && off-u.FileOffset < u.Size
}

// InFile returns true if off is inside u and inside the file.
func (u Unit) InFile(off uint64) bool {
	return off >= u.FileOffset && off-u.FileOffset < u.Valid
}

// Cache is a pool of cached file units.
type Cache struct {
	mem         Memory
	info        Info
	granularity uint64

	mu sync.Mutex

	// resident is the number of bytes held by units, including retired
	// ones. Protected by mu.
	resident uint64
}

// New returns a cache allocating units from mem. info.UnitSize must be a
// multiple of the granularity of info.HATMode in limits.
func New(mem Memory, info Info, limits hat.Limits) *Cache {
	g := limits.Granularity(info.HATMode)
	if info.UnitSize == 0 || info.UnitSize%g != 0 {
		panic(fmt.Sprintf("filecache: unit size %#x is not a multiple of granularity %#x", info.UnitSize, g))
	}
	return &Cache{mem: mem, info: info, granularity: g}
}

// Info returns the shape of the cache's units.
func (c *Cache) Info() Info {
	return c.info
}

// Resident returns the number of bytes of memory held by the cache.
func (c *Cache) Resident() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident
}

func (c *Cache) frames() uint64 {
	return c.info.UnitSize / hostarch.PageSize
}

func (c *Cache) charge(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resident = uint64(int64(c.resident) + delta)
}

type unit struct {
	phys  hostarch.Addr
	dirty bool
}

// Object caches the contents of one Source. Objects are reference counted;
// the creator holds the initial reference.
type Object struct {
	refs.Refs

	cache *Cache
	src   Source

	mu sync.Mutex

	// units maps unit-aligned file offsets to cached units. Protected by
	// mu.
	units map[uint64]*unit

	// retired holds frames of invalidated units. Protected by mu.
	retired []hostarch.Addr
}

// Open returns a new Object caching src.
func (c *Cache) Open(src Source) *Object {
	o := &Object{cache: c, src: src, units: make(map[uint64]*unit)}
	o.InitRefs()
	return o
}

// Unit returns the unit of obj containing off, reading it from the source
// if it is not cached. ok is false if off is at or past the end of the
// file, the read fails, or no memory is available. forWrite marks the unit
// dirty.
func (c *Cache) Unit(ctx context.Context, obj *Object, off uint64, forWrite bool) (Unit, bool) {
	if obj.cache != c {
		panic("filecache: object belongs to another cache")
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()

	size := obj.src.Size()
	if off >= size {
		return Unit{}, false
	}
	key := off - off%c.info.UnitSize
	u, ok := obj.units[key]
	if !ok {
		if ctx.Err() != nil {
			return Unit{}, false
		}
		pa, err := c.mem.Allocate(c.frames(), c.granularity, pgalloc.BottomUp)
		if err != nil {
			log.Warningf("filecache: no memory for unit at %#x: %v", key, err)
			return Unit{}, false
		}
		n := min(c.info.UnitSize, size-key)
		if _, err := obj.src.ReadAt(c.mem.Slice(pa, n), int64(key)); err != nil && err != io.EOF {
			log.Warningf("filecache: reading unit at %#x: %v", key, err)
			c.mem.Free(pa, c.frames())
			return Unit{}, false
		}
		u = &unit{phys: pa}
		obj.units[key] = u
		c.charge(int64(c.info.UnitSize))
	}
	if forWrite {
		u.dirty = true
	}
	return Unit{
		Phys:       u.phys,
		Size:       c.info.UnitSize,
		FileOffset: key,
		Valid:      min(c.info.UnitSize, size-key),
	}, true
}

// Bytes returns the memory holding u.
func (c *Cache) Bytes(u Unit) []byte {
	return c.mem.Slice(u.Phys, u.Size)
}

// Cached returns the number of units currently indexed by o.
func (o *Object) Cached() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.units)
}

// Flush writes dirty units back to the source, if it implements
// io.WriterAt.
func (o *Object) Flush() error {
	w, ok := o.src.(io.WriterAt)
	if !ok {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	size := o.src.Size()
	for key, u := range o.units {
		if !u.dirty || key >= size {
			continue
		}
		n := min(o.cache.info.UnitSize, size-key)
		if _, err := w.WriteAt(o.cache.mem.Slice(u.phys, n), int64(key)); err != nil {
			return fmt.Errorf("flushing unit at %#x: %w", key, err)
		}
		u.dirty = false
	}
	return nil
}

// Invalidate drops units wholly at or after from and zeroes the cached bytes
// at or after from in the unit straddling it. Callers must have shrunk the
// source to from first.
func (o *Object) Invalidate(from uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	us := o.cache.info.UnitSize
	for key, u := range o.units {
		switch {
		case key >= from:
			o.retired = append(o.retired, u.phys)
			delete(o.units, key)
		case key+us > from:
			clear(o.cache.mem.Slice(u.phys, us)[from-key:])
		}
	}
}

// DecRef drops a reference. The last reference frees every unit.
func (o *Object) DecRef() {
	o.Refs.DecRef(o.release)
}

func (o *Object) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.cache
	for key, u := range o.units {
		o.retired = append(o.retired, u.phys)
		delete(o.units, key)
	}
	for _, pa := range o.retired {
		c.mem.Free(pa, c.frames())
	}
	c.charge(-int64(uint64(len(o.retired)) * c.info.UnitSize))
	o.retired = nil
}
