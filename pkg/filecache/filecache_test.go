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

package filecache

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"npk.dev/vm/pkg/hat"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/pgalloc"
)

// bufSource is a Source over a byte slice.
type bufSource struct {
	data []byte
	err  error
}

func (b *bufSource) ReadAt(p []byte, off int64) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	return bytes.NewReader(b.data).ReadAt(p, off)
}

func (b *bufSource) WriteAt(p []byte, off int64) (int, error) {
	return copy(b.data[off:], p), nil
}

func (b *bufSource) Size() uint64 {
	return uint64(len(b.data))
}

func newTestCache(t *testing.T, frames, unitSize uint64) (*Cache, *pgalloc.Arena) {
	t.Helper()
	arena, err := pgalloc.NewArena(pgalloc.Opts{PhysBase: 0x100000, Size: frames * hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	return New(arena, Info{HATMode: hat.ModeBase, UnitSize: unitSize}, hat.DefaultLimits()), arena
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i / hostarch.PageSize)
	}
	return b
}

func TestUnitFill(t *testing.T) {
	c, arena := newTestCache(t, 16, 4*hostarch.PageSize)
	src := &bufSource{data: pattern(5*hostarch.PageSize + 10)}
	obj := c.Open(src)
	ctx := context.Background()

	for _, tc := range []struct {
		off      uint64
		wantFile uint64
		ok       bool
	}{
		{off: 0, wantFile: 0, ok: true},
		{off: 3*hostarch.PageSize + 7, wantFile: 0, ok: true},
		{off: 4 * hostarch.PageSize, wantFile: 4 * hostarch.PageSize, ok: true},
		{off: 5*hostarch.PageSize + 9, wantFile: 4 * hostarch.PageSize, ok: true},
		{off: 5*hostarch.PageSize + 10, ok: false},
		{off: 1 << 30, ok: false},
	} {
		t.Run(fmt.Sprintf("%#x", tc.off), func(t *testing.T) {
			u, ok := c.Unit(ctx, obj, tc.off, false)
			if ok != tc.ok {
				t.Fatalf("Unit ok got %t want %t", ok, tc.ok)
			}
			if !ok {
				return
			}
			if u.FileOffset != tc.wantFile || u.Size != 4*hostarch.PageSize || !u.Contains(tc.off) {
				t.Errorf("Unit got %+v want FileOffset %#x", u, tc.wantFile)
			}
		})
	}

	if got := obj.Cached(); got != 2 {
		t.Errorf("Cached got %d want 2", got)
	}
	if got := arena.Allocated(); got != 8*hostarch.PageSize {
		t.Errorf("Allocated got %#x want %#x", got, 8*hostarch.PageSize)
	}

	u, _ := c.Unit(ctx, obj, 4*hostarch.PageSize, false)
	b := c.Bytes(u)
	if b[0] != 4 || b[hostarch.PageSize+9] != 5 {
		t.Errorf("unit contents got %d, %d want 4, 5", b[0], b[hostarch.PageSize+9])
	}
	for i := hostarch.PageSize + 10; i < len(b); i++ {
		if b[i] != 0 {
			t.Fatalf("byte %#x past EOF got %#x want 0", i, b[i])
		}
	}

	obj.DecRef()
	if got := arena.Allocated(); got != 0 {
		t.Errorf("Allocated after release got %#x want 0", got)
	}
	if got := c.Resident(); got != 0 {
		t.Errorf("Resident after release got %#x want 0", got)
	}
}

func TestUnitReadError(t *testing.T) {
	c, arena := newTestCache(t, 4, hostarch.PageSize)
	obj := c.Open(&bufSource{data: make([]byte, hostarch.PageSize), err: fmt.Errorf("i/o error")})
	if _, ok := c.Unit(context.Background(), obj, 0, false); ok {
		t.Errorf("Unit succeeded on read error")
	}
	if got := arena.Allocated(); got != 0 {
		t.Errorf("Allocated after failed read got %#x want 0", got)
	}
}

func TestUnitExhausted(t *testing.T) {
	c, _ := newTestCache(t, 1, hostarch.PageSize)
	obj := c.Open(&bufSource{data: make([]byte, 2*hostarch.PageSize)})
	if _, ok := c.Unit(context.Background(), obj, 0, false); !ok {
		t.Fatalf("first Unit failed")
	}
	if _, ok := c.Unit(context.Background(), obj, hostarch.PageSize, false); ok {
		t.Errorf("Unit succeeded with no free frames")
	}
}

func TestUnitCanceled(t *testing.T) {
	c, _ := newTestCache(t, 4, hostarch.PageSize)
	obj := c.Open(&bufSource{data: make([]byte, hostarch.PageSize)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := c.Unit(ctx, obj, 0, false); ok {
		t.Errorf("Unit succeeded with canceled context")
	}
}

func TestInvalidateRetires(t *testing.T) {
	c, arena := newTestCache(t, 8, hostarch.PageSize)
	src := &bufSource{data: pattern(3 * hostarch.PageSize)}
	obj := c.Open(src)
	ctx := context.Background()
	for off := uint64(0); off < 3*hostarch.PageSize; off += hostarch.PageSize {
		if _, ok := c.Unit(ctx, obj, off, false); !ok {
			t.Fatalf("Unit(%#x) failed", off)
		}
	}

	src.data = src.data[:hostarch.PageSize+100]
	obj.Invalidate(hostarch.PageSize + 100)
	if got := obj.Cached(); got != 2 {
		t.Errorf("Cached after invalidate got %d want 2", got)
	}
	// Retired frames are still allocated.
	if got := arena.Allocated(); got != 3*hostarch.PageSize {
		t.Errorf("Allocated after invalidate got %#x want %#x", got, 3*hostarch.PageSize)
	}
	u, ok := c.Unit(ctx, obj, hostarch.PageSize, false)
	if !ok {
		t.Fatalf("Unit inside new size failed")
	}
	if b := c.Bytes(u); b[99] != 1 || b[100] != 0 {
		t.Errorf("straddling unit got %d, %d want 1, 0", b[99], b[100])
	}
	if _, ok := c.Unit(ctx, obj, 2*hostarch.PageSize, false); ok {
		t.Errorf("Unit past new size succeeded")
	}

	obj.DecRef()
	if got := arena.Allocated(); got != 0 {
		t.Errorf("Allocated after release got %#x want 0", got)
	}
}

func TestFlush(t *testing.T) {
	c, _ := newTestCache(t, 4, hostarch.PageSize)
	src := &bufSource{data: make([]byte, 2*hostarch.PageSize)}
	obj := c.Open(src)
	defer obj.DecRef()

	u, ok := c.Unit(context.Background(), obj, hostarch.PageSize, true)
	if !ok {
		t.Fatalf("Unit failed")
	}
	copy(c.Bytes(u)[10:], "hello")
	if err := obj.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := string(src.data[hostarch.PageSize+10 : hostarch.PageSize+15]); got != "hello" {
		t.Errorf("flushed data got %q want %q", got, "hello")
	}
}

func TestBadUnitSizePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("New with unaligned unit size did not panic")
		}
	}()
	New(nil, Info{HATMode: hat.ModeBase, UnitSize: 100}, hat.DefaultLimits())
}
