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

package vfs

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"npk.dev/vm/pkg/filecache"
	"npk.dev/vm/pkg/fs"
	"npk.dev/vm/pkg/hat"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/pgalloc"
	"npk.dev/vm/pkg/sync"
	"npk.dev/vm/pkg/usage"
	"npk.dev/vm/pkg/vm"
)

const (
	granule  = hostarch.PageSize
	unitSize = 4 * hostarch.PageSize
	base     = hostarch.Addr(0x10000000)
)

type testEnv struct {
	arena *pgalloc.Arena
	fs    *fs.Filesystem
	d     *Driver
	pt    *hat.PageTables
	mu    sync.RWMutex
	stats usage.Stats
}

func newTestEnv(t *testing.T, features vm.Features) *testEnv {
	t.Helper()
	arena, err := pgalloc.NewArena(pgalloc.Opts{PhysBase: 0x100000, Size: 64 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	cache := filecache.New(arena, filecache.Info{HATMode: hat.ModeBase, UnitSize: unitSize}, hat.DefaultLimits())
	env := &testEnv{arena: arena, fs: fs.New(cache), pt: hat.New()}
	env.d = New(env.fs, cache, hat.DefaultLimits())
	env.d.Init(features)
	env.mu.Lock()
	t.Cleanup(env.mu.Unlock)
	return env
}

// createFile creates a file whose page i is filled with byte i+1.
func (e *testEnv) createFile(t *testing.T, path string, pages int) {
	t.Helper()
	data := make([]byte, pages*hostarch.PageSize)
	for i := range data {
		data[i] = byte(i/hostarch.PageSize + 1)
	}
	if _, err := e.fs.Create(path, data); err != nil {
		t.Fatalf("Create(%q): %v", path, err)
	}
}

func (e *testEnv) attach(t *testing.T, length uint64, flags vm.Flags, arg Arg) (*vm.DriverContext, error) {
	t.Helper()
	q, err := e.d.Query(context.Background(), length, flags, arg)
	if err != nil {
		return nil, err
	}
	r := &vm.Range{Base: base, Length: q.Length, Flags: flags, Mode: q.Mode, Granularity: q.Granularity, Type: vm.Vfs}
	dc := &vm.DriverContext{Lock: &e.mu, Table: e.pt, Range: r, Stats: &e.stats}
	res, err := e.d.Attach(context.Background(), dc, arg)
	if err != nil {
		return nil, err
	}
	r.Token = res.Token
	r.Offset = res.Offset
	return dc, nil
}

// pageByte returns the first byte of the page mapped at va.
func (e *testEnv) pageByte(t *testing.T, va hostarch.Addr) byte {
	t.Helper()
	pa, _, _, ok := e.pt.Lookup(va)
	if !ok {
		t.Fatalf("%v not mapped", va)
	}
	return e.arena.Slice(pa, 1)[0]
}

func TestEagerAttachDetach(t *testing.T) {
	env := newTestEnv(t, vm.Features{})
	env.createFile(t, "/bin", 4)

	dc, err := env.attach(t, 4*granule, vm.Execute, Arg{Path: "/bin"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	want := usage.Stats{FileWorking: 4 * granule, FileResident: 4 * granule}
	if diff := cmp.Diff(want, env.stats); diff != "" {
		t.Errorf("stats after attach (-want +got):\n%s", diff)
	}
	for i := uint64(0); i < 4; i++ {
		if got := env.pageByte(t, base+hostarch.Addr(i*granule)); got != byte(i+1) {
			t.Errorf("page %d got %d want %d", i, got, i+1)
		}
	}
	l := dc.Range.Token.(*Link)
	if !l.ReadOnly {
		t.Errorf("Link.ReadOnly got false for a non-writable range")
	}

	if err := env.d.Detach(context.Background(), dc); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if diff := cmp.Diff(usage.Stats{}, env.stats); diff != "" {
		t.Errorf("stats after detach (-want +got):\n%s", diff)
	}
	if got := env.pt.Len(); got != 0 {
		t.Errorf("mappings after detach got %d want 0", got)
	}
}

func TestDeferredFaultWindow(t *testing.T) {
	env := newTestEnv(t, vm.Features{FaultHandler: true})
	env.createFile(t, "/data", 4)

	dc, err := env.attach(t, 4*granule, vm.Write, Arg{Path: "/data"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := env.stats.FileResident; got != 0 {
		t.Errorf("resident after deferred attach got %#x want 0", got)
	}

	ctx := context.Background()
	if got := env.d.HandleFault(ctx, dc, base+2*granule+8, vm.FaultWrite); got != vm.Resolved {
		t.Fatalf("fault at granule 2 got %v want %v", got, vm.Resolved)
	}
	if got, want := env.stats.FileResident, uint64(2*granule); got != want {
		t.Errorf("resident after fault got %#x want %#x", got, want)
	}
	if env.d.HandleFault(ctx, dc, base+3*granule, 0) != vm.Resolved {
		t.Errorf("fault on mapped granule 3 not resolved")
	}
	if got, want := env.stats.FileResident, uint64(2*granule); got != want {
		t.Errorf("resident after repeated fault got %#x want %#x", got, want)
	}
	if _, _, _, ok := env.pt.Lookup(base + granule); ok {
		t.Errorf("granule 1 mapped by a fault at granule 2")
	}
	if got := env.pageByte(t, base+3*granule); got != 4 {
		t.Errorf("granule 3 got %d want 4", got)
	}

	if err := env.d.Detach(ctx, dc); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if diff := cmp.Diff(usage.Stats{}, env.stats); diff != "" {
		t.Errorf("stats after detach (-want +got):\n%s", diff)
	}
}

func TestMisalignedOffset(t *testing.T) {
	env := newTestEnv(t, vm.Features{})
	env.createFile(t, "/data", 4)

	dc, err := env.attach(t, granule, 0, Arg{Path: "/data", Offset: granule + 100})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := dc.Range.Offset; got != 100 {
		t.Errorf("Offset got %d want 100", got)
	}
	if got := dc.Range.Length; got != 2*granule {
		t.Errorf("Length got %#x want %#x", got, 2*granule)
	}
	if got := dc.Range.Token.(*Link).FileOffset; got != granule {
		t.Errorf("FileOffset got %#x want %#x", got, granule)
	}
	if got := env.stats.FileWorking; got != 2*granule-100 {
		t.Errorf("working set got %#x want %#x", got, 2*granule-100)
	}
	// The first requested byte is file offset granule+100, in page 2.
	if got := env.pageByte(t, dc.Range.Start()); got != 2 {
		t.Errorf("byte at Start got %d want 2", got)
	}
	if err := env.d.Detach(context.Background(), dc); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if diff := cmp.Diff(usage.Stats{}, env.stats); diff != "" {
		t.Errorf("stats after detach (-want +got):\n%s", diff)
	}
}

func TestEagerAttachPastEOF(t *testing.T) {
	env := newTestEnv(t, vm.Features{})
	env.createFile(t, "/short", 2)

	dc, err := env.attach(t, 5*granule, 0, Arg{Path: "/short"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := env.stats.FileResident; got != 2*granule {
		t.Errorf("resident got %#x want %#x", got, 2*granule)
	}
	if got := env.d.HandleFault(context.Background(), dc, base+3*granule, 0); got != vm.Reject {
		t.Errorf("fault past EOF got %v want %v", got, vm.Reject)
	}
}

func TestTruncateThenFault(t *testing.T) {
	env := newTestEnv(t, vm.Features{FaultHandler: true})
	env.createFile(t, "/data", 8)

	dc, err := env.attach(t, 8*granule, 0, Arg{Path: "/data"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	ctx := context.Background()
	if got := env.d.HandleFault(ctx, dc, base, 0); got != vm.Resolved {
		t.Fatalf("fault before truncate got %v want %v", got, vm.Resolved)
	}
	if err := env.fs.Truncate("/data", granule); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if got := env.d.HandleFault(ctx, dc, base+5*granule, 0); got != vm.Reject {
		t.Errorf("fault past truncated EOF got %v want %v", got, vm.Reject)
	}
	if err := env.d.Detach(ctx, dc); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if diff := cmp.Diff(usage.Stats{}, env.stats); diff != "" {
		t.Errorf("stats after detach (-want +got):\n%s", diff)
	}
}

func TestRemovedFileStaysMapped(t *testing.T) {
	env := newTestEnv(t, vm.Features{})
	env.createFile(t, "/data", 1)

	dc, err := env.attach(t, granule, 0, Arg{Path: "/data"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := env.fs.Remove("/data"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := env.arena.Allocated(); got != unitSize {
		t.Errorf("Allocated while mapped got %#x want %#x", got, unitSize)
	}
	if err := env.d.Detach(context.Background(), dc); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got := env.arena.Allocated(); got != 0 {
		t.Errorf("Allocated after detach got %#x want 0", got)
	}
}

func TestWritableMappingSharesCache(t *testing.T) {
	env := newTestEnv(t, vm.Features{})
	env.createFile(t, "/data", 1)

	dc, err := env.attach(t, granule, vm.Write, Arg{Path: "/data"})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	pa, _, flags, _ := env.pt.Lookup(base)
	if flags&hat.Write == 0 {
		t.Errorf("writable range mapped without hat.Write")
	}
	copy(env.arena.Slice(pa, 5), "hello")

	buf := make([]byte, 5)
	if _, err := env.fs.ReadAt(context.Background(), "/data", buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("file read through cache got %q want %q", buf, "hello")
	}
	env.d.Detach(context.Background(), dc)
}

func TestQueryErrors(t *testing.T) {
	env := newTestEnv(t, vm.Features{})
	env.fs.Mkdir("/dir")
	env.createFile(t, "/f", 1)
	for _, tc := range []struct {
		name string
		arg  Arg
		want error
	}{
		{"missing", Arg{Path: "/missing"}, vm.ErrNoBacking},
		{"directory", Arg{Path: "/dir"}, vm.ErrNoBacking},
		{"private", Arg{Path: "/f", Private: true}, vm.ErrUnsupported},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.d.Query(context.Background(), granule, 0, tc.arg); !errors.Is(err, tc.want) {
				t.Errorf("Query got %v want %v", err, tc.want)
			}
		})
	}
}

func TestAttachRevalidates(t *testing.T) {
	env := newTestEnv(t, vm.Features{})
	env.createFile(t, "/f", 1)
	arg := Arg{Path: "/f"}
	q, err := env.d.Query(context.Background(), granule, 0, arg)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	env.fs.Remove("/f")
	r := &vm.Range{Base: base, Length: q.Length, Mode: q.Mode, Granularity: q.Granularity, Type: vm.Vfs}
	dc := &vm.DriverContext{Lock: &env.mu, Table: env.pt, Range: r, Stats: &env.stats}
	if _, err := env.d.Attach(context.Background(), dc, arg); !errors.Is(err, vm.ErrNoBacking) {
		t.Errorf("Attach after remove got %v want %v", err, vm.ErrNoBacking)
	}
	if diff := cmp.Diff(usage.Stats{}, env.stats); diff != "" {
		t.Errorf("stats after failed attach (-want +got):\n%s", diff)
	}
}
