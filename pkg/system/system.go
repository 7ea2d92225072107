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

// Package system assembles a simulated machine: physical memory, the file
// cache and filesystem, backing drivers, the kernel address space and one
// address space per process.
package system

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"

	"npk.dev/vm/pkg/cleanup"
	"npk.dev/vm/pkg/config"
	"npk.dev/vm/pkg/errors"
	"npk.dev/vm/pkg/filecache"
	"npk.dev/vm/pkg/fs"
	"npk.dev/vm/pkg/hat"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/mm"
	"npk.dev/vm/pkg/pgalloc"
	"npk.dev/vm/pkg/prometheus"
	"npk.dev/vm/pkg/sync"
	"npk.dev/vm/pkg/trap"
	"npk.dev/vm/pkg/vm"
	"npk.dev/vm/pkg/vm/anon"
	"npk.dev/vm/pkg/vm/kernel"
	"npk.dev/vm/pkg/vm/vfs"
)

// KernelSpace is the name of the kernel address space.
const KernelSpace = "kernel"

var (
	// ErrProcessExists is returned when creating a process whose name is
	// taken.
	ErrProcessExists = errors.New(errors.Config, "process exists")

	// ErrNoProcess is returned for an unknown process name.
	ErrNoProcess = errors.New(errors.Config, "no such process")
)

var framesMetric = &prometheus.Metric{
	Name: "frames_allocated",
	Type: prometheus.TypeGauge,
	Help: "Physical frames in use.",
}

// NewDrivers returns the backing drivers of a machine, initialized with
// features.
func NewDrivers(alloc pgalloc.Allocator, fsys *fs.Filesystem, limits hat.Limits, features vm.Features) *mm.Drivers {
	ds := new(mm.Drivers)
	ds.Register(anon.New(alloc, limits))
	ds.Register(kernel.New(limits))
	ds.Register(vfs.New(fsys, fsys.Cache(), limits))
	ds.Init(features)
	return ds
}

// Machine is a booted simulated machine.
type Machine struct {
	conf    *config.Config
	arena   *pgalloc.Arena
	fs      *fs.Filesystem
	drivers *mm.Drivers
	router  *trap.Router

	// kernel is the kernel address space. It lives as long as the machine.
	kernel *mm.MemoryManager

	mu sync.Mutex

	// procs maps process names to their address spaces.
	//
	// +checklocks:mu
	procs map[string]*mm.MemoryManager
}

// Boot creates a machine configured by conf.
func Boot(conf *config.Config) (*Machine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	conf = conf.Clone()

	arena, err := pgalloc.NewArena(pgalloc.Opts{
		PhysBase: hostarch.Addr(conf.Memory.PhysBase),
		Size:     conf.Memory.ArenaSize,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating physical memory: %w", err)
	}
	cu := cleanup.Make(func() { arena.Close() })
	defer cu.Clean()

	limits := hat.DefaultLimits()
	cache := filecache.New(arena, filecache.Info{HATMode: hat.ModeBase, UnitSize: conf.FileCache.UnitSize}, limits)
	fsys := fs.New(cache)
	drivers := NewDrivers(arena, fsys, limits, conf.Features())

	as := conf.AddressSpace
	k := mm.New(mm.Opts{
		Name:    KernelSpace,
		Table:   hat.New(),
		Drivers: drivers,
		Min:     hostarch.Addr(as.KernelMin),
		Max:     hostarch.Addr(as.KernelMax),
		Kernel:  true,
	})
	router := trap.NewRouter(trap.Opts{
		Boundary:        hostarch.Addr(as.Boundary),
		Kernel:          k,
		CPUs:            conf.Trap.CPUs,
		RetryMaxElapsed: conf.Trap.RetryMaxElapsed,
	})

	log.Infof("Machine booted: %d CPUs, %d bytes of memory, kernel space %v", conf.Trap.CPUs, conf.Memory.ArenaSize, k.Bounds())
	cu.Release()
	return &Machine{
		conf:    conf,
		arena:   arena,
		fs:      fsys,
		drivers: drivers,
		router:  router,
		kernel:  k,
		procs:   make(map[string]*mm.MemoryManager),
	}, nil
}

// Config returns the machine's configuration. It must not be modified.
func (m *Machine) Config() *config.Config {
	return m.conf
}

// Arena returns physical memory.
func (m *Machine) Arena() *pgalloc.Arena {
	return m.arena
}

// Filesystem returns the root filesystem.
func (m *Machine) Filesystem() *fs.Filesystem {
	return m.fs
}

// Router returns the fault router.
func (m *Machine) Router() *trap.Router {
	return m.router
}

// Kernel returns the kernel address space.
func (m *Machine) Kernel() *mm.MemoryManager {
	return m.kernel
}

// NewProcess creates an empty user address space named name.
func (m *Machine) NewProcess(name string) (*mm.MemoryManager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == KernelSpace {
		return nil, fmt.Errorf("%q: %w", name, ErrProcessExists)
	}
	if _, ok := m.procs[name]; ok {
		return nil, fmt.Errorf("%q: %w", name, ErrProcessExists)
	}
	as := m.conf.AddressSpace
	p := mm.New(mm.Opts{
		Name:    name,
		Table:   hat.New(),
		Drivers: m.drivers,
		Min:     hostarch.Addr(as.UserMin),
		Max:     hostarch.Addr(as.UserMax),
	})
	m.procs[name] = p
	log.Debugf("Process %q created", name)
	return p, nil
}

// Process returns the address space of the named process.
func (m *Machine) Process(name string) (*mm.MemoryManager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNoProcess)
	}
	return p, nil
}

// Processes returns the names of all processes in sorted order.
func (m *Machine) Processes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.procs)
}

// Run makes the named process current on cpu.
func (m *Machine) Run(cpu int, name string) error {
	p, err := m.Process(name)
	if err != nil {
		return err
	}
	m.router.SetCurrent(cpu, p)
	return nil
}

// Exit destroys the named process, releasing every range it holds.
func (m *Machine) Exit(ctx context.Context, name string) error {
	m.mu.Lock()
	p, ok := m.procs[name]
	delete(m.procs, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrNoProcess)
	}
	for cpu := 0; cpu < m.conf.Trap.CPUs; cpu++ {
		if m.router.Current(cpu) == trap.Space(p) {
			m.router.SetCurrent(cpu, nil)
		}
	}
	log.Debugf("Process %q exiting", name)
	return p.Close(ctx)
}

// Access simulates a memory access on cpu. An access the address space's
// table already permits completes without a fault; anything else is routed
// to the fault handler.
func (m *Machine) Access(ctx context.Context, cpu int, addr hostarch.Addr, flags vm.FaultFlags) vm.Outcome {
	if s, ok := m.router.Space(cpu, addr).(*mm.MemoryManager); ok {
		if _, _, hf, ok := s.Table().Lookup(addr); ok && permits(hf, flags) {
			return vm.Resolved
		}
	}
	return m.router.HandleFault(ctx, cpu, addr, flags)
}

func permits(hf hat.Flags, flags vm.FaultFlags) bool {
	if flags&vm.FaultWrite != 0 && hf&hat.Write == 0 {
		return false
	}
	if flags&vm.FaultExecute != 0 && hf&hat.Execute == 0 {
		return false
	}
	if flags&vm.FaultUser != 0 && hf&hat.User == 0 {
		return false
	}
	return true
}

// spaces returns every address space, kernel first.
func (m *Machine) spaces() []*mm.MemoryManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*mm.MemoryManager{m.kernel}
	for _, name := range sortedKeys(m.procs) {
		out = append(out, m.procs[name])
	}
	return out
}

func sortedKeys(procs map[string]*mm.MemoryManager) []string {
	names := make([]string, 0, len(procs))
	for name := range procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the usage of every address space and of physical memory.
func (m *Machine) Snapshot() *prometheus.Snapshot {
	snap := prometheus.NewSnapshot()
	for _, s := range m.spaces() {
		stats := s.Stats()
		snap.Add(stats.Snapshot(s.Name()).Data...)
	}
	snap.Add(prometheus.LabeledData(framesMetric, nil, m.arena.Allocated()/hostarch.PageSize))
	return snap
}

// WritePrometheus writes Snapshot in Prometheus text format.
func (m *Machine) WritePrometheus(w io.Writer, prefix string) error {
	return m.Snapshot().Write(w, prefix)
}

// Destroy exits every process, empties the filesystem and releases physical
// memory. The machine must not be used afterwards.
func (m *Machine) Destroy(ctx context.Context) error {
	var errs []error
	for _, name := range m.Processes() {
		if err := m.Exit(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	m.fs.Release()
	if err := m.arena.Close(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}
