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

// Package mm implements address spaces: a translation table, the ranges
// reserved in it and the drivers backing them.
//
// Lock order:
//
//	MemoryManager.mu
//		filecache.Object.mu
//			fs node.mu
//		pgalloc.Arena.mu
//		hat.PageTables.mu
package mm

import (
	"fmt"
	"time"

	"github.com/google/btree"
	"npk.dev/vm/pkg/hat"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/usage"
	"npk.dev/vm/pkg/vm"
)

// rangeSetDegree is the degree of the range B-tree.
const rangeSetDegree = 8

// Drivers maps driver types to drivers.
type Drivers [vm.NumDriverTypes]vm.Driver

// Register installs d under d.Type().
func (ds *Drivers) Register(d vm.Driver) {
	t := d.Type()
	if t <= 0 || t >= vm.NumDriverTypes {
		panic(fmt.Sprintf("invalid driver type %d", int(t)))
	}
	if ds[t] != nil {
		panic(fmt.Sprintf("driver %v registered twice", t))
	}
	ds[t] = d
}

// Get returns the driver of type t.
func (ds *Drivers) Get(t vm.DriverType) (vm.Driver, bool) {
	if t <= 0 || t >= vm.NumDriverTypes || ds[t] == nil {
		return nil, false
	}
	return ds[t], true
}

// Init calls Init on every registered driver.
func (ds *Drivers) Init(features vm.Features) {
	for _, d := range ds {
		if d != nil {
			d.Init(features)
		}
	}
}

// Opts configures a MemoryManager.
type Opts struct {
	// Name identifies the address space in logs and metrics.
	Name string

	// Table is the address space's translation table. The MemoryManager
	// takes exclusive ownership of it.
	Table hat.Table

	// Drivers back the address space's ranges.
	Drivers *Drivers

	// Min and Max bound the addresses ranges may occupy.
	Min, Max hostarch.Addr

	// Kernel is set for the kernel address space. Ranges of other address
	// spaces are always user accessible.
	Kernel bool
}

// MemoryManager owns one address space.
type MemoryManager struct {
	name    string
	kernel  bool
	table   hat.Table
	drivers *Drivers
	bounds  hostarch.AddrRange

	// rejects logs rejected faults.
	rejects log.Logger

	// mu protects everything below, and every mutation of table.
	mu spaceRWMutex

	// ranges holds the address space's ranges ordered by Base. Ranges
	// never overlap.
	ranges *btree.BTreeG[*vm.Range]

	// stats is the address space's usage.
	stats usage.Stats
}

func rangeLess(a, b *vm.Range) bool {
	return a.Base < b.Base
}

// New returns a MemoryManager with no ranges.
func New(opts Opts) *MemoryManager {
	if opts.Table == nil || opts.Drivers == nil {
		panic("mm.New: nil Table or Drivers")
	}
	bounds := hostarch.AddrRange{Start: opts.Min, End: opts.Max}
	if !bounds.WellFormed() || bounds.Length() == 0 {
		panic(fmt.Sprintf("mm.New: invalid bounds %v", bounds))
	}
	return &MemoryManager{
		name:    opts.Name,
		kernel:  opts.Kernel,
		table:   opts.Table,
		drivers: opts.Drivers,
		bounds:  bounds,
		rejects: log.BasicRateLimitedLogger(100 * time.Millisecond),
		ranges:  btree.NewG(rangeSetDegree, rangeLess),
	}
}

// Name returns the name of the address space.
func (m *MemoryManager) Name() string {
	return m.name
}

// Kernel returns true if m is the kernel address space.
func (m *MemoryManager) Kernel() bool {
	return m.kernel
}

// Bounds returns the addresses ranges of m may occupy.
func (m *MemoryManager) Bounds() hostarch.AddrRange {
	return m.bounds
}

// Table returns m's translation table. Callers must not mutate it.
func (m *MemoryManager) Table() hat.Table {
	return m.table
}

// driverContext returns the context passed to the driver of r.
//
// Preconditions: m.mu is locked for writing.
func (m *MemoryManager) driverContext(r *vm.Range) *vm.DriverContext {
	return &vm.DriverContext{
		Lock:  &m.mu,
		Table: m.table,
		Range: r,
		Stats: &m.stats,
	}
}

// Stats returns a snapshot of m's usage.
func (m *MemoryManager) Stats() usage.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// snapshot returns a copy of r safe to hand out: the token stays private to
// its driver.
func snapshot(r *vm.Range) vm.Range {
	c := *r
	c.Token = nil
	return c
}

// Ranges returns a snapshot of m's ranges in address order.
func (m *MemoryManager) Ranges() []vm.Range {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := make([]vm.Range, 0, m.ranges.Len())
	m.ranges.Ascend(func(r *vm.Range) bool {
		rs = append(rs, snapshot(r))
		return true
	})
	return rs
}

// Lookup returns the range containing addr.
func (m *MemoryManager) Lookup(addr hostarch.Addr) (vm.Range, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.findLocked(addr)
	if r == nil {
		return vm.Range{}, false
	}
	return snapshot(r), true
}

// String implements fmt.Stringer.String.
func (m *MemoryManager) String() string {
	return fmt.Sprintf("mm %q %v", m.name, m.bounds)
}
