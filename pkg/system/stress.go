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

package system

import (
	"context"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/mm"
	"npk.dev/vm/pkg/vm"
	"npk.dev/vm/pkg/vm/vfs"
)

// StressOpts configures Stress.
type StressOpts struct {
	// Workers is the number of goroutines touching the range.
	Workers int

	// Faults is the number of accesses made by each worker.
	Faults int

	// Granules is the length of the file and the range.
	Granules int

	// Seed seeds the access pattern.
	Seed uint64
}

// StressReport is the result of Stress.
type StressReport struct {
	Accesses     int    `yaml:"accesses"`
	Mapped       uint64 `yaml:"mapped_granules"`
	Resident     uint64 `yaml:"resident"`
	DriverFaults uint64 `yaml:"driver_faults"`
}

const stressProcess = "stress"

// Stress maps a file on fault in a new process and touches random granules
// of it from many goroutines at once, spread over every CPU. It fails if
// any access is not resolved, if a page does not hold the file's contents,
// or if the resident set disagrees with the pages actually mapped.
func Stress(ctx context.Context, m *Machine, opts StressOpts) (*StressReport, error) {
	if opts.Workers < 1 || opts.Faults < 0 || opts.Granules < 1 {
		return nil, fmt.Errorf("invalid stress options %+v", opts)
	}
	p, err := m.NewProcess(stressProcess)
	if err != nil {
		return nil, err
	}
	cpus := m.conf.Trap.CPUs
	for cpu := 0; cpu < cpus; cpu++ {
		m.router.SetCurrent(cpu, p)
	}

	e := &env{m: m, p: p, report: &Report{}}
	g := e.granule()
	if err := e.createFile("/stress", opts.Granules); err != nil {
		return nil, err
	}
	r, err := p.Reserve(ctx, mm.ReserveOpts{
		Length: uint64(opts.Granules) * g,
		Driver: vm.Vfs,
		Arg:    vfs.Arg{Path: "/stress"},
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Stress: %d workers x %d faults on %v", opts.Workers, opts.Faults, &r)

	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		eg.Go(func() error {
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(w)))
			cpu := w % cpus
			for i := 0; i < opts.Faults; i++ {
				addr := r.Base + hostarch.Addr(rng.Uint64N(r.Length))
				if o := m.Access(ctx, cpu, addr, vm.FaultUser); o != vm.Resolved {
					return fmt.Errorf("worker %d: access at %v: got %v want %v", w, addr, o, vm.Resolved)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var mapped uint64
	for i := uint64(0); i < uint64(opts.Granules); i++ {
		pa, _, _, ok := p.Table().Lookup(r.Base + hostarch.Addr(i*g))
		if !ok {
			continue
		}
		mapped++
		page := m.arena.Slice(pa, g)
		if page[0] != byte(i+1) || page[g-1] != byte(i+1) {
			return nil, fmt.Errorf("granule %d maps %v holding %d, want %d", i, pa, page[0], i+1)
		}
	}
	stats := p.Stats()
	rep := &StressReport{
		Accesses:     opts.Workers * opts.Faults,
		Mapped:       mapped,
		Resident:     stats.TotalResident(),
		DriverFaults: stats.Faults,
	}
	if rep.Resident != mapped*g {
		return nil, fmt.Errorf("resident set %#x does not match %d mapped granules", rep.Resident, mapped)
	}
	return rep, nil
}
