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
	"sort"

	"npk.dev/vm/pkg/config"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/mm"
	"npk.dev/vm/pkg/vm"
	"npk.dev/vm/pkg/vm/vfs"
)

// Access is one simulated memory access and its outcome.
type Access struct {
	Addr    string `yaml:"addr"`
	Flags   string `yaml:"flags"`
	Outcome string `yaml:"outcome"`
}

// Report describes the effect of a scenario on its address space.
type Report struct {
	Scenario string   `yaml:"scenario"`
	Range    string   `yaml:"range"`
	Length   uint64   `yaml:"length"`
	Offset   uint64   `yaml:"offset"`
	Accesses []Access `yaml:"accesses"`

	// ResidentAttach is the resident set right after Reserve.
	ResidentAttach uint64 `yaml:"resident_attach"`

	// Resident and Working are the final resident and working sets.
	Resident uint64 `yaml:"resident"`
	Working  uint64 `yaml:"working"`

	// DriverFaults is the number of faults dispatched to the driver.
	DriverFaults uint64 `yaml:"driver_faults"`
}

// Scenario is a canned sequence of operations on a fresh process.
type Scenario struct {
	// Name identifies the scenario.
	Name string

	// Overrides are applied to the configuration before boot.
	Overrides []string

	run func(ctx context.Context, e *env) error
}

var scenarios = map[string]*Scenario{}

func register(s *Scenario) {
	if _, ok := scenarios[s.Name]; ok {
		panic(fmt.Sprintf("scenario %q registered twice", s.Name))
	}
	scenarios[s.Name] = s
}

// LookupScenario returns the named scenario.
func LookupScenario(name string) (*Scenario, bool) {
	s, ok := scenarios[name]
	return s, ok
}

// ScenarioNames returns the names of every scenario in sorted order.
func ScenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns a copy of base with the scenario's overrides applied.
func (s *Scenario) Config(base *config.Config) (*config.Config, error) {
	c := base.Clone()
	if err := config.Overrides(s.Overrides).Apply(c); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", s.Name, err)
	}
	return c, nil
}

// env is the state a scenario runs in.
type env struct {
	m      *Machine
	p      *mm.MemoryManager
	cpu    int
	report *Report
}

func (e *env) granule() uint64 {
	return e.p.Table().Limits().Granularity(0)
}

func (e *env) reserve(ctx context.Context, opts mm.ReserveOpts) (vm.Range, error) {
	r, err := e.p.Reserve(ctx, opts)
	if err != nil {
		return vm.Range{}, err
	}
	stats := e.p.Stats()
	e.report.Range = r.String()
	e.report.Length = r.Length
	e.report.Offset = r.Offset
	e.report.ResidentAttach = stats.TotalResident()
	return r, nil
}

func (e *env) resident() uint64 {
	stats := e.p.Stats()
	return stats.TotalResident()
}

func (e *env) access(ctx context.Context, addr hostarch.Addr, flags vm.FaultFlags) vm.Outcome {
	o := e.m.Access(ctx, e.cpu, addr, flags)
	e.report.Accesses = append(e.report.Accesses, Access{
		Addr:    addr.String(),
		Flags:   flags.String(),
		Outcome: o.String(),
	})
	return o
}

// Run runs the scenario in a new process on cpu 0 of m. The process is
// left running so its state can be inspected.
func (s *Scenario) Run(ctx context.Context, m *Machine) (*Report, error) {
	p, err := m.NewProcess(s.Name)
	if err != nil {
		return nil, err
	}
	if err := m.Run(0, s.Name); err != nil {
		return nil, err
	}
	e := &env{m: m, p: p, report: &Report{Scenario: s.Name}}
	if err := s.run(ctx, e); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", s.Name, err)
	}
	stats := p.Stats()
	e.report.Resident = stats.TotalResident()
	e.report.Working = stats.TotalWorking()
	e.report.DriverFaults = stats.Faults
	return e.report, nil
}

// createFile creates a file of n granules where every byte of granule i
// holds i+1.
func (e *env) createFile(path string, n int) error {
	g := e.granule()
	data := make([]byte, uint64(n)*g)
	for i := range data {
		data[i] = byte(uint64(i)/g + 1)
	}
	_, err := e.m.Filesystem().Create(path, data)
	return err
}

func expect(what string, got, want any) error {
	if got != want {
		return fmt.Errorf("%s: got %v want %v", what, got, want)
	}
	return nil
}

func init() {
	register(&Scenario{
		Name:      "eager-anon",
		Overrides: []string{"drivers.anon_deferred=false"},
		run: func(ctx context.Context, e *env) error {
			g := e.granule()
			r, err := e.reserve(ctx, mm.ReserveOpts{Length: 3 * g, Flags: vm.Write, Driver: vm.Anon})
			if err != nil {
				return err
			}
			if err := expect("resident after attach", e.report.ResidentAttach, 3*g); err != nil {
				return err
			}
			for i := uint64(0); i < 3; i++ {
				if o := e.access(ctx, r.Base+hostarch.Addr(i*g), vm.FaultWrite|vm.FaultUser); o != vm.Resolved {
					return expect("write outcome", o, vm.Resolved)
				}
			}
			return expect("driver faults", e.p.Stats().Faults, uint64(0))
		},
	})

	register(&Scenario{
		Name:      "deferred-file",
		Overrides: []string{"drivers.vfs_fault_handler=true"},
		run: func(ctx context.Context, e *env) error {
			g := e.granule()
			if err := e.createFile("/deferred", 4); err != nil {
				return err
			}
			r, err := e.reserve(ctx, mm.ReserveOpts{Length: 4 * g, Driver: vm.Vfs, Arg: vfs.Arg{Path: "/deferred"}})
			if err != nil {
				return err
			}
			if err := expect("resident after attach", e.report.ResidentAttach, uint64(0)); err != nil {
				return err
			}
			if o := e.access(ctx, r.Base+hostarch.Addr(2*g), vm.FaultUser); o != vm.Resolved {
				return expect("read outcome", o, vm.Resolved)
			}
			window := min(uint64(e.m.Config().Drivers.VfsMapAhead), 2)
			return expect("resident after fault", e.resident(), window*g)
		},
	})

	register(&Scenario{
		Name: "misaligned",
		run: func(ctx context.Context, e *env) error {
			g := e.granule()
			if err := e.createFile("/misaligned", 2); err != nil {
				return err
			}
			r, err := e.reserve(ctx, mm.ReserveOpts{Length: g, Driver: vm.Vfs, Arg: vfs.Arg{Path: "/misaligned", Offset: 100}})
			if err != nil {
				return err
			}
			if err := expect("offset", r.Offset, uint64(100)); err != nil {
				return err
			}
			if err := expect("length", r.Length, 2*g); err != nil {
				return err
			}
			if o := e.access(ctx, r.Start(), vm.FaultUser); o != vm.Resolved {
				return expect("read outcome", o, vm.Resolved)
			}
			return nil
		},
	})

	register(&Scenario{
		Name:      "guarded",
		Overrides: []string{"drivers.anon_deferred=true"},
		run: func(ctx context.Context, e *env) error {
			g := e.granule()
			r, err := e.reserve(ctx, mm.ReserveOpts{Length: 2 * g, Flags: vm.Write | vm.Guarded, Driver: vm.Anon})
			if err != nil {
				return err
			}
			if err := expect("length", r.Length, 4*g); err != nil {
				return err
			}
			usable := r.Usable()
			for _, a := range []struct {
				addr hostarch.Addr
				want vm.Outcome
			}{
				{r.Base, vm.Reject},
				{usable.Start, vm.Resolved},
				{usable.End - hostarch.Addr(g), vm.Resolved},
				{usable.End, vm.Reject},
			} {
				if o := e.access(ctx, a.addr, vm.FaultWrite|vm.FaultUser); o != a.want {
					return expect(fmt.Sprintf("write outcome at %v", a.addr), o, a.want)
				}
			}
			return expect("resident", e.resident(), 2*g)
		},
	})
}
