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
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/common/expfmt"
	"npk.dev/vm/pkg/config"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/mm"
	"npk.dev/vm/pkg/vm"
	"npk.dev/vm/pkg/vm/kernel"
	"npk.dev/vm/pkg/vm/vfs"
)

const g = hostarch.PageSize

func testConfig() *config.Config {
	c := config.Default()
	c.Memory.ArenaSize = 4 << 20
	return c
}

func boot(t *testing.T, c *config.Config) *Machine {
	t.Helper()
	m, err := Boot(c)
	if err != nil {
		t.Fatalf("Boot(): %v", err)
	}
	t.Cleanup(func() {
		if err := m.Destroy(context.Background()); err != nil {
			t.Errorf("Destroy(): %v", err)
		}
	})
	return m
}

func TestBoot(t *testing.T) {
	m := boot(t, testConfig())
	if !m.Kernel().Kernel() {
		t.Errorf("Kernel().Kernel() got false want true")
	}
	if got, want := m.Kernel().Bounds().Start, hostarch.Addr(m.Config().AddressSpace.KernelMin); got != want {
		t.Errorf("kernel space starts at %v want %v", got, want)
	}
	if got := m.Processes(); len(got) != 0 {
		t.Errorf("Processes() got %v want none", got)
	}
	if got := m.Arena().Allocated(); got != 0 {
		t.Errorf("Allocated() got %d want 0", got)
	}
}

func TestBootInvalid(t *testing.T) {
	c := testConfig()
	c.Trap.CPUs = 0
	if _, err := Boot(c); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Boot() got %v want ErrInvalid", err)
	}
}

func TestProcessLifecycle(t *testing.T) {
	ctx := context.Background()
	c := testConfig()
	c.Drivers.AnonDeferred = false
	m := boot(t, c)

	p, err := m.NewProcess("init")
	if err != nil {
		t.Fatalf("NewProcess(): %v", err)
	}
	for _, name := range []string{"init", KernelSpace} {
		if _, err := m.NewProcess(name); !errors.Is(err, ErrProcessExists) {
			t.Errorf("NewProcess(%q) got %v want ErrProcessExists", name, err)
		}
	}
	if err := m.Run(1, "init"); err != nil {
		t.Fatalf("Run(): %v", err)
	}
	if err := m.Run(0, "nobody"); !errors.Is(err, ErrNoProcess) {
		t.Errorf("Run(nobody) got %v want ErrNoProcess", err)
	}

	r, err := p.Reserve(ctx, mm.ReserveOpts{Length: 2 * g, Flags: vm.Write, Driver: vm.Anon})
	if err != nil {
		t.Fatalf("Reserve(): %v", err)
	}
	if got, want := m.Arena().Allocated(), uint64(2*g); got != want {
		t.Errorf("Allocated() got %d want %d", got, want)
	}
	if got := m.Access(ctx, 1, r.Base, vm.FaultWrite|vm.FaultUser); got != vm.Resolved {
		t.Errorf("Access(cpu 1) got %v want %v", got, vm.Resolved)
	}
	// Nothing is current on cpu 0.
	if got := m.Access(ctx, 0, r.Base, vm.FaultUser); got != vm.Reject {
		t.Errorf("Access(cpu 0) got %v want %v", got, vm.Reject)
	}

	if err := m.Exit(ctx, "init"); err != nil {
		t.Fatalf("Exit(): %v", err)
	}
	if got := m.Arena().Allocated(); got != 0 {
		t.Errorf("Allocated() after Exit got %d want 0", got)
	}
	if got := m.Router().Current(1); got != nil {
		t.Errorf("Current(1) after Exit got %v want nil", got)
	}
	if err := m.Exit(ctx, "init"); !errors.Is(err, ErrNoProcess) {
		t.Errorf("second Exit() got %v want ErrNoProcess", err)
	}
}

func TestKernelMMIO(t *testing.T) {
	ctx := context.Background()
	m := boot(t, testConfig())
	r, err := m.Kernel().Reserve(ctx, mm.ReserveOpts{
		Length: g,
		Flags:  vm.Write | vm.MMIO,
		Driver: vm.Kernel,
		Arg:    kernel.Arg{Phys: 0xfee00000},
	})
	if err != nil {
		t.Fatalf("Reserve(): %v", err)
	}
	for _, tc := range []struct {
		cpu   int
		flags vm.FaultFlags
		want  vm.Outcome
	}{
		{0, vm.FaultWrite, vm.Resolved},
		{3, 0, vm.Resolved},
		{0, vm.FaultUser, vm.Reject},
		{0, vm.FaultExecute, vm.Reject},
	} {
		if got := m.Access(ctx, tc.cpu, r.Base, tc.flags); got != tc.want {
			t.Errorf("Access(cpu %d, %v) got %v want %v", tc.cpu, tc.flags, got, tc.want)
		}
	}
	if pa, _, _, ok := m.Kernel().Table().Lookup(r.Base); !ok || pa != 0xfee00000 {
		t.Errorf("Lookup(%v) got %v, %t want 0xfee00000, true", r.Base, pa, ok)
	}
}

func TestFileAccess(t *testing.T) {
	ctx := context.Background()
	m := boot(t, testConfig())
	p, err := m.NewProcess("reader")
	if err != nil {
		t.Fatalf("NewProcess(): %v", err)
	}
	if err := m.Run(2, "reader"); err != nil {
		t.Fatalf("Run(): %v", err)
	}
	data := make([]byte, 4*g)
	for i := range data {
		data[i] = byte(i/g + 1)
	}
	if _, err := m.Filesystem().Create("/data", data); err != nil {
		t.Fatalf("Create(): %v", err)
	}
	r, err := p.Reserve(ctx, mm.ReserveOpts{Length: 4*g - 100, Driver: vm.Vfs, Arg: vfs.Arg{Path: "/data", Offset: 100}})
	if err != nil {
		t.Fatalf("Reserve(): %v", err)
	}
	if r.Offset != 100 || r.Length != 4*g {
		t.Errorf("Reserve() got offset %d length %#x want 100, %#x", r.Offset, r.Length, 4*g)
	}
	if st := p.Stats(); st.TotalResident() != 0 {
		t.Errorf("resident after attach got %#x want 0", st.TotalResident())
	}

	addr := r.Base + 2*g
	if got := m.Access(ctx, 2, addr, vm.FaultUser); got != vm.Resolved {
		t.Fatalf("Access() got %v want %v", got, vm.Resolved)
	}
	window := uint64(m.Config().Drivers.VfsMapAhead) * g
	if st := p.Stats(); st.TotalResident() == 0 || st.TotalResident() > window {
		t.Errorf("resident after fault got %#x want 1..%#x", st.TotalResident(), window)
	}
	pa, _, _, ok := p.Table().Lookup(addr)
	if !ok {
		t.Fatalf("Lookup(%v) not mapped after Access", addr)
	}
	if got := m.Arena().Slice(pa, g)[0]; got != 3 {
		t.Errorf("granule 2 holds %d want 3", got)
	}
	// The same process is not current on cpu 1.
	if got := m.Access(ctx, 1, addr, vm.FaultUser); got != vm.Reject {
		t.Errorf("Access(cpu 1) got %v want %v", got, vm.Reject)
	}
	if got := m.Access(ctx, 2, addr, vm.FaultWrite|vm.FaultUser); got != vm.Reject {
		t.Errorf("write Access() got %v want %v", got, vm.Reject)
	}
}

func TestScenarios(t *testing.T) {
	for _, tc := range []struct {
		name string
		want Report
	}{
		{
			name: "eager-anon",
			want: Report{Length: 3 * g, ResidentAttach: 3 * g, Resident: 3 * g, Working: 3 * g, DriverFaults: 0},
		},
		{
			name: "deferred-file",
			want: Report{Length: 4 * g, ResidentAttach: 0, Resident: 2 * g, Working: 4 * g, DriverFaults: 1},
		},
		{
			name: "misaligned",
			want: Report{Length: 2 * g, Offset: 100, ResidentAttach: 0, Resident: 2 * g, Working: 2*g - 100, DriverFaults: 1},
		},
		{
			name: "guarded",
			want: Report{Length: 4 * g, ResidentAttach: 0, Resident: 2 * g, Working: 2 * g, DriverFaults: 2},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sc, ok := LookupScenario(tc.name)
			if !ok {
				t.Fatalf("LookupScenario(%q) not found", tc.name)
			}
			c, err := sc.Config(testConfig())
			if err != nil {
				t.Fatalf("Config(): %v", err)
			}
			m := boot(t, c)
			got, err := sc.Run(context.Background(), m)
			if err != nil {
				t.Fatalf("Run(): %v", err)
			}
			tc.want.Scenario = tc.name
			opts := cmpopts.IgnoreFields(Report{}, "Range", "Accesses")
			if diff := cmp.Diff(&tc.want, got, opts); diff != "" {
				t.Errorf("Run() mismatch (-want +got):\n%s", diff)
			}
			for _, a := range got.Accesses {
				if a.Outcome == "" {
					t.Errorf("access %+v has no outcome", a)
				}
			}
		})
	}
	if got, want := ScenarioNames(), []string{"deferred-file", "eager-anon", "guarded", "misaligned"}; !cmp.Equal(got, want) {
		t.Errorf("ScenarioNames() got %v want %v", got, want)
	}
}

func TestStress(t *testing.T) {
	m := boot(t, testConfig())
	rep, err := Stress(context.Background(), m, StressOpts{Workers: 8, Faults: 200, Granules: 16, Seed: 1})
	if err != nil {
		t.Fatalf("Stress(): %v", err)
	}
	if rep.Accesses != 1600 {
		t.Errorf("Accesses got %d want 1600", rep.Accesses)
	}
	if rep.Mapped == 0 || rep.Mapped > 16 {
		t.Errorf("Mapped got %d want 1..16", rep.Mapped)
	}
	if rep.DriverFaults == 0 {
		t.Errorf("DriverFaults got 0 want > 0")
	}
	if _, err := Stress(context.Background(), m, StressOpts{Workers: 0, Granules: 1}); err == nil {
		t.Errorf("Stress(Workers: 0) succeeded, want error")
	}
}

func TestWritePrometheus(t *testing.T) {
	sc, _ := LookupScenario("eager-anon")
	c, err := sc.Config(testConfig())
	if err != nil {
		t.Fatalf("Config(): %v", err)
	}
	m := boot(t, c)
	if _, err := sc.Run(context.Background(), m); err != nil {
		t.Fatalf("Run(): %v", err)
	}
	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf, "vm_"); err != nil {
		t.Fatalf("WritePrometheus(): %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v", err)
	}
	frames, ok := parsed["vm_frames_allocated"]
	if !ok {
		t.Fatalf("vm_frames_allocated missing from %v", parsed)
	}
	if got := frames.GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("vm_frames_allocated got %v want 3", got)
	}
	if got, want := frames.GetMetric()[0].GetGauge().GetValue(), float64(m.Arena().Allocated()/hostarch.PageSize); got != want {
		t.Errorf("vm_frames_allocated got %v want Allocated()/PageSize = %v", got, want)
	}
	resident, ok := parsed["vm_resident_set_bytes"]
	if !ok {
		t.Fatalf("vm_resident_set_bytes missing")
	}
	var total float64
	spaces := map[string]bool{}
	for _, metric := range resident.GetMetric() {
		total += metric.GetGauge().GetValue()
		for _, l := range metric.GetLabel() {
			if l.GetName() == "space" {
				spaces[l.GetValue()] = true
			}
		}
	}
	if total != 3*g {
		t.Errorf("total resident got %v want %d", total, 3*g)
	}
	if diff := cmp.Diff(map[string]bool{KernelSpace: true, "eager-anon": true}, spaces); diff != "" {
		t.Errorf("spaces mismatch (-want +got):\n%s", diff)
	}
}
