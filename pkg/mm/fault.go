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

	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/vm"
)

// HandleFault resolves a fault at addr. Faults outside every range, inside
// a guard granule, or with an access the range forbids are rejected without
// consulting a driver.
func (m *MemoryManager) HandleFault(ctx context.Context, addr hostarch.Addr, flags vm.FaultFlags) vm.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.findLocked(addr)
	switch {
	case r == nil:
		m.rejects.Warningf("%v: %v fault at %v outside any range", m, flags, addr)
		return vm.Reject
	case !r.Usable().Contains(addr):
		m.rejects.Warningf("%v: %v fault at %v in guard of %v", m, flags, addr, r)
		return vm.Reject
	case !r.Flags.Permits(flags):
		m.rejects.Warningf("%v: %v fault at %v not permitted by %v", m, flags, addr, r)
		return vm.Reject
	}

	drv, _ := m.drivers.Get(r.Type)
	outcome := drv.HandleFault(ctx, m.driverContext(r), addr, flags)
	m.stats.Faults++
	if outcome == vm.Reject {
		m.rejects.Warningf("%v: %v fault at %v rejected by %v driver", m, flags, addr, r.Type)
	}
	return outcome
}
