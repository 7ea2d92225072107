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

package trap

import (
	"context"
	"testing"
	"time"

	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/sync"
	"npk.dev/vm/pkg/vm"
)

const boundary = hostarch.Addr(0xffff800000000000)

// fakeSpace returns RetryLater for the first retries faults, then final.
type fakeSpace struct {
	mu      sync.Mutex
	retries int
	final   vm.Outcome
	calls   int
	last    vm.FaultFlags
}

func (f *fakeSpace) HandleFault(_ context.Context, _ hostarch.Addr, flags vm.FaultFlags) vm.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = flags
	if f.calls <= f.retries {
		return vm.RetryLater
	}
	return f.final
}

func TestDecodeErrorCode(t *testing.T) {
	for _, tc := range []struct {
		code uint64
		want vm.FaultFlags
	}{
		{0x0, 0},
		{0x2, vm.FaultWrite},
		{0x4, vm.FaultUser},
		{0x7, vm.FaultWrite | vm.FaultUser},
		{0x14, vm.FaultExecute | vm.FaultUser},
	} {
		if got := DecodeErrorCode(tc.code); got != tc.want {
			t.Errorf("DecodeErrorCode(%#x) got %v want %v", tc.code, got, tc.want)
		}
	}
}

func TestRouting(t *testing.T) {
	kernel := &fakeSpace{final: vm.Resolved}
	user := &fakeSpace{final: vm.Resolved}
	r := NewRouter(Opts{Boundary: boundary, Kernel: kernel, CPUs: 2})
	ctx := context.Background()

	if got := r.HandleFault(ctx, 0, 0x1000, vm.FaultUser); got != vm.Reject {
		t.Errorf("user fault with no current space got %v want %v", got, vm.Reject)
	}
	r.SetCurrent(0, user)
	if got := r.HandleFault(ctx, 0, 0x1000, vm.FaultUser); got != vm.Resolved || user.calls != 1 {
		t.Errorf("user fault got %v (calls %d) want resolved by user space", got, user.calls)
	}
	if got := r.HandleFault(ctx, 1, 0x1000, vm.FaultUser); got != vm.Reject {
		t.Errorf("user fault on cpu without space got %v want %v", got, vm.Reject)
	}
	if got := r.HandleFault(ctx, 1, boundary+0x1000, 0); got != vm.Resolved || kernel.calls != 1 {
		t.Errorf("kernel fault got %v (calls %d) want resolved by kernel space", got, kernel.calls)
	}
	if got := r.HandleFault(ctx, 0, boundary, vm.FaultUser); got != vm.Reject || kernel.calls != 1 {
		t.Errorf("user fault at kernel address got %v (calls %d) want reject without dispatch", got, kernel.calls)
	}
	r.SetCurrent(0, nil)
	if r.Current(0) != nil {
		t.Errorf("Current after SetCurrent(nil) is not nil")
	}
}

func TestResolve(t *testing.T) {
	user := &fakeSpace{final: vm.Resolved}
	r := NewRouter(Opts{Boundary: boundary, Kernel: &fakeSpace{}, CPUs: 1})
	r.SetCurrent(0, user)
	if got := r.Resolve(context.Background(), 0, 0x1000, 0x6); got != vm.Resolved {
		t.Errorf("Resolve got %v want %v", got, vm.Resolved)
	}
	if user.last != vm.FaultWrite|vm.FaultUser {
		t.Errorf("flags got %v want %v", user.last, vm.FaultWrite|vm.FaultUser)
	}
	if got := r.Resolve(context.Background(), 0, 0x1000, 0xd); got != vm.Reject {
		t.Errorf("reserved bit fault got %v want %v", got, vm.Reject)
	}
}

func TestRetryLater(t *testing.T) {
	for _, tc := range []struct {
		name       string
		retries    int
		final      vm.Outcome
		maxElapsed time.Duration
		want       vm.Outcome
		wantCalls  int
	}{
		{"no budget", 1, vm.Resolved, 0, vm.Reject, 1},
		{"resolves", 3, vm.Resolved, 10 * time.Second, vm.Resolved, 4},
		{"rejected after retry", 2, vm.Reject, 10 * time.Second, vm.Reject, 3},
		{"budget spent", 1 << 30, vm.Resolved, 20 * time.Millisecond, vm.Reject, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			user := &fakeSpace{retries: tc.retries, final: tc.final}
			r := NewRouter(Opts{Boundary: boundary, Kernel: &fakeSpace{}, CPUs: 1, RetryMaxElapsed: tc.maxElapsed})
			r.SetCurrent(0, user)
			if got := r.HandleFault(context.Background(), 0, 0x1000, vm.FaultUser); got != tc.want {
				t.Errorf("HandleFault got %v want %v", got, tc.want)
			}
			if tc.wantCalls >= 0 && user.calls != tc.wantCalls {
				t.Errorf("calls got %d want %d", user.calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryCanceled(t *testing.T) {
	user := &fakeSpace{retries: 1 << 30}
	r := NewRouter(Opts{Boundary: boundary, Kernel: &fakeSpace{}, CPUs: 1, RetryMaxElapsed: time.Hour})
	r.SetCurrent(0, user)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if got := r.HandleFault(ctx, 0, 0x1000, vm.FaultUser); got != vm.Reject {
		t.Errorf("HandleFault with expiring context got %v want %v", got, vm.Reject)
	}
}
