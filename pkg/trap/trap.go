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

// Package trap routes page faults to the address space that owns the
// faulting address.
package trap

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/vm"
)

// Space is an address space that resolves faults.
type Space interface {
	HandleFault(ctx context.Context, addr hostarch.Addr, flags vm.FaultFlags) vm.Outcome
}

// Page fault error code bits, as pushed by x86 hardware.
const (
	errWrite      = 1 << 1
	errUser       = 1 << 2
	errReserved   = 1 << 3
	errInstrFetch = 1 << 4
)

// DecodeErrorCode converts an x86 page fault error code into fault flags.
func DecodeErrorCode(code uint64) vm.FaultFlags {
	var flags vm.FaultFlags
	if code&errWrite != 0 {
		flags |= vm.FaultWrite
	}
	if code&errUser != 0 {
		flags |= vm.FaultUser
	}
	if code&errInstrFetch != 0 {
		flags |= vm.FaultExecute
	}
	return flags
}

// Opts configures a Router.
type Opts struct {
	// Boundary is the lowest kernel address. Faults below it belong to
	// the current user address space.
	Boundary hostarch.Addr

	// Kernel is the kernel address space.
	Kernel Space

	// CPUs is the number of CPUs.
	CPUs int

	// RetryMaxElapsed bounds how long a RetryLater fault is revisited
	// before it is rejected. Zero rejects RetryLater immediately.
	RetryMaxElapsed time.Duration
}

// Router dispatches faults to the kernel address space or to the user
// address space current on the faulting CPU.
type Router struct {
	boundary   hostarch.Addr
	kernel     Space
	maxElapsed time.Duration

	// current is the user address space of each CPU.
	current []atomic.Pointer[Space]
}

// NewRouter returns a Router with no user address space current on any CPU.
func NewRouter(opts Opts) *Router {
	if opts.Kernel == nil || opts.CPUs <= 0 {
		panic(fmt.Sprintf("trap.NewRouter: invalid options %+v", opts))
	}
	return &Router{
		boundary:   opts.Boundary,
		kernel:     opts.Kernel,
		maxElapsed: opts.RetryMaxElapsed,
		current:    make([]atomic.Pointer[Space], opts.CPUs),
	}
}

// SetCurrent makes s the user address space of cpu. A nil s leaves cpu
// without one.
func (r *Router) SetCurrent(cpu int, s Space) {
	if s == nil {
		r.current[cpu].Store(nil)
		return
	}
	r.current[cpu].Store(&s)
}

// Current returns the user address space of cpu, or nil.
func (r *Router) Current(cpu int) Space {
	if p := r.current[cpu].Load(); p != nil {
		return *p
	}
	return nil
}

// Space returns the address space owning addr on cpu, or nil.
func (r *Router) Space(cpu int, addr hostarch.Addr) Space {
	if addr >= r.boundary {
		return r.kernel
	}
	return r.Current(cpu)
}

var errRetry = errors.New("fault needs retry")

// HandleFault resolves a fault at addr on cpu. RetryLater outcomes are
// revisited with exponential backoff until they resolve, are rejected, ctx
// is done, or the retry budget is spent; the last two reject the fault.
func (r *Router) HandleFault(ctx context.Context, cpu int, addr hostarch.Addr, flags vm.FaultFlags) vm.Outcome {
	s := r.Space(cpu, addr)
	if s == nil {
		log.Warningf("trap: %v fault at %v on cpu %d with no user address space", flags, addr, cpu)
		return vm.Reject
	}
	if addr >= r.boundary && flags&vm.FaultUser != 0 {
		log.Warningf("trap: user %v fault at kernel address %v on cpu %d", flags, addr, cpu)
		return vm.Reject
	}

	outcome := s.HandleFault(ctx, addr, flags)
	if outcome != vm.RetryLater {
		return outcome
	}
	if r.maxElapsed == 0 {
		return vm.Reject
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = r.maxElapsed
	op := func() error {
		outcome = s.HandleFault(ctx, addr, flags)
		if outcome == vm.RetryLater {
			return errRetry
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		log.Warningf("trap: giving up on %v fault at %v on cpu %d: %v", flags, addr, cpu, err)
		return vm.Reject
	}
	return outcome
}

// Resolve decodes an x86 page fault error code and handles the fault.
// Faults on reserved bits in a page table entry are always rejected.
func (r *Router) Resolve(ctx context.Context, cpu int, addr hostarch.Addr, code uint64) vm.Outcome {
	if code&errReserved != 0 {
		log.Warningf("trap: reserved bit fault at %v on cpu %d, error code %#x", addr, cpu, code)
		return vm.Reject
	}
	return r.HandleFault(ctx, cpu, addr, DecodeErrorCode(code))
}
