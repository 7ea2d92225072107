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

// Package vm defines the contract between a memory manager and the drivers
// that back its ranges.
package vm

import (
	"context"
	"fmt"
	"strings"

	"npk.dev/vm/pkg/errors"
	"npk.dev/vm/pkg/hat"
	"npk.dev/vm/pkg/hostarch"
	"npk.dev/vm/pkg/sync"
	"npk.dev/vm/pkg/usage"
)

// Flags are the protection and placement attributes of a Range. Read access
// is implicit.
type Flags uint32

const (
	// Write permits stores.
	Write Flags = 1 << iota

	// Execute permits instruction fetches.
	Execute

	// User permits accesses from user mode.
	User

	// Guarded surrounds the range with one inaccessible granule at each
	// end.
	Guarded

	// MMIO maps the range uncached.
	MMIO
)

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	var parts []string
	for _, b := range []struct {
		f    Flags
		name string
	}{
		{Write, "write"},
		{Execute, "exec"},
		{User, "user"},
		{Guarded, "guarded"},
		{MMIO, "mmio"},
	} {
		if f&b.f != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "read"
	}
	return strings.Join(parts, "|")
}

// ConvertFlags translates range flags into HAT mapping flags.
func ConvertFlags(f Flags) hat.Flags {
	var hf hat.Flags
	if f&Write != 0 {
		hf |= hat.Write
	}
	if f&Execute != 0 {
		hf |= hat.Execute
	}
	if f&User != 0 {
		hf |= hat.User
	} else {
		hf |= hat.Global
	}
	if f&MMIO != 0 {
		hf |= hat.Uncached
	}
	return hf
}

// FaultFlags describe the access that caused a fault.
type FaultFlags uint32

const (
	// FaultWrite is set for stores. Faults without FaultWrite or
	// FaultExecute are reads.
	FaultWrite FaultFlags = 1 << iota

	// FaultExecute is set for instruction fetches.
	FaultExecute

	// FaultUser is set when the access came from user mode.
	FaultUser
)

// AccessType returns the access described by f.
func (f FaultFlags) AccessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    f&(FaultWrite|FaultExecute) == 0,
		Write:   f&FaultWrite != 0,
		Execute: f&FaultExecute != 0,
	}
}

// String implements fmt.Stringer.String.
func (f FaultFlags) String() string {
	mode := "kernel"
	if f&FaultUser != 0 {
		mode = "user"
	}
	return fmt.Sprintf("%s %s", mode, f.AccessType())
}

// Permits returns true if a range with flags f allows the access described
// by ff.
func (f Flags) Permits(ff FaultFlags) bool {
	if ff&FaultWrite != 0 && f&Write == 0 {
		return false
	}
	if ff&FaultExecute != 0 && f&Execute == 0 {
		return false
	}
	if ff&FaultUser != 0 && f&User == 0 {
		return false
	}
	return true
}

// Outcome is the result of resolving a fault.
type Outcome int

const (
	// Resolved means the access may be retried: the mapping now exists or
	// already existed.
	Resolved Outcome = iota

	// Reject means the access is invalid and the faulting thread must be
	// terminated.
	Reject

	// RetryLater means the fault needs asynchronous work to complete; the
	// faulting thread should be suspended and the fault revisited.
	RetryLater
)

// String implements fmt.Stringer.String.
func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Reject:
		return "reject"
	case RetryLater:
		return "retry-later"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// DriverType selects a backing policy.
type DriverType int

const (
	// Anon backs ranges with zero-filled private frames.
	Anon DriverType = iota + 1

	// Kernel maps caller-supplied physical addresses.
	Kernel

	// Vfs backs ranges with file contents from the file cache.
	Vfs

	// NumDriverTypes bounds the driver table. DriverType 0 is invalid.
	NumDriverTypes
)

// String implements fmt.Stringer.String.
func (t DriverType) String() string {
	switch t {
	case Anon:
		return "anon"
	case Kernel:
		return "kernel"
	case Vfs:
		return "vfs"
	default:
		return fmt.Sprintf("DriverType(%d)", int(t))
	}
}

// MemoryKind returns the statistics bucket used by ranges of type t.
func (t DriverType) MemoryKind() usage.Kind {
	switch t {
	case Anon:
		return usage.Anonymous
	case Kernel:
		return usage.MMIO
	case Vfs:
		return usage.File
	default:
		panic(fmt.Sprintf("invalid driver type %d", int(t)))
	}
}

// Errors returned by drivers and the memory manager.
var (
	// ErrUnsupported is returned by operations with no implementation.
	ErrUnsupported = errors.New(errors.Unsupported, "operation not supported")

	// ErrNoSpace is returned when no free address range fits a request.
	ErrNoSpace = errors.New(errors.Exhausted, "no free address range")

	// ErrNoBacking is returned when a driver cannot back a request.
	ErrNoBacking = errors.New(errors.Config, "no backing available")

	// ErrInvalid is returned for malformed arguments to an operation on an
	// existing range.
	ErrInvalid = errors.New(errors.Config, "invalid range argument")

	// ErrNotFound is returned when a range is not in the address space.
	ErrNotFound = errors.New(errors.Config, "range not found")

	// ErrOverlap is returned when a fixed placement collides with an
	// existing range.
	ErrOverlap = errors.New(errors.Policy, "range overlaps existing range")
)

// Unsupported returns an error wrapping ErrUnsupported that names op.
func Unsupported(t DriverType, op string) error {
	return fmt.Errorf("%s: %s: %w", t, op, ErrUnsupported)
}

// Range is a contiguous reservation in an address space.
//
// Base and Length always cover whole granules of the range's mode,
// including guard granules.
type Range struct {
	// Base is the first address of the range.
	Base hostarch.Addr

	// Length is the length of the range in bytes.
	Length uint64

	// Flags are the range's protections.
	Flags Flags

	// Mode is the HAT mode used to map the range.
	Mode hat.Mode

	// Granularity is the size of Mode's granule.
	Granularity uint64

	// Offset is the sub-granule correction returned by Attach. The first
	// byte the caller asked for lives at Usable().Start + Offset.
	Offset uint64

	// Type is the driver that owns the range.
	Type DriverType

	// Token is owned exclusively by the driver of Type. Other code must
	// not interpret it.
	Token any
}

// AddrRange returns the full extent of r.
func (r *Range) AddrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.Base, End: r.Base + hostarch.Addr(r.Length)}
}

// Usable returns the extent of r excluding guard granules.
func (r *Range) Usable() hostarch.AddrRange {
	ar := r.AddrRange()
	if r.Flags&Guarded != 0 {
		ar.Start += hostarch.Addr(r.Granularity)
		ar.End -= hostarch.Addr(r.Granularity)
	}
	return ar
}

// Start returns the address of the first byte the caller requested.
func (r *Range) Start() hostarch.Addr {
	return r.Usable().Start + hostarch.Addr(r.Offset)
}

// String implements fmt.Stringer.String.
func (r *Range) String() string {
	return fmt.Sprintf("%v %s [%s] +%#x", r.AddrRange(), r.Type, r.Flags, r.Offset)
}

// QueryResult is the answer to Driver.Query.
type QueryResult struct {
	// Mode is the HAT mode the driver maps with.
	Mode hat.Mode

	// Granularity is the size of Mode's granule. Ranges are placed at a
	// base aligned to it.
	Granularity uint64

	// Length is the requested length rounded up to Granularity, including
	// any sub-granule offset correction and guard granules.
	Length uint64
}

// AttachResult is the answer to Driver.Attach.
type AttachResult struct {
	// Token is the driver-private state stored in Range.Token.
	Token any

	// Offset is the sub-granule correction stored in Range.Offset.
	Offset uint64
}

// DriverContext is the view of a memory manager passed into every driver
// operation. It must not be retained after the call returns.
type DriverContext struct {
	// Lock is the memory manager's lock, held for writing by the caller.
	Lock sync.TryLocker

	// Table is the address space's translation table.
	Table hat.Table

	// Range is the range being operated on.
	Range *Range

	// Stats is the address space's statistics block.
	Stats *usage.Stats
}

// AssertLocked panics if the memory manager's lock is not held.
func (dc *DriverContext) AssertLocked() {
	sync.AssertLocked(dc.Lock)
}

// Features are optional driver behaviors selected at Init.
type Features struct {
	// Deferred makes Anon back pages on first fault instead of at
	// Attach.
	Deferred bool

	// FaultHandler makes Vfs back pages on first fault instead of at
	// Attach.
	FaultHandler bool

	// MapAhead is the number of granules Vfs maps per fault. Zero selects
	// the default.
	MapAhead int
}

// ModifyArgs describe an in-place change to part of a range.
type ModifyArgs struct {
	// Offset and Length select the affected part of the range.
	Offset uint64
	Length uint64

	// Flags are the new protections.
	Flags Flags
}

// Driver is a backing policy for ranges.
//
// All methods except Init, Type and Query are called with the owning memory
// manager's lock held for writing. Drivers must not attempt to acquire it.
type Driver interface {
	// Init records the driver's optional behaviors. It is called once,
	// before any other method.
	Init(features Features)

	// Type returns the driver's type.
	Type() DriverType

	// Query reports whether the driver can back a range of length bytes
	// with flags and arg. Query must not acquire resources; checks it
	// makes are advisory and are repeated by Attach.
	Query(ctx context.Context, length uint64, flags Flags, arg any) (QueryResult, error)

	// Attach acquires the resources for dc.Range and returns its token.
	// dc.Range.Base, Length, Mode, Granularity, Flags and Type are set.
	// Attach updates the working set for the range, and the resident set
	// for every page it maps. If Attach fails, it must leave no pages
	// mapped and no statistics changed.
	Attach(ctx context.Context, dc *DriverContext, arg any) (AttachResult, error)

	// HandleFault resolves a fault at addr inside dc.Range's usable
	// extent. A fault on an already mapped page is Resolved.
	HandleFault(ctx context.Context, dc *DriverContext, addr hostarch.Addr, flags FaultFlags) Outcome

	// ModifyRange changes part of dc.Range in place.
	ModifyRange(ctx context.Context, dc *DriverContext, args ModifyArgs) error

	// Split divides dc.Range at offset, returning the token of the upper
	// part.
	Split(ctx context.Context, dc *DriverContext, offset uint64) (any, error)

	// Detach releases everything Attach and HandleFault acquired for
	// dc.Range, undoing their statistics exactly.
	Detach(ctx context.Context, dc *DriverContext) error
}
