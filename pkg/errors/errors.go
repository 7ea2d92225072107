// Copyright 2021 The gVisor Authors.
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

// Package errors holds the standardized error definition for the memory
// manager and its drivers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an Error by how callers are expected to react to it.
type Kind int

const (
	// Config is a malformed request. It indicates a bug in the caller.
	Config Kind = iota + 1

	// Exhausted means a frame, cache unit or address range could not be
	// obtained. The operation left no partial state behind.
	Exhausted

	// Policy is an access the target range does not permit, or an access
	// to an address no range owns.
	Policy

	// Unsupported is an operation that has no implementation yet.
	Unsupported
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Exhausted:
		return "exhausted"
	case Policy:
		return "policy"
	case Unsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error represents a classified error with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the classification of e.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the Kind of the first *Error in err's chain, or 0 if there
// is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.kind
	}
	return 0
}
