// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

// Package sync provides synchronization primitives used across the memory
// manager, so that lock types can be swapped for instrumented ones in one
// place.
package sync

import (
	"sync"
)

// Aliases of standard library types.
type (
	// Mutex is an alias of sync.Mutex.
	Mutex = sync.Mutex

	// RWMutex is an alias of sync.RWMutex.
	RWMutex = sync.RWMutex

	// Locker is an alias of sync.Locker.
	Locker = sync.Locker

	// Once is an alias of sync.Once.
	Once = sync.Once

	// WaitGroup is an alias of sync.WaitGroup.
	WaitGroup = sync.WaitGroup
)

// TryLocker is a lock that supports non-blocking acquisition.
type TryLocker interface {
	Locker
	TryLock() bool
}

// AssertLocked panics if l is not currently held by anyone. It cannot tell
// which goroutine holds l, only that someone does.
func AssertLocked(l TryLocker) {
	if l.TryLock() {
		l.Unlock()
		panic("lock is not held")
	}
}
