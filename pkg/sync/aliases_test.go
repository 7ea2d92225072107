// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"testing"
)

func TestAssertLocked(t *testing.T) {
	var mu RWMutex
	mu.Lock()
	AssertLocked(&mu)
	mu.Unlock()

	defer func() {
		if recover() == nil {
			t.Errorf("AssertLocked did not panic on an unlocked mutex")
		}
		// AssertLocked must not leave the lock held.
		if !mu.TryLock() {
			t.Errorf("mutex left locked")
		}
	}()
	AssertLocked(&mu)
}
