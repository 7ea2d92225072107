// Copyright 2020 The gVisor Authors.
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

// Package refs provides reference counting with leak checking.
package refs

import (
	"fmt"
	"sync/atomic"

	"npk.dev/vm/pkg/log"
	"npk.dev/vm/pkg/sync"
)

// Refs keeps a reference count using atomic operations and calls a
// destructor when the count reaches zero.
type Refs struct {
	refCount atomic.Int64
}

// InitRefs initializes r with one reference and registers it for leak
// checking.
func (r *Refs) InitRefs() {
	r.refCount.Store(1)
	register(r)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef takes a reference. The count must already be positive.
func (r *Refs) IncRef() {
	if v := r.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p", r))
	}
}

// DecRef drops a reference, calling destroy if it was the last one.
func (r *Refs) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p", r))
	case v == 0:
		unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}

var (
	liveMu sync.Mutex
	live   = make(map[*Refs]struct{})
)

func register(r *Refs) {
	liveMu.Lock()
	defer liveMu.Unlock()
	live[r] = struct{}{}
}

func unregister(r *Refs) {
	liveMu.Lock()
	defer liveMu.Unlock()
	if _, ok := live[r]; !ok {
		panic(fmt.Sprintf("Expected to find entry in leak checking map for %p", r))
	}
	delete(live, r)
}

// Live returns the number of objects with outstanding references.
func Live() int {
	liveMu.Lock()
	defer liveMu.Unlock()
	return len(live)
}

// DoLeakCheck logs every object that still holds references and returns
// how many there were.
func DoLeakCheck() int {
	liveMu.Lock()
	defer liveMu.Unlock()
	for r := range live {
		log.Warningf("Leak checking detected %p with reference count of %d instead of 0", r, r.ReadRefs())
	}
	return len(live)
}
