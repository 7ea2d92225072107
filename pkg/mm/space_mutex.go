// Copyright 2023 The gVisor Authors.
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
	"npk.dev/vm/pkg/sync"
)

// spaceRWMutex is the lock of one address space.
type spaceRWMutex struct {
	mu sync.RWMutex
}

// Lock locks m.
// +checklocksignore
func (m *spaceRWMutex) Lock() {
	m.mu.Lock()
}

// TryLock tries to lock m for writing without blocking.
// +checklocksignore
func (m *spaceRWMutex) TryLock() bool {
	return m.mu.TryLock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *spaceRWMutex) Unlock() {
	m.mu.Unlock()
}

// RLock locks m for reading.
// +checklocksignore
func (m *spaceRWMutex) RLock() {
	m.mu.RLock()
}

// RUnlock undoes a single RLock call.
// +checklocksignore
func (m *spaceRWMutex) RUnlock() {
	m.mu.RUnlock()
}
