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

package pgalloc

import (
	"math/bits"
)

// frameBitmap tracks allocated frames, one bit per frame.
type frameBitmap struct {
	// n is the number of frames.
	n uint64

	// bitBlock holds the bits. Each word covers 64 frames.
	bitBlock []uint64
}

func newFrameBitmap(n uint64) frameBitmap {
	return frameBitmap{n: n, bitBlock: make([]uint64, (n+63)/64)}
}

func (b *frameBitmap) len() uint64 {
	return b.n
}

func (b *frameBitmap) isSet(i uint64) bool {
	return b.bitBlock[i/64]&(1<<(i%64)) != 0
}

// maskFor returns the bits of word w that fall within [lo, hi).
func maskFor(w, lo, hi uint64) uint64 {
	mask := ^uint64(0)
	if start := w * 64; lo > start {
		mask &= ^uint64(0) << (lo - start)
	}
	if end := w*64 + 64; hi < end {
		mask &= ^uint64(0) >> (end - hi)
	}
	return mask
}

// setRange sets bits [lo, hi).
func (b *frameBitmap) setRange(lo, hi uint64) {
	for w := lo / 64; w*64 < hi; w++ {
		b.bitBlock[w] |= maskFor(w, lo, hi)
	}
}

// clearRange clears bits [lo, hi).
func (b *frameBitmap) clearRange(lo, hi uint64) {
	for w := lo / 64; w*64 < hi; w++ {
		b.bitBlock[w] &^= maskFor(w, lo, hi)
	}
}

// firstSet returns the lowest set bit in [lo, hi).
func (b *frameBitmap) firstSet(lo, hi uint64) (uint64, bool) {
	for w := lo / 64; w*64 < hi; w++ {
		if v := b.bitBlock[w] & maskFor(w, lo, hi); v != 0 {
			return w*64 + uint64(bits.TrailingZeros64(v)), true
		}
	}
	return 0, false
}

// lastSet returns the highest set bit in [lo, hi).
func (b *frameBitmap) lastSet(lo, hi uint64) (uint64, bool) {
	if hi == lo {
		return 0, false
	}
	for w := (hi - 1) / 64; ; w-- {
		if v := b.bitBlock[w] & maskFor(w, lo, hi); v != 0 {
			return w*64 + 63 - uint64(bits.LeadingZeros64(v)), true
		}
		if w == lo/64 {
			return 0, false
		}
	}
}

// count returns the number of set bits.
func (b *frameBitmap) count() uint64 {
	var c uint64
	for _, w := range b.bitBlock {
		c += uint64(bits.OnesCount64(w))
	}
	return c
}
