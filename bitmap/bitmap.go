// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package bitmap is the in-memory mirror of the on-disk allocation bitmap
// block: one bit per block in the file system, bit i set meaning block i is
// allocated.
package bitmap

import "fmt"

// Bitmask mirrors the on-disk bitmap block in memory. Bit i (little-endian
// within each byte) indicates whether block i is allocated. It tracks
// numBlocks valid indices out of len(bits)*8 total bit positions.
type Bitmask struct {
	bits      []byte
	numBlocks int
	freeCount int
}

// New builds a Bitmask for numBlocks blocks from the raw bitmap block bytes
// (as read from disk). Any bit at or beyond numBlocks is ignored.
func New(numBlocks int, bits []byte) *Bitmask {
	cp := make([]byte, len(bits))
	copy(cp, bits)

	bm := &Bitmask{bits: cp, numBlocks: numBlocks}
	for i := 0; i < numBlocks; i++ {
		if !testBit(bm.bits, i) {
			bm.freeCount++
		}
	}
	return bm
}

func testBit(bits []byte, i int) bool {
	return bits[i/8]&(1<<uint(i%8)) != 0
}

func setBit(bits []byte, i int) {
	bits[i/8] |= 1 << uint(i%8)
}

func clearBit(bits []byte, i int) {
	bits[i/8] &^= 1 << uint(i%8)
}

// Bytes returns the raw bitmap bytes, suitable for writing back to the
// bitmap block on disk. Callers must not mutate the returned slice.
func (bm *Bitmask) Bytes() []byte {
	return bm.bits
}

// NumBlocks returns the number of valid block indices this Bitmask tracks.
func (bm *Bitmask) NumBlocks() int {
	return bm.numBlocks
}

// Set marks block i allocated.
func (bm *Bitmask) Set(i uint32) error {
	if int(i) >= bm.numBlocks {
		return fmt.Errorf("bitmap: index %d out of range [0, %d)", i, bm.numBlocks)
	}
	if !testBit(bm.bits, int(i)) {
		bm.freeCount--
	}
	setBit(bm.bits, int(i))
	return nil
}

// Clear marks block i free.
func (bm *Bitmask) Clear(i uint32) error {
	if int(i) >= bm.numBlocks {
		return fmt.Errorf("bitmap: index %d out of range [0, %d)", i, bm.numBlocks)
	}
	if testBit(bm.bits, int(i)) {
		bm.freeCount++
	}
	clearBit(bm.bits, int(i))
	return nil
}

// IsFree reports whether block i is currently unallocated.
func (bm *Bitmask) IsFree(i uint32) bool {
	if int(i) >= bm.numBlocks {
		return false
	}
	return !testBit(bm.bits, int(i))
}

// CountFree returns the number of currently-free blocks.
func (bm *Bitmask) CountFree() int {
	return bm.freeCount
}

// IterFree calls yield for each free block index in ascending order,
// stopping early if yield returns false. The lowest-free-index-first
// allocation policy is built directly on this ordering.
func (bm *Bitmask) IterFree(yield func(i uint32) bool) {
	for i := 0; i < bm.numBlocks; i++ {
		if !testBit(bm.bits, i) {
			if !yield(uint32(i)) {
				return
			}
		}
	}
}

// FirstFree returns the lowest n free block indices in ascending order. If
// fewer than n are free, it returns as many as exist and ok is false.
func (bm *Bitmask) FirstFree(n int) (indices []uint32, ok bool) {
	indices = make([]uint32, 0, n)
	bm.IterFree(func(i uint32) bool {
		indices = append(indices, i)
		return len(indices) < n
	})
	return indices, len(indices) == n
}
