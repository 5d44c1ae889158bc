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

package bitmap

import (
	"github.com/blockfuse/blockfuse/blockdev"
	"github.com/blockfuse/blockfuse/fs/fserrors"
)

// BitmapBlock is the fixed block address of the on-disk allocation bitmap.
const BitmapBlock = 1

// Allocator pairs a Bitmask with the device it is durable on. Every
// allocation or free transitions the in-memory Bitmask first, then writes
// the whole bitmap block back to disk, so that bitmap-in-memory ==
// bitmap-on-disk holds after every call returns.
type Allocator struct {
	bm  *Bitmask
	dev blockdev.Device
}

// NewAllocator loads the bitmap block from dev and wraps it as an Allocator
// tracking numBlocks valid indices.
func NewAllocator(dev blockdev.Device, numBlocks int) (*Allocator, error) {
	raw, err := dev.ReadBlock(BitmapBlock)
	if err != nil {
		return nil, fserrors.New(fserrors.IO, "allocator: read bitmap block: %v", err)
	}
	return &Allocator{bm: New(numBlocks, raw), dev: dev}, nil
}

// Bitmask exposes the underlying in-memory bitmask for read-only queries
// (IsFree, CountFree, IterFree).
func (a *Allocator) Bitmask() *Bitmask {
	return a.bm
}

func (a *Allocator) persist() error {
	if _, err := a.dev.Write(BitmapBlock, a.bm.Bytes()); err != nil {
		return fserrors.New(fserrors.IO, "allocator: write bitmap block: %v", err)
	}
	return nil
}

// Allocate reserves k blocks using the lowest-free-index-first policy,
// zero-fills each on the device, and persists the updated bitmap. On
// out-of-space it leaves all state — in-memory and on-disk — untouched.
func (a *Allocator) Allocate(k int) ([]uint32, error) {
	if k == 0 {
		return nil, nil
	}

	indices, ok := a.bm.FirstFree(k)
	if !ok {
		return nil, fserrors.New(fserrors.NoSpace, "allocator: need %d blocks, only %d free", k, len(indices))
	}

	zero := make([]byte, a.dev.BlockSize())
	for _, idx := range indices {
		if err := a.bm.Set(idx); err != nil {
			// Programmer error: FirstFree returned an index it itself
			// believes is free.
			panic(err)
		}
		if _, err := a.dev.Write(idx, zero); err != nil {
			return nil, fserrors.New(fserrors.IO, "allocator: zero-fill block %d: %v", idx, err)
		}
	}

	if err := a.persist(); err != nil {
		return nil, err
	}

	return indices, nil
}

// Free releases the given blocks back to the pool. If any index in list is
// already free (a double free), it returns an Invalid error and changes no
// state, in memory or on disk; it is never a silently-ignored no-op.
func (a *Allocator) Free(list []uint32) error {
	if len(list) == 0 {
		return nil
	}

	for _, idx := range list {
		if a.bm.IsFree(idx) {
			return fserrors.New(fserrors.Invalid, "allocator: double-free of block %d", idx)
		}
	}

	for _, idx := range list {
		if err := a.bm.Clear(idx); err != nil {
			panic(err)
		}
	}

	return a.persist()
}
