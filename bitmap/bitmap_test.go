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

package bitmap_test

import (
	"testing"

	"github.com/blockfuse/blockfuse/bitmap"
	"github.com/blockfuse/blockfuse/blockdev"
	"github.com/blockfuse/blockfuse/fs/fserrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMarksReservedBlocksAllocated(t *testing.T) {
	raw := make([]byte, 4096)
	raw[0] = 0x03 // bits 0 and 1 set, the reserved superblock/bitmap blocks
	bm := bitmap.New(64, raw)

	assert.False(t, bm.IsFree(0))
	assert.False(t, bm.IsFree(1))
	assert.True(t, bm.IsFree(2))
	assert.Equal(t, 62, bm.CountFree())
}

func TestSetClearRoundTrip(t *testing.T) {
	bm := bitmap.New(8, make([]byte, 4096))
	require.True(t, bm.IsFree(3))

	require.NoError(t, bm.Set(3))
	assert.False(t, bm.IsFree(3))
	assert.Equal(t, 7, bm.CountFree())

	require.NoError(t, bm.Clear(3))
	assert.True(t, bm.IsFree(3))
	assert.Equal(t, 8, bm.CountFree())
}

func TestSetOutOfRange(t *testing.T) {
	bm := bitmap.New(8, make([]byte, 4096))
	assert.Error(t, bm.Set(8))
}

func TestIterFreeAscending(t *testing.T) {
	raw := make([]byte, 4096)
	bm := bitmap.New(10, raw)
	require.NoError(t, bm.Set(2))
	require.NoError(t, bm.Set(5))

	var got []uint32
	bm.IterFree(func(i uint32) bool {
		got = append(got, i)
		return true
	})

	assert.Equal(t, []uint32{0, 1, 3, 4, 6, 7, 8, 9}, got)
}

func TestFirstFreeLowestIndexFirst(t *testing.T) {
	raw := make([]byte, 4096)
	bm := bitmap.New(10, raw)
	require.NoError(t, bm.Set(0))
	require.NoError(t, bm.Set(1))

	got, ok := bm.FirstFree(3)
	require.True(t, ok)
	assert.Equal(t, []uint32{2, 3, 4}, got)
}

func TestFirstFreeInsufficient(t *testing.T) {
	bm := bitmap.New(2, make([]byte, 4096))
	require.NoError(t, bm.Set(0))
	require.NoError(t, bm.Set(1))

	got, ok := bm.FirstFree(1)
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestAllocatorAllocateZeroFillsAndPersists(t *testing.T) {
	dev := blockdev.NewMemDevice(4096, 16)
	// Reserve blocks 0 and 1 (superblock + bitmap).
	initial := make([]byte, 4096)
	initial[0] = 0x03
	_, err := dev.Write(bitmap.BitmapBlock, initial)
	require.NoError(t, err)

	// Pollute block 4, which the allocation below hands out, so we can
	// observe the zero-fill.
	dirty := make([]byte, 4096)
	for i := range dirty {
		dirty[i] = 0xFF
	}
	_, err = dev.Write(4, dirty)
	require.NoError(t, err)

	alloc, err := bitmap.NewAllocator(dev, 16)
	require.NoError(t, err)
	assert.Equal(t, 14, alloc.Bitmask().CountFree())

	got, err := alloc.Allocate(3)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3, 4}, got)
	assert.Equal(t, 11, alloc.Bitmask().CountFree())

	// The bitmap block on disk now reflects the new allocations.
	onDisk, err := dev.ReadBlock(bitmap.BitmapBlock)
	require.NoError(t, err)
	reloaded := bitmap.New(16, onDisk)
	assert.False(t, reloaded.IsFree(2))
	assert.False(t, reloaded.IsFree(4))
	assert.True(t, reloaded.IsFree(5))

	// Block 4 held garbage before the allocation; now that it is newly
	// allocated it must read back as zero.
	b4, err := dev.ReadBlock(4)
	require.NoError(t, err)
	for _, b := range b4 {
		assert.Zero(t, b)
	}
}

func TestAllocatorOutOfSpaceLeavesStateUnchanged(t *testing.T) {
	dev := blockdev.NewMemDevice(4096, 4)
	alloc, err := bitmap.NewAllocator(dev, 4)
	require.NoError(t, err)

	before := alloc.Bitmask().CountFree()
	_, err = alloc.Allocate(10)
	require.Error(t, err)
	assert.True(t, fserrors.Is(err, fserrors.NoSpace))
	assert.Equal(t, before, alloc.Bitmask().CountFree())
}

func TestAllocatorFreeRejectsDoubleFree(t *testing.T) {
	dev := blockdev.NewMemDevice(4096, 8)
	alloc, err := bitmap.NewAllocator(dev, 8)
	require.NoError(t, err)

	err = alloc.Free([]uint32{3})
	assert.Error(t, err)
	assert.True(t, fserrors.Is(err, fserrors.Invalid))
}

func TestAllocatorFreeReclaimsAndPersists(t *testing.T) {
	dev := blockdev.NewMemDevice(4096, 8)
	alloc, err := bitmap.NewAllocator(dev, 8)
	require.NoError(t, err)

	got, err := alloc.Allocate(2)
	require.NoError(t, err)

	require.NoError(t, alloc.Free(got))
	assert.Equal(t, 8, alloc.Bitmask().CountFree())

	onDisk, err := dev.ReadBlock(bitmap.BitmapBlock)
	require.NoError(t, err)
	reloaded := bitmap.New(8, onDisk)
	assert.Equal(t, 8, reloaded.CountFree())
}
