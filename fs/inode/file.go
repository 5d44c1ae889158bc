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

package inode

import (
	"github.com/blockfuse/blockfuse/bitmap"
	"github.com/blockfuse/blockfuse/blockdev"
	"github.com/blockfuse/blockfuse/fs/fserrors"
)

// span describes one (possibly partial) block touched by a read or write
// that crosses block boundaries.
type span struct {
	logicalBlock int
	inBlockOff   int
	length       int
	srcOff       int // offset into the caller's buffer
}

func spansFor(offset int, length, blockSize int) []span {
	var spans []span
	pos := offset
	remaining := length
	srcOff := 0

	for remaining > 0 {
		logicalBlock := pos / blockSize
		inBlockOff := pos % blockSize
		n := blockSize - inBlockOff
		if n > remaining {
			n = remaining
		}

		spans = append(spans, span{
			logicalBlock: logicalBlock,
			inBlockOff:   inBlockOff,
			length:       n,
			srcOff:       srcOff,
		})

		pos += n
		remaining -= n
		srcOff += n
	}

	return spans
}

// ReadRange reads up to length bytes starting at offset from in's data,
// sparse-aware: logical blocks whose pointer is zero are a hole and read as
// zero without touching the device. The read length is clamped to
// max(0, in.Size - offset); the returned slice has exactly that many bytes.
func ReadRange(dev blockdev.Device, in *Inode, offset int64, length int) ([]byte, error) {
	if offset < 0 || offset >= int64(in.Size) || length <= 0 {
		return nil, nil
	}

	remaining := int64(in.Size) - offset
	if int64(length) > remaining {
		length = int(remaining)
	}

	blockSize := dev.BlockSize()
	out := make([]byte, length)

	for _, sp := range spansFor(int(offset), length, blockSize) {
		if sp.logicalBlock >= len(in.Pointers) {
			return nil, fserrors.New(fserrors.Corrupt, "read: logical block %d beyond pointer vector", sp.logicalBlock)
		}

		ptr := in.Pointers[sp.logicalBlock]
		if ptr == 0 {
			// Sparse hole: leave the destination span zeroed.
			continue
		}

		blockBuf, err := dev.ReadBlock(ptr)
		if err != nil {
			return nil, fserrors.New(fserrors.IO, "read: block %d: %v", ptr, err)
		}

		copy(out[sp.srcOff:sp.srcOff+sp.length], blockBuf[sp.inBlockOff:sp.inBlockOff+sp.length])
	}

	return out, nil
}

// WriteRange writes data at offset into in's data, allocating new data
// blocks on demand for any logical block whose pointer is currently zero.
// Allocation is all-or-nothing: if there is insufficient space, in is left
// completely unchanged and the call fails with NoSpace.
// On success in.Size is grown to max(in.Size, offset+len(data)); it is the
// caller's responsibility to persist in afterward.
func WriteRange(dev blockdev.Device, alloc *bitmap.Allocator, in *Inode, offset int64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if offset < 0 {
		return 0, fserrors.New(fserrors.Invalid, "write: negative offset %d", offset)
	}

	blockSize := dev.BlockSize()
	spans := spansFor(int(offset), len(data), blockSize)

	maxLogicalBlock := spans[len(spans)-1].logicalBlock
	if maxLogicalBlock >= len(in.Pointers) {
		return 0, fserrors.New(fserrors.NoSpace, "write: offset %d + len %d exceeds max file size", offset, len(data))
	}

	// First pass (pure): which logical blocks need a fresh allocation?
	var needAlloc []int
	seen := make(map[int]bool)
	for _, sp := range spans {
		if in.Pointers[sp.logicalBlock] == 0 && !seen[sp.logicalBlock] {
			seen[sp.logicalBlock] = true
			needAlloc = append(needAlloc, sp.logicalBlock)
		}
	}

	// Atomically allocate everything this write needs before mutating
	// anything observable.
	var newBlocks []uint32
	if len(needAlloc) > 0 {
		var err error
		newBlocks, err = alloc.Allocate(len(needAlloc))
		if err != nil {
			return 0, err
		}
	}

	for i, logicalBlock := range needAlloc {
		in.Pointers[logicalBlock] = newBlocks[i]
	}

	// Second pass: write each span into its (now-allocated) block.
	for _, sp := range spans {
		ptr := in.Pointers[sp.logicalBlock]

		if sp.inBlockOff == 0 && sp.length == blockSize {
			if _, err := dev.Write(ptr, data[sp.srcOff:sp.srcOff+sp.length]); err != nil {
				return 0, fserrors.New(fserrors.IO, "write: block %d: %v", ptr, err)
			}
			continue
		}

		blockBuf, err := dev.ReadBlock(ptr)
		if err != nil {
			return 0, fserrors.New(fserrors.IO, "write: read-modify-write block %d: %v", ptr, err)
		}
		copy(blockBuf[sp.inBlockOff:sp.inBlockOff+sp.length], data[sp.srcOff:sp.srcOff+sp.length])
		if _, err := dev.Write(ptr, blockBuf); err != nil {
			return 0, fserrors.New(fserrors.IO, "write: block %d: %v", ptr, err)
		}
	}

	newSize := offset + int64(len(data))
	if newSize > int64(in.Size) {
		in.Size = uint32(newSize)
	}

	return len(data), nil
}

// TruncateToBlocks frees every data block at or beyond logical block index
// k and zeroes those pointer slots, but does not itself update in.Size;
// callers update size separately (e.g. setattr applies the new size after
// truncating).
func TruncateToBlocks(alloc *bitmap.Allocator, in *Inode, k int) error {
	if k < 0 {
		k = 0
	}

	var freed []uint32
	for i := k; i < len(in.Pointers); i++ {
		if in.Pointers[i] != 0 {
			freed = append(freed, in.Pointers[i])
			in.Pointers[i] = 0
		}
	}

	if len(freed) == 0 {
		return nil
	}

	return alloc.Free(freed)
}
