// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package mkfs formats a raw block device into a mountable blockfuse image:
// superblock at block 0, allocation bitmap at block 1, empty root directory
// inode at block 2.
package mkfs

import (
	"github.com/blockfuse/blockfuse/bitmap"
	"github.com/blockfuse/blockfuse/blockdev"
	"github.com/blockfuse/blockfuse/fs/fserrors"
	"github.com/blockfuse/blockfuse/fs/inode"
	"github.com/jacobsa/timeutil"
)

const minBlocks = 3

// Format writes a fresh file system onto dev, which must already be sized
// to its final block count.
func Format(dev blockdev.Device, clock timeutil.Clock) error {
	numBlocks := dev.NumBlocks()
	if numBlocks < minBlocks {
		return fserrors.New(fserrors.Invalid, "device has %d blocks, need at least %d", numBlocks, minBlocks)
	}

	sb := inode.SuperBlock{Magic: inode.Magic, DiskSize: uint32(numBlocks)}
	if _, err := dev.Write(inode.SuperBlockBlock, inode.EncodeSuperBlock(sb, dev.BlockSize())); err != nil {
		return fserrors.New(fserrors.IO, "write superblock: %v", err)
	}

	bm := bitmap.New(numBlocks, make([]byte, dev.BlockSize()))
	for _, reserved := range []uint32{inode.SuperBlockBlock, bitmap.BitmapBlock, inode.RootDirBlock} {
		if err := bm.Set(reserved); err != nil {
			return fserrors.New(fserrors.Invalid, "reserve block %d: %v", reserved, err)
		}
	}
	if _, err := dev.Write(bitmap.BitmapBlock, bm.Bytes()); err != nil {
		return fserrors.New(fserrors.IO, "write bitmap: %v", err)
	}

	now := uint32(clock.Now().Unix())
	root := inode.New(dev.BlockSize(), 0, 0, inode.DirModeBit|0o755, now)
	if _, err := dev.Write(inode.RootDirBlock, inode.Encode(root, dev.BlockSize())); err != nil {
		return fserrors.New(fserrors.IO, "write root inode: %v", err)
	}

	return nil
}
