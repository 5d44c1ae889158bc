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

import "encoding/binary"

// Magic identifies a blockfuse image. It occupies the first 4 bytes of
// block 0, little-endian.
const Magic uint32 = 0x30303635

// SuperBlockBlock is the fixed block address of the superblock.
const SuperBlockBlock = 0

// RootDirBlock is the fixed block address of the root directory's inode.
// Block 1 is reserved for the allocation bitmap.
const RootDirBlock = 2

// SuperBlock records the 8 significant bytes of block 0; the rest of the
// block is zero padding.
type SuperBlock struct {
	Magic    uint32
	DiskSize uint32
}

// EncodeSuperBlock serializes sb into a full block-sized, zero-padded
// buffer.
func EncodeSuperBlock(sb SuperBlock, blockSize int) []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.DiskSize)
	return buf
}

// DecodeSuperBlock reads the 8 significant bytes out of a block-sized
// buffer. Decoding never fails structurally; callers validate Magic
// themselves, since semantic validation is the caller's job.
func DecodeSuperBlock(buf []byte) SuperBlock {
	return SuperBlock{
		Magic:    binary.LittleEndian.Uint32(buf[0:4]),
		DiskSize: binary.LittleEndian.Uint32(buf[4:8]),
	}
}
