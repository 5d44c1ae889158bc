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

// Package inode holds the on-disk inode and directory-entry records, the
// sparse-aware file I/O engine built on top of an inode's direct-pointer
// vector, and the directory engine built on top of that. This is the
// hard-engineering core of the file system.
package inode

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/jacobsa/fuse/fuseops"
)

// InodeHeaderSize is the number of bytes of fixed fields preceding the
// direct pointer vector in an encoded inode block.
const InodeHeaderSize = 20

// DirModeBit marks an inode as a directory within its POSIX mode field.
const DirModeBit = 0o40000

// NumPointers returns the number of direct block pointers that fit in a
// single inode block of the given size: (blockSize - InodeHeaderSize) / 4.
func NumPointers(blockSize int) int {
	return (blockSize - InodeHeaderSize) / 4
}

// Inode is the decoded, in-memory form of a single inode record. The inode
// block number doubles as the inode number.
type Inode struct {
	UID      uint16
	GID      uint16
	Mode     uint32
	Ctime    uint32
	Mtime    uint32
	Size     uint32
	Pointers []uint32
}

// New returns a freshly-initialized Inode with all pointers unallocated and
// size zero, as written by mkdir/mknod.
func New(blockSize int, uid, gid uint16, mode uint32, now uint32) *Inode {
	return &Inode{
		UID:      uid,
		GID:      gid,
		Mode:     mode,
		Ctime:    now,
		Mtime:    now,
		Size:     0,
		Pointers: make([]uint32, NumPointers(blockSize)),
	}
}

// IsDir reports whether the inode's mode bits mark it as a directory.
func (in *Inode) IsDir() bool {
	return in.Mode&DirModeBit != 0
}

// BlockCount returns ceil(Size / blockSize), rather than a
// sum-of-nonzero-pointers count. ToAttr does not use it: the attributes
// reported by getattr/lookup/setattr carry no block count computed here.
func (in *Inode) BlockCount(blockSize int) uint32 {
	return uint32(ceilDiv(int(in.Size), blockSize))
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}

// Encode serializes in into a block-sized buffer.
func Encode(in *Inode, blockSize int) []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint16(buf[0:2], in.UID)
	binary.LittleEndian.PutUint16(buf[2:4], in.GID)
	binary.LittleEndian.PutUint32(buf[4:8], in.Mode)
	binary.LittleEndian.PutUint32(buf[8:12], in.Ctime)
	binary.LittleEndian.PutUint32(buf[12:16], in.Mtime)
	binary.LittleEndian.PutUint32(buf[16:20], in.Size)

	for i, ptr := range in.Pointers {
		off := InodeHeaderSize + i*4
		if off+4 > blockSize {
			break
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], ptr)
	}
	return buf
}

// Decode parses a block-sized buffer into an Inode. Decoding never fails
// structurally: every field lives at a fixed offset.
func Decode(buf []byte, blockSize int) *Inode {
	in := &Inode{
		UID:      binary.LittleEndian.Uint16(buf[0:2]),
		GID:      binary.LittleEndian.Uint16(buf[2:4]),
		Mode:     binary.LittleEndian.Uint32(buf[4:8]),
		Ctime:    binary.LittleEndian.Uint32(buf[8:12]),
		Mtime:    binary.LittleEndian.Uint32(buf[12:16]),
		Size:     binary.LittleEndian.Uint32(buf[16:20]),
		Pointers: make([]uint32, NumPointers(blockSize)),
	}

	for i := range in.Pointers {
		off := InodeHeaderSize + i*4
		if off+4 > len(buf) {
			break
		}
		in.Pointers[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return in
}

// ToAttr renders in as the attributes the kernel callback layer reports for
// getattr/lookup/setattr replies: kind derived from DirModeBit, atime
// mirrors mtime, crtime mirrors ctime, nlink is always 1 (no hard links).
func (in *Inode) ToAttr() fuseops.InodeAttributes {
	perm := os.FileMode(in.Mode & 0o7777)
	fileMode := perm
	if in.IsDir() {
		fileMode |= os.ModeDir
	}

	mtime := time.Unix(int64(in.Mtime), 0).UTC()
	ctime := time.Unix(int64(in.Ctime), 0).UTC()

	return fuseops.InodeAttributes{
		Size:   uint64(in.Size),
		Nlink:  1,
		Mode:   fileMode,
		Atime:  mtime,
		Mtime:  mtime,
		Ctime:  ctime,
		Crtime: ctime,
		Uid:    uint32(in.UID),
		Gid:    uint32(in.GID),
	}
}

// SetAttrRequest carries the optional fields a setattr call may update. The
// kernel-facing SetInodeAttributes handler populates Mode, Size, and Mtime
// from fuseops.SetInodeAttributesOp and always stamps Ctime from its clock;
// it never sets UID or GID, which are implemented and tested directly here.
type SetAttrRequest struct {
	Mode  *uint32
	UID   *uint16
	GID   *uint16
	Size  *uint32
	Mtime *uint32
	Ctime *uint32
}

// SetAttr applies the fields present in req to in, in place. It does not
// perform truncation bookkeeping (freeing data blocks on shrink); callers
// that change Size downward must call TruncateToBlocks first.
func SetAttr(in *Inode, req SetAttrRequest) {
	if req.Mode != nil {
		in.Mode = *req.Mode
	}
	if req.UID != nil {
		in.UID = *req.UID
	}
	if req.GID != nil {
		in.GID = *req.GID
	}
	if req.Size != nil {
		in.Size = *req.Size
	}
	if req.Mtime != nil {
		in.Mtime = *req.Mtime
	}
	if req.Ctime != nil {
		in.Ctime = *req.Ctime
	}
}
