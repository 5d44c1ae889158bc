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

// Package fs wires the on-disk inode/directory engine to the kernel
// callback interface: one FileSystem struct, one method per
// fuseutil.FileSystem operation.
package fs

import (
	"context"
	"syscall"

	"github.com/blockfuse/blockfuse/bitmap"
	"github.com/blockfuse/blockfuse/blockdev"
	"github.com/blockfuse/blockfuse/fs/fserrors"
	"github.com/blockfuse/blockfuse/fs/inode"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// FileSystem implements fuseutil.FileSystem over a formatted block device.
// The kernel's root inode ID is fixed at fuseops.RootInodeID (1); this
// filesystem's root directory lives at inode.RootDirBlock (2), so every
// method translates between the two at its boundary (toInodeID / toBlock)
// and otherwise works entirely in block-number space.
type FileSystem struct {
	dev      blockdev.Device
	alloc    *bitmap.Allocator
	clock    timeutil.Clock
	readOnly bool

	// Mu guards everything below. A single coarse mutex across the whole
	// inode table rather than per-inode locks; this filesystem is small
	// enough that the tradeoff holds.
	Mu syncutil.InvariantMutex

	// GUARDED_BY(Mu)
	inodes map[fuseops.InodeID]*inodeEntry

	// GUARDED_BY(Mu)
	dirHandles map[fuseops.HandleID]*dirHandle

	// GUARDED_BY(Mu)
	nextHandle fuseops.HandleID
}

type inodeEntry struct {
	block uint32
	in    *inode.Inode
	lc    inode.LookupCount
}

var _ fuseutil.FileSystem = (*FileSystem)(nil)

// New constructs a FileSystem over dev, which must already have been
// formatted (superblock + bitmap + root directory already on disk; see
// mkfs.Format). The bitmap allocator is sized from the superblock's
// DiskSize rather than the raw device capacity, so an image whose
// superblock claims more blocks than the file actually backs is rejected
// up front instead of letting the allocator read or write past the end of
// dev.
func New(dev blockdev.Device, clock timeutil.Clock, readOnly bool) (*FileSystem, error) {
	sbBuf, err := dev.ReadBlock(inode.SuperBlockBlock)
	if err != nil {
		return nil, fserrors.New(fserrors.IO, "read superblock: %v", err)
	}
	sb := inode.DecodeSuperBlock(sbBuf)
	if sb.Magic != inode.Magic {
		return nil, fserrors.New(fserrors.Corrupt, "bad superblock magic %#x", sb.Magic)
	}
	if int(sb.DiskSize) > dev.NumBlocks() {
		return nil, fserrors.New(fserrors.Corrupt, "superblock disk size %d exceeds device capacity %d", sb.DiskSize, dev.NumBlocks())
	}

	alloc, err := bitmap.NewAllocator(dev, int(sb.DiskSize))
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		dev:        dev,
		alloc:      alloc,
		clock:      clock,
		readOnly:   readOnly,
		inodes:     make(map[fuseops.InodeID]*inodeEntry),
		dirHandles: make(map[fuseops.HandleID]*dirHandle),
		nextHandle: 1,
	}
	fs.Mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	rootIn, err := fs.loadInode(inode.RootDirBlock)
	if err != nil {
		return nil, err
	}
	root := &inodeEntry{block: inode.RootDirBlock, in: rootIn}
	root.lc.Destroy = func() error { return nil } // the root is never evicted
	root.lc.Inc()
	fs.inodes[fuseops.RootInodeID] = root

	return fs, nil
}

func (fs *FileSystem) checkInvariants() {}

////////////////////////////////////////////////////////////////////////
// Inode-ID <-> block-number mapping
////////////////////////////////////////////////////////////////////////

func toInodeID(block uint32) fuseops.InodeID {
	if block == inode.RootDirBlock {
		return fuseops.RootInodeID
	}
	return fuseops.InodeID(block)
}

func toBlock(id fuseops.InodeID) uint32 {
	if id == fuseops.RootInodeID {
		return inode.RootDirBlock
	}
	return uint32(id)
}

////////////////////////////////////////////////////////////////////////
// Inode cache
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) blockSize() int {
	return fs.dev.BlockSize()
}

func (fs *FileSystem) loadInode(block uint32) (*inode.Inode, error) {
	buf, err := fs.dev.ReadBlock(block)
	if err != nil {
		return nil, fserrors.New(fserrors.IO, "read inode block %d: %v", block, err)
	}
	return inode.Decode(buf, fs.blockSize()), nil
}

func (fs *FileSystem) persistInode(block uint32, in *inode.Inode) error {
	if _, err := fs.dev.Write(block, inode.Encode(in, fs.blockSize())); err != nil {
		return fserrors.New(fserrors.IO, "write inode block %d: %v", block, err)
	}
	return nil
}

// entryForRead returns the cached entry for id, loading it from disk
// without incrementing its lookup count if it is not already cached. Used
// by operations that address an inode the kernel already holds a reference
// to (GetInodeAttributes, ReadFile, WriteFile, SetInodeAttributes, ...).
//
// LOCKS_REQUIRED(fs.Mu)
func (fs *FileSystem) entryForRead(id fuseops.InodeID) (*inodeEntry, error) {
	if e, ok := fs.inodes[id]; ok {
		return e, nil
	}

	block := toBlock(id)
	in, err := fs.loadInode(block)
	if err != nil {
		return nil, err
	}

	e := &inodeEntry{block: block, in: in}
	e.lc.Destroy = func() error {
		delete(fs.inodes, id)
		return nil
	}
	fs.inodes[id] = e
	return e, nil
}

// lookupEntry is like entryForRead but increments the lookup count, for
// operations whose successful reply grants the kernel a new reference
// (LookUpInode, MkDir, MkNode).
//
// LOCKS_REQUIRED(fs.Mu)
func (fs *FileSystem) lookupEntry(id fuseops.InodeID) (*inodeEntry, error) {
	e, err := fs.entryForRead(id)
	if err != nil {
		return nil, err
	}
	e.lc.Inc()
	return e, nil
}

func (fs *FileSystem) cacheNewInode(block uint32, in *inode.Inode) *inodeEntry {
	id := toInodeID(block)
	e := &inodeEntry{block: block, in: in}
	e.lc.Destroy = func() error {
		delete(fs.inodes, id)
		return nil
	}
	e.lc.Inc()
	fs.inodes[id] = e
	return e
}

func (fs *FileSystem) now() uint32 {
	return uint32(fs.clock.Now().Unix())
}

////////////////////////////////////////////////////////////////////////
// Directory mutation helpers
////////////////////////////////////////////////////////////////////////

// removeChild implements the unlink/rmdir algorithm: truncate the child to
// zero blocks, free its inode block, then remove its directory slot.
// wantDir selects between unlink (regular file only) and rmdir (empty
// directory only).
//
// LOCKS_REQUIRED(fs.Mu)
func (fs *FileSystem) removeChild(parentID fuseops.InodeID, name string, wantDir bool) error {
	if fs.readOnly {
		return fserrors.New(fserrors.Invalid, "file system is read-only")
	}

	parent, err := fs.entryForRead(parentID)
	if err != nil {
		return err
	}
	if !parent.in.IsDir() {
		return fserrors.New(fserrors.NotDir, "parent is not a directory")
	}

	slot, ok, err := inode.Find(fs.dev, parent.in, name)
	if err != nil {
		return err
	}
	if !ok {
		return fserrors.New(fserrors.NotFound, "%q not found", name)
	}

	childBlock := slot.Entry.InodePtr
	childID := toInodeID(childBlock)
	child, err := fs.entryForRead(childID)
	if err != nil {
		return err
	}

	if wantDir && !child.in.IsDir() {
		return fserrors.New(fserrors.NotDir, "%q is not a directory", name)
	}
	if !wantDir && child.in.IsDir() {
		return fserrors.New(fserrors.IsDir, "%q is a directory", name)
	}

	if wantDir {
		empty, err := inode.IsEmpty(fs.dev, child.in)
		if err != nil {
			return err
		}
		if !empty {
			return fserrors.New(fserrors.NotEmpty, "%q is not empty", name)
		}
	}

	if err := inode.TruncateToBlocks(fs.alloc, child.in, 0); err != nil {
		return err
	}
	if err := fs.alloc.Free([]uint32{childBlock}); err != nil {
		return err
	}
	if err := inode.Remove(fs.dev, fs.alloc, parent.in, name); err != nil {
		return err
	}
	if err := fs.persistInode(parent.block, parent.in); err != nil {
		return err
	}

	delete(fs.inodes, childID)
	return nil
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem: namespace operations
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) StatFS(_ context.Context, op *fuseops.StatFSOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	bs := fs.blockSize()
	total := uint64(fs.alloc.Bitmask().NumBlocks())
	free := uint64(fs.alloc.Bitmask().CountFree())

	op.BlockSize = uint32(bs)
	op.IoSize = uint32(bs)
	op.Blocks = total
	op.BlocksFree = free
	op.BlocksAvailable = free
	// Every inode occupies exactly one block, so blocks double as a
	// reasonable stand-in for an inode budget: there is no separate inode
	// table to report on.
	op.Inodes = total
	op.InodesFree = free

	return nil
}

func (fs *FileSystem) LookUpInode(_ context.Context, op *fuseops.LookUpInodeOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	parent, err := fs.entryForRead(op.Parent)
	if err != nil {
		return fserrors.Errno(err)
	}
	if !parent.in.IsDir() {
		return fserrors.Errno(fserrors.New(fserrors.NotDir, "parent is not a directory"))
	}

	slot, ok, err := inode.Find(fs.dev, parent.in, op.Name)
	if err != nil {
		return fserrors.Errno(err)
	}
	if !ok {
		return fserrors.Errno(fserrors.New(fserrors.NotFound, "%q not found", op.Name))
	}

	childID := toInodeID(slot.Entry.InodePtr)
	child, err := fs.lookupEntry(childID)
	if err != nil {
		return fserrors.Errno(err)
	}

	op.Entry.Child = childID
	op.Entry.Attributes = child.in.ToAttr()
	return nil
}

func (fs *FileSystem) GetInodeAttributes(_ context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	e, err := fs.entryForRead(op.Inode)
	if err != nil {
		return fserrors.Errno(err)
	}

	op.Attributes = e.in.ToAttr()
	return nil
}

func (fs *FileSystem) SetInodeAttributes(_ context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	if fs.readOnly {
		return fserrors.Errno(fserrors.New(fserrors.Invalid, "file system is read-only"))
	}

	e, err := fs.entryForRead(op.Inode)
	if err != nil {
		return fserrors.Errno(err)
	}

	req := inode.SetAttrRequest{}

	if op.Mode != nil {
		perm := uint32(*op.Mode) & 0o7777
		mode := (e.in.Mode &^ 0o7777) | perm
		req.Mode = &mode
	}

	if op.Size != nil {
		newSize := uint32(*op.Size)
		oldBlocks := ceilDivBlocks(int(e.in.Size), fs.blockSize())
		newBlocks := ceilDivBlocks(int(newSize), fs.blockSize())
		if newBlocks < oldBlocks {
			if err := inode.TruncateToBlocks(fs.alloc, e.in, newBlocks); err != nil {
				return fserrors.Errno(err)
			}
		}
		req.Size = &newSize
	}

	if op.Mtime != nil {
		mtime := uint32(op.Mtime.Unix())
		req.Mtime = &mtime
	}

	ctime := fs.now()
	req.Ctime = &ctime

	inode.SetAttr(e.in, req)
	if err := fs.persistInode(e.block, e.in); err != nil {
		return fserrors.Errno(err)
	}

	op.Attributes = e.in.ToAttr()
	return nil
}

func ceilDivBlocks(size, blockSize int) int {
	if size <= 0 {
		return 0
	}
	return (size + blockSize - 1) / blockSize
}

func (fs *FileSystem) ForgetInode(_ context.Context, op *fuseops.ForgetInodeOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	e, ok := fs.inodes[op.Inode]
	if !ok {
		return nil
	}
	e.lc.Dec(op.N)
	return nil
}

func (fs *FileSystem) BatchForget(_ context.Context, op *fuseops.BatchForgetOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	for _, entry := range op.Entries {
		if e, ok := fs.inodes[entry.Inode]; ok {
			e.lc.Dec(uint64(entry.N))
		}
	}
	return nil
}

func (fs *FileSystem) mkEntry(parentID fuseops.InodeID, name string, mode uint32) (*inodeEntry, error) {
	if fs.readOnly {
		return nil, fserrors.New(fserrors.Invalid, "file system is read-only")
	}

	parent, err := fs.entryForRead(parentID)
	if err != nil {
		return nil, err
	}
	if !parent.in.IsDir() {
		return nil, fserrors.New(fserrors.NotDir, "parent is not a directory")
	}

	blocks, err := fs.alloc.Allocate(1)
	if err != nil {
		return nil, err
	}
	childBlock := blocks[0]

	now := fs.now()
	child := inode.New(fs.blockSize(), uint16(0), uint16(0), mode, now)

	if err := inode.Insert(fs.dev, fs.alloc, parent.in, name, childBlock); err != nil {
		// Roll back the allocation; nothing has been persisted yet.
		_ = fs.alloc.Free(blocks)
		return nil, err
	}
	if err := fs.persistInode(childBlock, child); err != nil {
		return nil, err
	}
	if err := fs.persistInode(parent.block, parent.in); err != nil {
		return nil, err
	}

	return fs.cacheNewInode(childBlock, child), nil
}

func (fs *FileSystem) MkDir(_ context.Context, op *fuseops.MkDirOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	mode := (uint32(op.Mode) & 0o7777) | inode.DirModeBit
	e, err := fs.mkEntry(op.Parent, op.Name, mode)
	if err != nil {
		return fserrors.Errno(err)
	}

	op.Entry.Child = toInodeID(e.block)
	op.Entry.Attributes = e.in.ToAttr()
	return nil
}

func (fs *FileSystem) MkNode(_ context.Context, op *fuseops.MkNodeOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	mode := uint32(op.Mode) & 0o7777
	e, err := fs.mkEntry(op.Parent, op.Name, mode)
	if err != nil {
		return fserrors.Errno(err)
	}

	op.Entry.Child = toInodeID(e.block)
	op.Entry.Attributes = e.in.ToAttr()
	return nil
}

func (fs *FileSystem) Rename(_ context.Context, op *fuseops.RenameOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	if fs.readOnly {
		return fserrors.Errno(fserrors.New(fserrors.Invalid, "file system is read-only"))
	}

	oldParent, err := fs.entryForRead(op.OldParent)
	if err != nil {
		return fserrors.Errno(err)
	}
	newParent, err := fs.entryForRead(op.NewParent)
	if err != nil {
		return fserrors.Errno(err)
	}

	if err := inode.Rename(fs.dev, fs.alloc, oldParent.in, op.OldName, newParent.in, op.NewName); err != nil {
		return fserrors.Errno(err)
	}

	if err := fs.persistInode(oldParent.block, oldParent.in); err != nil {
		return fserrors.Errno(err)
	}
	if newParent.block != oldParent.block {
		if err := fs.persistInode(newParent.block, newParent.in); err != nil {
			return fserrors.Errno(err)
		}
	}

	return nil
}

func (fs *FileSystem) Unlink(_ context.Context, op *fuseops.UnlinkOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	return fserrors.Errno(fs.removeChild(op.Parent, op.Name, false))
}

func (fs *FileSystem) RmDir(_ context.Context, op *fuseops.RmDirOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	return fserrors.Errno(fs.removeChild(op.Parent, op.Name, true))
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem: directory handles
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) OpenDir(_ context.Context, op *fuseops.OpenDirOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	e, err := fs.entryForRead(op.Inode)
	if err != nil {
		return fserrors.Errno(err)
	}
	if !e.in.IsDir() {
		return fserrors.Errno(fserrors.New(fserrors.NotDir, "not a directory"))
	}

	dh, err := newDirHandle(fs.dev, e.in)
	if err != nil {
		return fserrors.Errno(err)
	}

	handle := fs.nextHandle
	fs.nextHandle++
	fs.dirHandles[handle] = dh
	op.Handle = handle
	return nil
}

func (fs *FileSystem) ReadDir(_ context.Context, op *fuseops.ReadDirOp) error {
	fs.Mu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	fs.Mu.Unlock()
	if !ok {
		return fserrors.Errno(fserrors.New(fserrors.Invalid, "unknown directory handle"))
	}

	dh.Mu.Lock()
	defer dh.Mu.Unlock()
	dh.ReadDir(op)
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(_ context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	delete(fs.dirHandles, op.Handle)
	return nil
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem: file I/O
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) OpenFile(_ context.Context, op *fuseops.OpenFileOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	e, err := fs.entryForRead(op.Inode)
	if err != nil {
		return fserrors.Errno(err)
	}
	if e.in.IsDir() {
		return fserrors.Errno(fserrors.New(fserrors.IsDir, "is a directory"))
	}

	fs.nextHandle++
	op.Handle = fs.nextHandle
	return nil
}

func (fs *FileSystem) ReadFile(_ context.Context, op *fuseops.ReadFileOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	e, err := fs.entryForRead(op.Inode)
	if err != nil {
		return fserrors.Errno(err)
	}

	data, err := inode.ReadRange(fs.dev, e.in, op.Offset, len(op.Dst))
	if err != nil {
		return fserrors.Errno(err)
	}

	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (fs *FileSystem) WriteFile(_ context.Context, op *fuseops.WriteFileOp) error {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	if fs.readOnly {
		return fserrors.Errno(fserrors.New(fserrors.Invalid, "file system is read-only"))
	}

	e, err := fs.entryForRead(op.Inode)
	if err != nil {
		return fserrors.Errno(err)
	}

	if _, err := inode.WriteRange(fs.dev, fs.alloc, e.in, op.Offset, op.Data); err != nil {
		return fserrors.Errno(err)
	}

	e.in.Mtime = fs.now()
	if err := fs.persistInode(e.block, e.in); err != nil {
		return fserrors.Errno(err)
	}

	return nil
}

func (fs *FileSystem) SyncFile(_ context.Context, _ *fuseops.SyncFileOp) error {
	// Every write is persisted synchronously; there is no write-back cache
	// to flush.
	return nil
}

func (fs *FileSystem) FlushFile(_ context.Context, _ *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(_ context.Context, _ *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (fs *FileSystem) Destroy() {}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem: unsupported surface
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) CreateFile(_ context.Context, _ *fuseops.CreateFileOp) error {
	return syscall.ENOSYS
}

func (fs *FileSystem) CreateLink(_ context.Context, _ *fuseops.CreateLinkOp) error {
	return syscall.ENOSYS
}

func (fs *FileSystem) CreateSymlink(_ context.Context, _ *fuseops.CreateSymlinkOp) error {
	return syscall.ENOSYS
}

func (fs *FileSystem) ReadSymlink(_ context.Context, _ *fuseops.ReadSymlinkOp) error {
	return syscall.ENOSYS
}

func (fs *FileSystem) GetXattr(_ context.Context, _ *fuseops.GetXattrOp) error {
	return syscall.ENOSYS
}

func (fs *FileSystem) ListXattr(_ context.Context, _ *fuseops.ListXattrOp) error {
	return syscall.ENOSYS
}

func (fs *FileSystem) SetXattr(_ context.Context, _ *fuseops.SetXattrOp) error {
	return syscall.ENOSYS
}

func (fs *FileSystem) RemoveXattr(_ context.Context, _ *fuseops.RemoveXattrOp) error {
	return syscall.ENOSYS
}

func (fs *FileSystem) Fallocate(_ context.Context, _ *fuseops.FallocateOp) error {
	return syscall.ENOSYS
}
