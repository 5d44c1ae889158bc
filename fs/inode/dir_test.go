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

package inode_test

import (
	"testing"

	"github.com/blockfuse/blockfuse/bitmap"
	"github.com/blockfuse/blockfuse/blockdev"
	"github.com/blockfuse/blockfuse/fs/fserrors"
	"github.com/blockfuse/blockfuse/fs/inode"
	. "github.com/jacobsa/ogletest"
)

func TestDir(t *testing.T) { RunTests(t) }

const dirTestBlockSize = 4096

type DirTest struct {
	dev      blockdev.Device
	alloc    *bitmap.Allocator
	dir      *inode.Inode
	otherDir *inode.Inode
}

func init() { RegisterTestSuite(&DirTest{}) }

func (t *DirTest) SetUp(ti *TestInfo) {
	t.dev = blockdev.NewMemDevice(dirTestBlockSize, 32)

	// Reserve blocks 0 and 1 (superblock + bitmap), as a formatted image
	// does: a zero pointer means "hole", so block 0 is never handed out.
	reserved := make([]byte, dirTestBlockSize)
	reserved[0] = 0x03
	_, err := t.dev.Write(bitmap.BitmapBlock, reserved)
	AssertEq(nil, err)

	t.alloc, err = bitmap.NewAllocator(t.dev, t.dev.NumBlocks())
	AssertEq(nil, err)

	t.dir = inode.New(dirTestBlockSize, 0, 0, inode.DirModeBit|0o755, 0)
	t.otherDir = inode.New(dirTestBlockSize, 0, 0, inode.DirModeBit|0o755, 0)
}

func (t *DirTest) EmptyDirHasNoEntries() {
	n, err := inode.NumEntries(t.dev, t.dir)
	AssertEq(nil, err)
	ExpectEq(0, n)

	empty, err := inode.IsEmpty(t.dev, t.dir)
	AssertEq(nil, err)
	ExpectTrue(empty)
}

func (t *DirTest) InsertAndFind() {
	err := inode.Insert(t.dev, t.alloc, t.dir, "foo", 42)
	AssertEq(nil, err)

	slot, ok, err := inode.Find(t.dev, t.dir, "foo")
	AssertEq(nil, err)
	AssertTrue(ok)
	ExpectEq(uint32(42), slot.Entry.InodePtr)

	n, err := inode.NumEntries(t.dev, t.dir)
	AssertEq(nil, err)
	ExpectEq(1, n)
}

func (t *DirTest) FindMissing() {
	_, ok, err := inode.Find(t.dev, t.dir, "nope")
	AssertEq(nil, err)
	ExpectFalse(ok)
}

func (t *DirTest) InsertDuplicateFails() {
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "foo", 1))

	err := inode.Insert(t.dev, t.alloc, t.dir, "foo", 2)
	AssertNe(nil, err)
	ExpectTrue(fserrors.Is(err, fserrors.Exists))
}

func (t *DirTest) InsertNameTooLongFails() {
	name := ""
	for i := 0; i <= inode.MaxNameLen; i++ {
		name += "a"
	}

	err := inode.Insert(t.dev, t.alloc, t.dir, name, 1)
	AssertNe(nil, err)
	ExpectTrue(fserrors.Is(err, fserrors.NameTooLong))
}

func (t *DirTest) RemoveTombstonesSlot() {
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "foo", 1))
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "bar", 2))

	AssertEq(nil, inode.Remove(t.dev, t.alloc, t.dir, "foo"))

	_, ok, err := inode.Find(t.dev, t.dir, "foo")
	AssertEq(nil, err)
	ExpectFalse(ok)

	n, err := inode.NumEntries(t.dev, t.dir)
	AssertEq(nil, err)
	ExpectEq(1, n)
}

func (t *DirTest) RemoveMissingFails() {
	err := inode.Remove(t.dev, t.alloc, t.dir, "nope")
	AssertNe(nil, err)
	ExpectTrue(fserrors.Is(err, fserrors.NotFound))
}

func (t *DirTest) InsertReusesTombstoneSlot() {
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "foo", 1))
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "bar", 2))
	AssertEq(nil, inode.Remove(t.dev, t.alloc, t.dir, "foo"))

	slotsBefore, err := inode.Slots(t.dev, t.dir)
	AssertEq(nil, err)
	freeIndex := inode.FirstFreeSlot(slotsBefore)
	ExpectEq(0, freeIndex)

	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "baz", 3))

	slots, err := inode.Slots(t.dev, t.dir)
	AssertEq(nil, err)
	ExpectEq(2, len(slots))

	slot, ok, err := inode.Find(t.dev, t.dir, "baz")
	AssertEq(nil, err)
	AssertTrue(ok)
	ExpectEq(0, slot.Index)
}

func (t *DirTest) RenameSameDirectory() {
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "foo", 7))

	err := inode.Rename(t.dev, t.alloc, t.dir, "foo", t.dir, "bar")
	AssertEq(nil, err)

	_, ok, err := inode.Find(t.dev, t.dir, "foo")
	AssertEq(nil, err)
	ExpectFalse(ok)

	slot, ok, err := inode.Find(t.dev, t.dir, "bar")
	AssertEq(nil, err)
	AssertTrue(ok)
	ExpectEq(uint32(7), slot.Entry.InodePtr)
}

func (t *DirTest) RenameToSameNameIsNoOp() {
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "foo", 7))

	err := inode.Rename(t.dev, t.alloc, t.dir, "foo", t.dir, "foo")
	AssertEq(nil, err)

	slot, ok, err := inode.Find(t.dev, t.dir, "foo")
	AssertEq(nil, err)
	AssertTrue(ok)
	ExpectEq(uint32(7), slot.Entry.InodePtr)
}

func (t *DirTest) RenameCrossDirectory() {
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "foo", 7))

	err := inode.Rename(t.dev, t.alloc, t.dir, "foo", t.otherDir, "moved")
	AssertEq(nil, err)

	_, ok, err := inode.Find(t.dev, t.dir, "foo")
	AssertEq(nil, err)
	ExpectFalse(ok)

	slot, ok, err := inode.Find(t.dev, t.otherDir, "moved")
	AssertEq(nil, err)
	AssertTrue(ok)
	ExpectEq(uint32(7), slot.Entry.InodePtr)
}

func (t *DirTest) RenameOverExistingDestinationFails() {
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "foo", 7))
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "bar", 9))

	err := inode.Rename(t.dev, t.alloc, t.dir, "foo", t.dir, "bar")
	AssertNe(nil, err)
	ExpectTrue(fserrors.Is(err, fserrors.Exists))

	// Both entries are untouched.
	slot, ok, err := inode.Find(t.dev, t.dir, "foo")
	AssertEq(nil, err)
	AssertTrue(ok)
	ExpectEq(uint32(7), slot.Entry.InodePtr)

	slot, ok, err = inode.Find(t.dev, t.dir, "bar")
	AssertEq(nil, err)
	AssertTrue(ok)
	ExpectEq(uint32(9), slot.Entry.InodePtr)
}

func (t *DirTest) RenameMissingSourceFails() {
	err := inode.Rename(t.dev, t.alloc, t.dir, "nope", t.dir, "bar")
	AssertNe(nil, err)
	ExpectTrue(fserrors.Is(err, fserrors.NotFound))
}

func (t *DirTest) NonEmptyDirIsNotEmpty() {
	AssertEq(nil, inode.Insert(t.dev, t.alloc, t.dir, "foo", 1))

	empty, err := inode.IsEmpty(t.dev, t.dir)
	AssertEq(nil, err)
	ExpectFalse(empty)
}
