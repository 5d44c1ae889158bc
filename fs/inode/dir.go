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

// Slot pairs a decoded directory entry with its byte offset's slot index
// within the directory's data, so callers can address a specific entry for
// in-place rewriting.
type Slot struct {
	Index int
	Entry DirEntry
}

// Slots reads every 32-byte slot making up dir's data, tombstones included.
func Slots(dev blockdev.Device, dir *Inode) ([]Slot, error) {
	if dir.Size == 0 {
		return nil, nil
	}

	raw, err := ReadRange(dev, dir, 0, int(dir.Size))
	if err != nil {
		return nil, err
	}

	n := len(raw) / EntrySize
	slots := make([]Slot, n)
	for i := 0; i < n; i++ {
		buf := raw[i*EntrySize : (i+1)*EntrySize]
		slots[i] = Slot{Index: i, Entry: DecodeDirEntry(buf)}
	}
	return slots, nil
}

// Find returns the live slot holding name, if any.
func Find(dev blockdev.Device, dir *Inode, name string) (Slot, bool, error) {
	slots, err := Slots(dev, dir)
	if err != nil {
		return Slot{}, false, err
	}

	for _, s := range slots {
		if s.Entry.Valid && s.Entry.Name == name {
			return s, true, nil
		}
	}
	return Slot{}, false, nil
}

// FirstFreeSlot returns the lowest-indexed tombstone among slots, or
// len(slots) (i.e. "append a new slot") if every existing slot is live.
// Slot reuse is always preferred over growth.
func FirstFreeSlot(slots []Slot) int {
	for _, s := range slots {
		if !s.Entry.Valid {
			return s.Index
		}
	}
	return len(slots)
}

func writeSlot(dev blockdev.Device, alloc *bitmap.Allocator, dir *Inode, index int, e DirEntry) error {
	buf := EncodeDirEntry(e)
	off := int64(index) * EntrySize
	_, err := WriteRange(dev, alloc, dir, off, buf)
	return err
}

// NumEntries reports the number of live (non-tombstone) entries in dir.
func NumEntries(dev blockdev.Device, dir *Inode) (int, error) {
	slots, err := Slots(dev, dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, s := range slots {
		if s.Entry.Valid {
			count++
		}
	}
	return count, nil
}

// Insert adds a new directory entry mapping name to inodePtr, reusing the
// lowest free tombstone slot if one exists and otherwise growing dir by one
// slot. It fails with Exists if name is already present and with
// NameTooLong if name exceeds MaxNameLen.
func Insert(dev blockdev.Device, alloc *bitmap.Allocator, dir *Inode, name string, inodePtr uint32) error {
	if err := CheckName(name); err != nil {
		return err
	}

	slots, err := Slots(dev, dir)
	if err != nil {
		return err
	}

	for _, s := range slots {
		if s.Entry.Valid && s.Entry.Name == name {
			return fserrors.New(fserrors.Exists, "directory entry %q already exists", name)
		}
	}

	index := FirstFreeSlot(slots)
	return writeSlot(dev, alloc, dir, index, DirEntry{Valid: true, InodePtr: inodePtr, Name: name})
}

// Remove tombstones the slot holding name. It fails with NotFound if name is
// not present.
func Remove(dev blockdev.Device, alloc *bitmap.Allocator, dir *Inode, name string) error {
	slot, ok, err := Find(dev, dir, name)
	if err != nil {
		return err
	}
	if !ok {
		return fserrors.New(fserrors.NotFound, "directory entry %q not found", name)
	}

	return writeSlot(dev, alloc, dir, slot.Index, DirEntry{Valid: false})
}

// Rename moves the entry named oldName in oldDir to newName in newDir,
// preserving its inode pointer. It is safe to call with oldDir == newDir
// (same-directory rename). It fails with Exists if newDir already contains
// newName, unless that is exactly the source entry itself (a no-op).
//
// A same-directory rename rewrites the source slot in place. In a
// cross-directory rename the destination slot is written before the source
// slot is tombstoned, so a crash between the two leaves the entry reachable
// under one name or the other but never under neither.
func Rename(dev blockdev.Device, alloc *bitmap.Allocator, oldDir *Inode, oldName string, newDir *Inode, newName string) error {
	if err := CheckName(newName); err != nil {
		return err
	}

	srcSlot, ok, err := Find(dev, oldDir, oldName)
	if err != nil {
		return err
	}
	if !ok {
		return fserrors.New(fserrors.NotFound, "directory entry %q not found", oldName)
	}

	if oldDir == newDir && oldName == newName {
		return nil
	}

	dstSlots, err := Slots(dev, newDir)
	if err != nil {
		return err
	}

	for _, s := range dstSlots {
		if s.Entry.Valid && s.Entry.Name == newName {
			return fserrors.New(fserrors.Exists, "directory entry %q already exists", newName)
		}
	}

	newEntry := DirEntry{Valid: true, InodePtr: srcSlot.Entry.InodePtr, Name: newName}

	if oldDir == newDir {
		// Same directory: rewrite the source slot in place with the new
		// name; no second slot is involved.
		return writeSlot(dev, alloc, oldDir, srcSlot.Index, newEntry)
	}

	index := FirstFreeSlot(dstSlots)
	if err := writeSlot(dev, alloc, newDir, index, newEntry); err != nil {
		return err
	}

	// oldDir's slot layout is unaffected by writes into newDir, so
	// srcSlot.Index still names the original source slot.
	return writeSlot(dev, alloc, oldDir, srcSlot.Index, DirEntry{Valid: false})
}

// IsEmpty reports whether dir has zero live entries, the precondition for
// rmdir.
func IsEmpty(dev blockdev.Device, dir *Inode) (bool, error) {
	n, err := NumEntries(dev, dir)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
