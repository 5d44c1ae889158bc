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
	"bytes"
	"encoding/binary"

	"github.com/blockfuse/blockfuse/fs/fserrors"
)

// EntrySize is the fixed width in bytes of a single directory slot.
const EntrySize = 32

// MaxNameLen is the longest name a directory entry can hold (EntrySize-4,
// minus the NUL terminator the encoder is free to use as padding).
const MaxNameLen = EntrySize - 4 - 1

// DirEntry is a single 32-byte directory slot, decoded. Valid distinguishes
// a live entry from a tombstone (a free slot available for reuse).
//
// On the wire, byte 0's low bit is the valid flag and the remaining 31 bits
// of the first little-endian u32 are the inode block number. Both encode
// and decode agree that the low bit is the valid flag.
type DirEntry struct {
	Valid    bool
	InodePtr uint32
	Name     string
}

// EncodeDirEntry serializes e into a fresh 32-byte slot. A tombstone
// (Valid == false) encodes as all zero bytes.
func EncodeDirEntry(e DirEntry) []byte {
	buf := make([]byte, EntrySize)
	if !e.Valid {
		return buf
	}

	combined := (e.InodePtr << 1) | 1
	binary.LittleEndian.PutUint32(buf[0:4], combined)

	n := copy(buf[4:EntrySize], e.Name)
	_ = n // name is truncated to fit; callers precheck length via CheckName
	return buf
}

// DecodeDirEntry parses a 32-byte slot. If the slot's valid bit is clear it
// returns a tombstone (Valid == false); otherwise it decodes the inode
// pointer and the NUL-terminated name.
func DecodeDirEntry(buf []byte) DirEntry {
	combined := binary.LittleEndian.Uint32(buf[0:4])
	if combined&1 == 0 {
		return DirEntry{Valid: false}
	}

	nameBytes := buf[4:EntrySize]
	if idx := bytes.IndexByte(nameBytes, 0); idx >= 0 {
		nameBytes = nameBytes[:idx]
	}

	return DirEntry{
		Valid:    true,
		InodePtr: combined >> 1,
		Name:     string(nameBytes),
	}
}

// CheckName validates a directory entry name's length, returning a
// NameTooLong error if it exceeds MaxNameLen bytes.
func CheckName(name string) error {
	if len(name) > MaxNameLen {
		return fserrors.New(fserrors.NameTooLong, "name %q exceeds %d bytes", name, MaxNameLen)
	}
	return nil
}
