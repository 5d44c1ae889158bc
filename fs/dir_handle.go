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

package fs

import (
	"fmt"

	"github.com/blockfuse/blockfuse/blockdev"
	"github.com/blockfuse/blockfuse/fs/inode"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
)

// dirHandle buffers a snapshot of a directory's live entries between OpenDir
// and the ReadDir calls that page through it. The whole directory fits in a
// handful of blocks, so the snapshot is taken once at open time rather than
// paged lazily; ReadDir walks the directory's slots in order.
type dirHandle struct {
	// Mu guards entries below.
	Mu syncutil.InvariantMutex

	// GUARDED_BY(Mu)
	entries []fuseutil.Dirent
}

func (dh *dirHandle) checkInvariants() {
	for i := 1; i < len(dh.entries); i++ {
		if dh.entries[i].Offset != dh.entries[i-1].Offset+1 {
			panic(fmt.Sprintf(
				"non-contiguous dirent offsets: %d then %d",
				dh.entries[i-1].Offset,
				dh.entries[i].Offset))
		}
	}
}

// newDirHandle snapshots dir's live slots as a sequence of fuseutil.Dirent,
// numbering them from offset 1 (offset 0 means "start of directory" in the
// kernel's Offset/Dst protocol).
func newDirHandle(dev blockdev.Device, dir *inode.Inode) (*dirHandle, error) {
	slots, err := inode.Slots(dev, dir)
	if err != nil {
		return nil, err
	}

	dh := &dirHandle{}
	var offset fuseops.DirOffset = 1
	for _, s := range slots {
		if !s.Entry.Valid {
			continue
		}

		dh.entries = append(dh.entries, fuseutil.Dirent{
			Offset: offset,
			Inode:  fuseops.InodeID(s.Entry.InodePtr),
			Name:   s.Entry.Name,
			Type:   fuseutil.DT_Unknown,
		})
		offset++
	}

	dh.Mu = syncutil.NewInvariantMutex(dh.checkInvariants)
	return dh, nil
}

// ReadDir serializes entries at or after op.Offset into op.Dst, stopping
// when it runs out of room or entries.
//
// LOCKS_REQUIRED(dh.Mu)
func (dh *dirHandle) ReadDir(op *fuseops.ReadDirOp) {
	for _, e := range dh.entries {
		if e.Offset < op.Offset {
			continue
		}

		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
}
