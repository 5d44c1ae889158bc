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

// Package blockdev provides the fixed-size-block random access abstraction
// that the file system core is built on. The core never talks to an *os.File
// directly; it only ever sees the Device interface, so tests can swap in
// MemDevice without touching a real disk image.
package blockdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Device is the narrow interface the file system core consumes: a fixed
// number of fixed-size blocks, addressed by a zero-based index.
type Device interface {
	// BlockSize returns the size in bytes of a single block.
	BlockSize() int

	// NumBlocks returns the total number of addressable blocks.
	NumBlocks() int

	// Read fills buf (which must have length BlockSize()) with the contents
	// of the block at the given address, returning the number of bytes read.
	Read(block uint32, buf []byte) (int, error)

	// ReadBlock is a convenience wrapper around Read that allocates its own
	// buffer.
	ReadBlock(block uint32) ([]byte, error)

	// Write writes buf (which must have length BlockSize()) to the block at
	// the given address, returning the number of bytes written. It is an
	// error for len(buf) to differ from BlockSize().
	Write(block uint32, buf []byte) (int, error)
}

func checkAddr(d Device, block uint32) error {
	if int(block) >= d.NumBlocks() {
		return fmt.Errorf("blockdev: block %d out of range [0, %d)", block, d.NumBlocks())
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// FileDevice
////////////////////////////////////////////////////////////////////////

// FileDevice is a Device backed by a regular host file, opened once and
// addressed with pread/pwrite-style positional I/O so that no seek state is
// shared across callers.
type FileDevice struct {
	blockSize int
	numBlocks int
	readOnly  bool
	f         *os.File
}

// OpenFileDevice opens the image at path, whose size must already be an
// exact multiple of blockSize (mkfs.Format's contract), and wraps it as a
// Device sized from that file length. It takes an advisory lock on the file
// for the lifetime of the Device — exclusive for read-write opens, shared
// for read-only ones — so that two read-write blockfuse processes cannot
// mount the same image concurrently (the core assumes a single exclusive
// writer).
func OpenFileDevice(path string, blockSize int, readOnly bool) (*FileDevice, error) {
	flag := os.O_RDWR
	lockOp := unix.LOCK_EX
	if readOnly {
		flag = os.O_RDONLY
		lockOp = unix.LOCK_SH
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: stat %s: %w", path, err)
	}
	if info.Size()%int64(blockSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("blockdev: %s size %d is not a multiple of block size %d", path, info.Size(), blockSize)
	}

	if err := unix.Flock(int(f.Fd()), lockOp|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: flock %s: %w", path, err)
	}

	numBlocks := int(info.Size() / int64(blockSize))
	return &FileDevice{blockSize: blockSize, numBlocks: numBlocks, readOnly: readOnly, f: f}, nil
}

// CreateFileDevice creates (truncating if necessary) a new image file of
// exactly numBlocks*blockSize bytes, sparsely allocated, and wraps it as a
// Device. Used by the mkfs formatter.
func CreateFileDevice(path string, blockSize, numBlocks int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: create %s: %w", path, err)
	}

	if err := f.Truncate(int64(blockSize) * int64(numBlocks)); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: flock %s: %w", path, err)
	}

	return &FileDevice{blockSize: blockSize, numBlocks: numBlocks, f: f}, nil
}

// Close releases the advisory lock and closes the backing file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

func (d *FileDevice) BlockSize() int { return d.blockSize }
func (d *FileDevice) NumBlocks() int { return d.numBlocks }

func (d *FileDevice) Read(block uint32, buf []byte) (int, error) {
	if err := checkAddr(d, block); err != nil {
		return 0, err
	}
	if len(buf) != d.blockSize {
		return 0, fmt.Errorf("blockdev: read buffer length %d != block size %d", len(buf), d.blockSize)
	}

	off := int64(block) * int64(d.blockSize)
	n, err := d.f.ReadAt(buf, off)
	if err != nil {
		return n, fmt.Errorf("blockdev: read block %d: %w", block, err)
	}
	return n, nil
}

func (d *FileDevice) ReadBlock(block uint32) ([]byte, error) {
	buf := make([]byte, d.blockSize)
	if _, err := d.Read(block, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *FileDevice) Write(block uint32, buf []byte) (int, error) {
	if d.readOnly {
		return 0, fmt.Errorf("blockdev: write to read-only device")
	}
	if err := checkAddr(d, block); err != nil {
		return 0, err
	}
	if len(buf) != d.blockSize {
		return 0, fmt.Errorf("blockdev: write buffer length %d != block size %d", len(buf), d.blockSize)
	}

	off := int64(block) * int64(d.blockSize)
	n, err := d.f.WriteAt(buf, off)
	if err != nil {
		return n, fmt.Errorf("blockdev: write block %d: %w", block, err)
	}
	return n, nil
}

////////////////////////////////////////////////////////////////////////
// MemDevice
////////////////////////////////////////////////////////////////////////

// MemDevice is an in-memory Device: a drop-in double used by package tests
// that would otherwise need a real image file on disk.
type MemDevice struct {
	blockSize int
	blocks    [][]byte
}

// NewMemDevice returns a zero-filled in-memory Device of numBlocks blocks.
func NewMemDevice(blockSize, numBlocks int) *MemDevice {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return &MemDevice{blockSize: blockSize, blocks: blocks}
}

func (d *MemDevice) BlockSize() int { return d.blockSize }
func (d *MemDevice) NumBlocks() int { return len(d.blocks) }

func (d *MemDevice) Read(block uint32, buf []byte) (int, error) {
	if err := checkAddr(d, block); err != nil {
		return 0, err
	}
	if len(buf) != d.blockSize {
		return 0, fmt.Errorf("blockdev: read buffer length %d != block size %d", len(buf), d.blockSize)
	}
	return copy(buf, d.blocks[block]), nil
}

func (d *MemDevice) ReadBlock(block uint32) ([]byte, error) {
	buf := make([]byte, d.blockSize)
	if _, err := d.Read(block, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *MemDevice) Write(block uint32, buf []byte) (int, error) {
	if err := checkAddr(d, block); err != nil {
		return 0, err
	}
	if len(buf) != d.blockSize {
		return 0, fmt.Errorf("blockdev: write buffer length %d != block size %d", len(buf), d.blockSize)
	}
	return copy(d.blocks[block], buf), nil
}

var _ Device = (*FileDevice)(nil)
var _ Device = (*MemDevice)(nil)
