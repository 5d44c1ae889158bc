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

package blockdev_test

import (
	"path/filepath"
	"testing"

	"github.com/blockfuse/blockfuse/blockdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDeviceReadWriteRoundTrip(t *testing.T) {
	d := blockdev.NewMemDevice(4096, 4)

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i)
	}

	n, err := d.Write(2, buf)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	got, err := d.ReadBlock(2)
	require.NoError(t, err)
	assert.Equal(t, buf, got)

	// Untouched blocks remain zero.
	zero, err := d.ReadBlock(0)
	require.NoError(t, err)
	for _, b := range zero {
		assert.Zero(t, b)
	}
}

func TestMemDeviceOutOfRange(t *testing.T) {
	d := blockdev.NewMemDevice(4096, 4)
	_, err := d.ReadBlock(4)
	assert.Error(t, err)

	_, err = d.Write(100, make([]byte, 4096))
	assert.Error(t, err)
}

func TestMemDeviceWrongBufferLength(t *testing.T) {
	d := blockdev.NewMemDevice(4096, 4)
	_, err := d.Write(0, make([]byte, 10))
	assert.Error(t, err)
}

func TestFileDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	fd, err := blockdev.CreateFileDevice(path, 4096, 8)
	require.NoError(t, err)
	defer fd.Close()

	assert.Equal(t, 4096, fd.BlockSize())
	assert.Equal(t, 8, fd.NumBlocks())

	payload := []byte("hello, block device")
	buf := make([]byte, 4096)
	copy(buf, payload)

	_, err = fd.Write(3, buf)
	require.NoError(t, err)

	got, err := fd.ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, buf, got)
}

func TestOpenFileDeviceDerivesBlockCountFromFileSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	created, err := blockdev.CreateFileDevice(path, 4096, 8)
	require.NoError(t, err)
	require.NoError(t, created.Close())

	opened, err := blockdev.OpenFileDevice(path, 4096, false)
	require.NoError(t, err)
	defer opened.Close()

	assert.Equal(t, 8, opened.NumBlocks())
}

func TestOpenFileDeviceReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	created, err := blockdev.CreateFileDevice(path, 4096, 4)
	require.NoError(t, err)
	require.NoError(t, created.Close())

	opened, err := blockdev.OpenFileDevice(path, 4096, true)
	require.NoError(t, err)
	defer opened.Close()

	_, err = opened.Write(0, make([]byte, 4096))
	assert.Error(t, err)

	_, err = opened.ReadBlock(0)
	assert.NoError(t, err)
}
