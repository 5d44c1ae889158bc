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

package cmd

import (
	"fmt"
	"strconv"

	"github.com/blockfuse/blockfuse/blockdev"
	"github.com/blockfuse/blockfuse/mkfs"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
)

const blockSize = 4096

var formatCmd = &cobra.Command{
	Use:   "format <image> <size-in-bytes>",
	Short: "Create and format a new blockfuse disk image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath := args[0]

		sizeBytes, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parsing size: %w", err)
		}

		numBlocks := int(sizeBytes / blockSize)
		if numBlocks < 1 {
			return fmt.Errorf("size %d bytes is smaller than one block (%d bytes)", sizeBytes, blockSize)
		}

		dev, err := blockdev.CreateFileDevice(imagePath, blockSize, numBlocks)
		if err != nil {
			return fmt.Errorf("creating image: %w", err)
		}
		defer dev.Close()

		if err := mkfs.Format(dev, timeutil.RealClock()); err != nil {
			return fmt.Errorf("formatting: %w", err)
		}

		fmt.Printf("formatted %s: %d blocks of %d bytes\n", imagePath, numBlocks, blockSize)
		return nil
	},
}
