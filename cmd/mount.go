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
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/blockfuse/blockfuse/blockdev"
	"github.com/blockfuse/blockfuse/fs"
	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const inBackgroundEnvVar = "BLOCKFUSE_IN_BACKGROUND"

var (
	flagForeground bool
	flagReadOnly   bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <image> <mountpoint>",
	Short: "Mount a formatted blockfuse disk image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath, mountPoint := args[0], args[1]

		foreground := flagForeground || viper.GetBool("foreground")
		readOnly := flagReadOnly || viper.GetBool("read_only")

		if !foreground && os.Getenv(inBackgroundEnvVar) == "" {
			return daemonizeMount(imagePath, mountPoint, readOnly)
		}

		return runMount(imagePath, mountPoint, readOnly)
	},
}

func init() {
	mountCmd.Flags().BoolVar(&flagForeground, "foreground", false, "run in the foreground instead of daemonizing")
	mountCmd.Flags().BoolVar(&flagReadOnly, "read-only", false, "mount the file system read-only")
}

// daemonizeMount re-executes the current binary in the background via the
// daemonize.Run/SignalOutcome handshake: the parent blocks until the child
// either reports a successful mount or fails, and exits with the child's
// outcome.
func daemonizeMount(imagePath, mountPoint string, readOnly bool) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	mountArgs := []string{"mount", imagePath, mountPoint, "--foreground"}
	if readOnly {
		mountArgs = append(mountArgs, "--read-only")
	}

	env := append(os.Environ(), inBackgroundEnvVar+"=true")
	if err := daemonize.Run(self, mountArgs, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}

	return nil
}

func runMount(imagePath, mountPoint string, readOnly bool) (err error) {
	defer func() {
		if os.Getenv(inBackgroundEnvVar) != "" {
			if sigErr := daemonize.SignalOutcome(err); sigErr != nil {
				log.Printf("failed to signal outcome to parent: %v", sigErr)
			}
		}
	}()

	dev, err := blockdev.OpenFileDevice(imagePath, blockSize, readOnly)
	if err != nil {
		err = fmt.Errorf("opening image: %w", err)
		return
	}
	defer dev.Close()

	fsImpl, err := fs.New(dev, timeutil.RealClock(), readOnly)
	if err != nil {
		err = fmt.Errorf("initializing file system: %w", err)
		return
	}

	server := fuseutil.NewFileSystemServer(fsImpl)

	mountCfg := &fuse.MountConfig{
		FSName:     "blockfuse",
		Subtype:    "blockfuse",
		VolumeName: "blockfuse",
		ReadOnly:   readOnly,
	}

	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		err = fmt.Errorf("mount: %w", err)
		return
	}

	log.Printf("mounted %s at %s", imagePath, mountPoint)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	go func() {
		<-signalChan
		log.Printf("received interrupt, unmounting %s", mountPoint)
		if unmountErr := fuse.Unmount(mountPoint); unmountErr != nil {
			log.Printf("failed to unmount: %v", unmountErr)
		}
	}()

	err = mfs.Join(context.Background())
	return
}
