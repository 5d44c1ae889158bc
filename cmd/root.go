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

// Package cmd implements the blockfuse command-line surface: format and
// mount subcommands over a cobra root, with per-invocation config bound
// through viper.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "blockfuse",
	Short: "Mount or format a blockfuse disk image",
	Long: `blockfuse is a FUSE adapter for a simple block-structured,
POSIX-ish file system. Use "blockfuse format" to lay out a new image and
"blockfuse mount" to serve one over FUSE.`,
}

// Execute runs the root command, exiting the process on error (mirrors the
// teacher's own Execute()).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(mountCmd)
}

func initConfig() {
	if cfgFile == "" {
		viper.SetEnvPrefix("BLOCKFUSE")
		viper.AutomaticEnv()
		return
	}

	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "reading config file %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}
