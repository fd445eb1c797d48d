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

// velox boots the kernel core on the host: it mounts the standard file
// systems per the configuration and runs the init program.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/veloxos/velox/cfg"
	"github.com/veloxos/velox/internal/logger"
	"github.com/veloxos/velox/proc"
)

var (
	cfgFile string
	bindErr error
	config  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "velox [flags]",
	Short: "Boot the velox kernel core",
	Long: `Boots the velox kernel core on the host: creates the kernel
singleton, mounts the root file system and /dev, performs the configured
mounts, and spawns the init program.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}

		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config: %w", err)
			}
		}

		config = cfg.DefaultConfig()
		if err := viper.Unmarshal(&config, viper.DecodeHook(cfg.DecodeHook())); err != nil {
			return fmt.Errorf("decoding config: %w", err)
		}

		if err := cfg.Validate(&config); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the boot configuration file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func run() (err error) {
	logger.Setup(
		config.Logging.FilePath,
		config.Logging.Severity,
		config.Logging.FileSizeMb,
		config.Logging.BackupCount)

	ctx := context.Background()
	clock := timeutil.RealClock()

	registry := proc.NewRegistry()

	s, err := newSystem(ctx, clock, config, registry)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer s.shutdown(ctx)

	registerInit(registry, s.vfs)

	p, err := s.procs.Spawn(
		ctx,
		config.Kernel.InitProgram,
		config.Kernel.InitArgs,
		"/",
		os.Stdin,
		os.Stdout)
	if err != nil {
		return fmt.Errorf("spawning %q: %w", config.Kernel.InitProgram, err)
	}

	code, status, err := s.procs.Wait(ctx, p)
	if err != nil {
		return fmt.Errorf("waiting for init: %w", err)
	}

	logger.Infof("Init ended: status %v, code %d", status, code)
	if code != 0 {
		os.Exit(code)
	}

	return
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
