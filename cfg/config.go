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

// Package cfg defines the boot configuration: the root mount, additional
// mounts, kernel limits, and logging targets. Values come from a YAML
// file with flag overrides.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string `yaml:"app-name" mapstructure:"app-name"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	FileSystem FileSystemConfig `yaml:"file-system" mapstructure:"file-system"`

	Kernel KernelConfig `yaml:"kernel" mapstructure:"kernel"`
}

type LoggingConfig struct {
	// Log file path; empty logs to stderr.
	FilePath string `yaml:"file-path" mapstructure:"file-path"`

	// trace, debug, info, warn, or error.
	Severity string `yaml:"severity" mapstructure:"severity"`

	FileSizeMb int `yaml:"file-size-mb" mapstructure:"file-size-mb"`

	BackupCount int `yaml:"backup-count" mapstructure:"backup-count"`
}

type FileSystemConfig struct {
	// Capacity of the root RAM file system; zero is unlimited. Accepts
	// human-readable sizes ("4MiB").
	RootMaxBytes Bytes `yaml:"root-max-bytes" mapstructure:"root-max-bytes"`

	// Byte depth of each pipe created in devfs; zero picks the kernel
	// default.
	PipeCapacity int `yaml:"pipe-capacity" mapstructure:"pipe-capacity"`

	MaxPathLength int `yaml:"max-path-length" mapstructure:"max-path-length"`

	MaxPathDepth int `yaml:"max-path-depth" mapstructure:"max-path-depth"`

	// Block cache capacity for device-backed mounts, in logical blocks.
	CacheSlots int `yaml:"cache-slots" mapstructure:"cache-slots"`

	// Enable write-back caching on device-backed mounts.
	WriteBack bool `yaml:"write-back" mapstructure:"write-back"`

	// Mounts performed after the root and /dev, in order.
	Mounts []MountConfig `yaml:"mounts" mapstructure:"mounts"`
}

type MountConfig struct {
	// One of lfs, devfs, fatfs, ext4fs.
	Type string `yaml:"type" mapstructure:"type"`

	// Backend-interpreted source; a file path for the device-backed
	// types, empty for the RAM types.
	Source string `yaml:"source" mapstructure:"source"`

	Point string `yaml:"point" mapstructure:"point"`

	Options string `yaml:"options" mapstructure:"options"`
}

type KernelConfig struct {
	MaxProcs int `yaml:"max-procs" mapstructure:"max-procs"`

	// Program spawned once the mounts are up.
	InitProgram string `yaml:"init-program" mapstructure:"init-program"`

	InitArgs string `yaml:"init-args" mapstructure:"init-args"`
}

// DefaultConfig returns the values used when the file and flags are
// silent.
func DefaultConfig() Config {
	return Config{
		AppName: "velox",
		Logging: LoggingConfig{
			Severity:    "info",
			FileSizeMb:  10,
			BackupCount: 3,
		},
		FileSystem: FileSystemConfig{
			CacheSlots: 16,
			WriteBack:  true,
		},
		Kernel: KernelConfig{
			MaxProcs:    64,
			InitProgram: "init",
		},
	}
}

// BindFlags declares the flag overrides and binds them into viper.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.StringP("log-file", "", "", "Log to this rotating file instead of stderr.")
	if err := viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "info", "Lowest severity to log: trace, debug, info, warn, error.")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("root-max-bytes", "", "0", "Capacity of the root RAM file system (0 = unlimited).")
	if err := viper.BindPFlag("file-system.root-max-bytes", flagSet.Lookup("root-max-bytes")); err != nil {
		return err
	}

	flagSet.IntP("cache-slots", "", 16, "Block cache capacity for device-backed mounts.")
	if err := viper.BindPFlag("file-system.cache-slots", flagSet.Lookup("cache-slots")); err != nil {
		return err
	}

	flagSet.BoolP("write-back", "", true, "Enable write-back caching on device-backed mounts.")
	if err := viper.BindPFlag("file-system.write-back", flagSet.Lookup("write-back")); err != nil {
		return err
	}

	flagSet.IntP("max-procs", "", 64, "Maximum concurrently running programs.")
	if err := viper.BindPFlag("kernel.max-procs", flagSet.Lookup("max-procs")); err != nil {
		return err
	}

	flagSet.StringP("init-program", "", "init", "Program spawned after the mounts are up.")
	if err := viper.BindPFlag("kernel.init-program", flagSet.Lookup("init-program")); err != nil {
		return err
	}

	flagSet.StringP("init-args", "", "", "Argument string for the init program.")
	return viper.BindPFlag("kernel.init-args", flagSet.Lookup("init-args"))
}
