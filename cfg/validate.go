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

package cfg

import (
	"fmt"
	"strings"
)

var validSeverities = map[string]bool{
	"":        true,
	"trace":   true,
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validFSTypes = map[string]bool{
	"lfs":    true,
	"devfs":  true,
	"fatfs":  true,
	"ext4fs": true,
}

// Validate rejects configurations the kernel could not boot with.
func Validate(c *Config) error {
	if !validSeverities[strings.ToLower(c.Logging.Severity)] {
		return fmt.Errorf("unknown log severity %q", c.Logging.Severity)
	}

	if c.FileSystem.RootMaxBytes < 0 {
		return fmt.Errorf("negative root-max-bytes %d", c.FileSystem.RootMaxBytes)
	}

	if c.FileSystem.CacheSlots <= 0 {
		return fmt.Errorf("cache-slots must be positive, got %d", c.FileSystem.CacheSlots)
	}

	if c.FileSystem.MaxPathLength < 0 || c.FileSystem.MaxPathDepth < 0 {
		return fmt.Errorf("negative path limits")
	}

	if c.Kernel.MaxProcs <= 0 {
		return fmt.Errorf("max-procs must be positive, got %d", c.Kernel.MaxProcs)
	}

	for i, m := range c.FileSystem.Mounts {
		if !validFSTypes[m.Type] {
			return fmt.Errorf("mount %d: unknown file system type %q", i, m.Type)
		}

		if !strings.HasPrefix(m.Point, "/") {
			return fmt.Errorf("mount %d: point %q is not absolute", i, m.Point)
		}

		if (m.Type == "fatfs" || m.Type == "ext4fs") && m.Source == "" {
			return fmt.Errorf("mount %d: %s requires a source", i, m.Type)
		}
	}

	return nil
}
