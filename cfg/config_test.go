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

package cfg_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veloxos/velox/cfg"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigValidates(t *testing.T) {
	c := cfg.DefaultConfig()
	assert.NoError(t, cfg.Validate(&c))
}

func TestYAMLDecoding(t *testing.T) {
	const doc = `
app-name: board
logging:
  severity: debug
file-system:
  root-max-bytes: 4MiB
  cache-slots: 8
  mounts:
    - type: ext4fs
      source: /dev/sda1
      point: /data
      options: ro
kernel:
  max-procs: 8
  init-program: initd
`

	c := cfg.DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte(doc), &c))

	assert.Equal(t, "board", c.AppName)
	assert.Equal(t, "debug", c.Logging.Severity)
	assert.Equal(t, cfg.Bytes(4<<20), c.FileSystem.RootMaxBytes)
	assert.Equal(t, 8, c.FileSystem.CacheSlots)
	assert.Equal(t, 8, c.Kernel.MaxProcs)
	assert.Equal(t, "initd", c.Kernel.InitProgram)

	require.Len(t, c.FileSystem.Mounts, 1)
	m := c.FileSystem.Mounts[0]
	assert.Equal(t, "ext4fs", m.Type)
	assert.Equal(t, "/dev/sda1", m.Source)
	assert.Equal(t, "/data", m.Point)
	assert.Equal(t, "ro", m.Options)

	assert.NoError(t, cfg.Validate(&c))
}

func TestByteSizeForms(t *testing.T) {
	cases := map[string]cfg.Bytes{
		"root-max-bytes: 512":    512,
		"root-max-bytes: 512B":   512,
		"root-max-bytes: 4KiB":   4096,
		"root-max-bytes: 2MiB":   2 << 20,
		"root-max-bytes: \"0\"":  0,
	}

	for doc, want := range cases {
		var fsc cfg.FileSystemConfig
		require.NoError(t, yaml.Unmarshal([]byte(doc), &fsc), "doc %q", doc)
		assert.Equal(t, want, fsc.RootMaxBytes, "doc %q", doc)
	}
}

func TestValidateRejections(t *testing.T) {
	base := cfg.DefaultConfig()

	c := base
	c.Logging.Severity = "loud"
	assert.Error(t, cfg.Validate(&c))

	c = base
	c.FileSystem.CacheSlots = 0
	assert.Error(t, cfg.Validate(&c))

	c = base
	c.Kernel.MaxProcs = 0
	assert.Error(t, cfg.Validate(&c))

	c = base
	c.FileSystem.Mounts = []cfg.MountConfig{{Type: "ntfs", Point: "/w"}}
	assert.Error(t, cfg.Validate(&c))

	c = base
	c.FileSystem.Mounts = []cfg.MountConfig{{Type: "fatfs", Point: "relative"}}
	assert.Error(t, cfg.Validate(&c))

	c = base
	c.FileSystem.Mounts = []cfg.MountConfig{{Type: "ext4fs", Point: "/d"}}
	assert.Error(t, cfg.Validate(&c))
}

func TestDecodeHookParsesStrings(t *testing.T) {
	hook, ok := cfg.DecodeHook().(func(reflect.Type, reflect.Type, any) (any, error))
	require.True(t, ok)

	got, err := hook(reflect.TypeOf(""), reflect.TypeOf(cfg.Bytes(0)), "1KiB")
	require.NoError(t, err)
	assert.Equal(t, cfg.Bytes(1024), got)

	// The YAML form parses the same way.
	var fsc cfg.FileSystemConfig
	require.NoError(t, yaml.Unmarshal([]byte("root-max-bytes: 1KiB"), &fsc))
	assert.Equal(t, cfg.Bytes(1024), fsc.RootMaxBytes)
}
