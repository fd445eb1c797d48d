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
	"reflect"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Bytes is a byte count that accepts human-readable strings ("512B",
// "4MiB") in the configuration file and on flags.
type Bytes int64

func (b *Bytes) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case int:
		*b = Bytes(v)
	case int64:
		*b = Bytes(v)
	case float64:
		*b = Bytes(v)
	case string:
		parsed, err := parseBytes(v)
		if err != nil {
			return err
		}
		*b = parsed
	default:
		return fmt.Errorf("byte size %v: unsupported form", raw)
	}

	return nil
}

func parseBytes(raw string) (Bytes, error) {
	if raw == "" || raw == "0" {
		return 0, nil
	}

	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("byte size %q: %w", raw, err)
	}

	return Bytes(n), nil
}

// DecodeHook teaches mapstructure (and so viper) the Bytes syntax.
func DecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(Bytes(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return parseBytes(v)
		case int:
			return Bytes(v), nil
		case int64:
			return Bytes(v), nil
		case float64:
			return Bytes(v), nil
		default:
			return data, nil
		}
	}
}
