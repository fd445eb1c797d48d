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

package proc

import (
	"fmt"

	"github.com/veloxos/velox/internal/syserr"
)

// Tokenize splits an argument string into an argv table. Substrings in
// single or double quotes are atomic tokens; a backslash passes the next
// byte literally, inside or outside quotes. A mismatched quote is an
// error.
func Tokenize(s string) (args []string, err error) {
	var cur []byte
	inToken := false
	var quote byte

	flush := func() {
		if inToken {
			args = append(args, string(cur))
			cur = cur[:0]
			inToken = false
		}
	}

	for i := 0; i < len(s); {
		c := s[i]

		if quote != 0 {
			switch {
			case c == '\\' && i+1 < len(s):
				cur = append(cur, s[i+1])
				i += 2

			case c == quote:
				quote = 0
				i++

			default:
				cur = append(cur, c)
				i++
			}

			continue
		}

		switch {
		case c == ' ' || c == '\t':
			flush()
			i++

		case c == '\'' || c == '"':
			quote = c
			inToken = true
			i++

		case c == '\\' && i+1 < len(s):
			cur = append(cur, s[i+1])
			inToken = true
			i += 2

		default:
			cur = append(cur, c)
			inToken = true
			i++
		}
	}

	if quote != 0 {
		err = fmt.Errorf("unterminated %q quote: %w", string(quote), syserr.EINVAL)
		return
	}

	flush()
	return
}
