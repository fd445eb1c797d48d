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

package proc_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/kernel"
	"github.com/veloxos/velox/proc"
)

////////////////////////////////////////////////////////////////////////
// Tokenizer
////////////////////////////////////////////////////////////////////////

func TestTokenize(t *testing.T) {
	cases := []struct {
		input string
		want  []string
	}{
		{``, nil},
		{`   `, nil},
		{`foo`, []string{"foo"}},
		{`foo bar`, []string{"foo", "bar"}},
		{`   foo  "hello world"  bar\ baz `, []string{"foo", "hello world", "bar baz"}},
		{`'single quoted'`, []string{"single quoted"}},
		{`a 'b "c" d' e`, []string{"a", `b "c" d`, "e"}},
		{`esc\"aped`, []string{`esc"aped`}},
		{`"in \" quotes"`, []string{`in " quotes`}},
		{`""`, []string{""}},
		{"tab\tsplit", []string{"tab", "split"}},
	}

	for _, tc := range cases {
		got, err := proc.Tokenize(tc.input)
		require.NoError(t, err, "input %q", tc.input)
		assert.Equal(t, tc.want, got, "input %q", tc.input)
	}
}

func TestTokenizeMismatchedQuote(t *testing.T) {
	for _, input := range []string{`"unterminated`, `'lonely`, `a "b c`} {
		_, err := proc.Tokenize(input)
		require.Error(t, err, "input %q", input)
		assert.ErrorIs(t, err, syserr.EINVAL, "input %q", input)
	}
}

////////////////////////////////////////////////////////////////////////
// Spawn and the process table
////////////////////////////////////////////////////////////////////////

func newManager(t *testing.T, maxProcs int) (*proc.Manager, *proc.Registry) {
	t.Helper()
	registry := proc.NewRegistry()
	k := kernel.NewKernel(timeutil.RealClock())
	return proc.NewManager(k, registry, proc.ManagerConfig{MaxProcs: maxProcs}), registry
}

func TestSpawnRunsProgram(t *testing.T) {
	m, registry := newManager(t, 0)

	var out bytes.Buffer
	registry.Register(proc.Program{
		Name: "greet",
		Main: func(ctx context.Context, args []string) int {
			task := kernel.CurrentTask(ctx)
			task.Stdout().Write([]byte("hi " + strings.Join(args, ",")))
			if task.Cwd() != "/home" {
				return 3
			}
			return 42
		},
	})

	p, err := m.Spawn(context.Background(), "greet", `alpha "b c"`, "/home", nil, &out)
	require.NoError(t, err)

	code, status, err := m.Wait(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, proc.StatusEnded, status)
	assert.Equal(t, 42, code)
	assert.Equal(t, "hi alpha,b c", out.String())
	assert.Equal(t, 0, m.Count())
}

func TestSpawnUnknownProgram(t *testing.T) {
	m, _ := newManager(t, 0)

	_, err := m.Spawn(context.Background(), "nope", "", "/", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, syserr.ENOENT)
}

func TestSpawnArgumentError(t *testing.T) {
	m, registry := newManager(t, 0)
	registry.Register(proc.Program{
		Name: "p",
		Main: func(ctx context.Context, args []string) int { return 0 },
	})

	p, err := m.Spawn(context.Background(), "p", `"unterminated`, "/", nil, nil)
	require.Error(t, err)
	require.NotNil(t, p)
	assert.Equal(t, proc.StatusArgError, p.Status())
	assert.True(t, p.Status().Terminal())
}

func TestSpawnGlobalsFailure(t *testing.T) {
	m, registry := newManager(t, 0)
	registry.Register(proc.Program{
		Name: "p",
		Main: func(ctx context.Context, args []string) int { return 0 },
		NewGlobals: func() (any, error) {
			return nil, syserr.ENOMEM
		},
	})

	p, err := m.Spawn(context.Background(), "p", "", "/", nil, nil)
	require.Error(t, err)
	assert.Equal(t, proc.StatusNoMem, p.Status())
}

func TestGlobalsReachableFromTask(t *testing.T) {
	m, registry := newManager(t, 0)

	type globals struct{ counter int }

	got := make(chan int, 1)
	registry.Register(proc.Program{
		Name: "p",
		Main: func(ctx context.Context, args []string) int {
			g := kernel.CurrentTask(ctx).Globals().(*globals)
			g.counter++
			got <- g.counter
			return 0
		},
		NewGlobals: func() (any, error) {
			// Zero-valued, sized per program.
			return &globals{}, nil
		},
	})

	p, err := m.Spawn(context.Background(), "p", "", "/", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, <-got)

	_, _, err = m.Wait(context.Background(), p)
	require.NoError(t, err)
}

func TestSpawnErrorWhenTableFull(t *testing.T) {
	m, registry := newManager(t, 1)

	release := make(chan struct{})
	registry.Register(proc.Program{
		Name: "sleeper",
		Main: func(ctx context.Context, args []string) int {
			<-release
			return 0
		},
	})

	first, err := m.Spawn(context.Background(), "sleeper", "", "/", nil, nil)
	require.NoError(t, err)

	second, err := m.Spawn(context.Background(), "sleeper", "", "/", nil, nil)
	require.Error(t, err)
	assert.Equal(t, proc.StatusSpawnError, second.Status())

	close(release)

	_, status, err := m.Wait(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, proc.StatusEnded, status)

	// The failed record reaps too.
	_, status, err = m.Wait(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, proc.StatusSpawnError, status)
	assert.Equal(t, 0, m.Count())
}

func TestKillCancelsContext(t *testing.T) {
	m, registry := newManager(t, 0)

	registry.Register(proc.Program{
		Name: "waiter",
		Main: func(ctx context.Context, args []string) int {
			<-ctx.Done()
			return 130
		},
	})

	p, err := m.Spawn(context.Background(), "waiter", "", "/", nil, nil)
	require.NoError(t, err)

	m.Kill(p)

	code, status, err := m.Wait(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, proc.StatusEnded, status)
	assert.Equal(t, 130, code)
}

func TestLookup(t *testing.T) {
	m, registry := newManager(t, 0)

	release := make(chan struct{})
	registry.Register(proc.Program{
		Name: "sleeper",
		Main: func(ctx context.Context, args []string) int {
			<-release
			return 0
		},
	})

	p, err := m.Spawn(context.Background(), "sleeper", "", "/", nil, nil)
	require.NoError(t, err)

	found, ok := m.Lookup(p.Pid())
	require.True(t, ok)
	assert.Equal(t, p, found)
	assert.Equal(t, "sleeper", found.Name())
	assert.Equal(t, proc.StatusRunning, found.Status())

	close(release)
	_, _, err = m.Wait(context.Background(), p)
	require.NoError(t, err)

	_, ok = m.Lookup(p.Pid())
	assert.False(t, ok)
}
