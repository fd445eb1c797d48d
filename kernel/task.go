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

// Package kernel supplies the primitives the rest of the system is built
// on: mutexes with millisecond timeouts, counting semaphores, bounded
// blocking queues, a monotonic tick, sleep, and task records reached
// through the context. The contracts here are the only scheduler behavior
// anything above this package may rely on.
package kernel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// A Task is the kernel-side record for one running flow of control. Every
// goroutine spawned through Kernel.Go carries its task in its context;
// user code reaches it with CurrentTask.
type Task struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	id   uint64
	name string

	// Closed when the task function has returned.
	done chan struct{}

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Mutex

	// The most recent error observed by a system call made by this task, for
	// user code that examines it after a failed call.
	//
	// GUARDED_BY(mu)
	lastError error

	// Standard streams, working directory, and the per-program globals block
	// set up by the process runtime at spawn time.
	//
	// GUARDED_BY(mu)
	stdin   io.Reader
	stdout  io.Writer
	cwd     string
	globals any
}

// ID returns the task's kernel-wide unique identifier. Never zero.
func (t *Task) ID() uint64 {
	return t.id
}

// Name returns the name the task was spawned with.
func (t *Task) Name() string {
	return t.name
}

// Done returns a channel closed when the task's function has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// SetLastError records err in the task's last-error slot. A nil err clears
// the slot.
func (t *Task) SetLastError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastError = err
}

// LastError returns the most recently recorded error, or nil.
func (t *Task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

func (t *Task) SetStdio(stdin io.Reader, stdout io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stdin = stdin
	t.stdout = stdout
}

func (t *Task) Stdin() io.Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stdin
}

func (t *Task) Stdout() io.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stdout
}

func (t *Task) SetCwd(cwd string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cwd = cwd
}

func (t *Task) Cwd() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cwd
}

func (t *Task) SetGlobals(g any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.globals = g
}

// Globals returns the per-program globals block, or nil if the program
// declared none.
func (t *Task) Globals() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globals
}

type taskContextKey struct{}

// WithTask returns a context carrying the supplied task.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskContextKey{}, t)
}

// CurrentTask returns the task attached to the context, or nil if the
// context does not belong to a kernel task.
func CurrentTask(ctx context.Context) *Task {
	t, _ := ctx.Value(taskContextKey{}).(*Task)
	return t
}

// taskID returns the ID of the context's task, or zero for foreign
// goroutines.
func taskID(ctx context.Context) uint64 {
	if t := CurrentTask(ctx); t != nil {
		return t.id
	}
	return 0
}

////////////////////////////////////////////////////////////////////////
// Kernel
////////////////////////////////////////////////////////////////////////

// Kernel is the process-wide singleton created at boot. It owns the task
// table and the time base; every public entry point above receives a
// reference rather than touching package state.
type Kernel struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	clock timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	// The instant the kernel was created; the origin of the monotonic tick.
	origin time.Time

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The live tasks, keyed by task ID.
	//
	// INVARIANT: For all keys k, 0 < k < nextTaskID
	// INVARIANT: For all keys k, tasks[k].id == k
	//
	// GUARDED_BY(mu)
	tasks map[uint64]*Task

	// The next task ID to hand out. IDs start at one so that zero can mean
	// "no task".
	//
	// GUARDED_BY(mu)
	nextTaskID uint64
}

// NewKernel creates the kernel singleton, taking its time base from the
// supplied clock.
func NewKernel(clock timeutil.Clock) (k *Kernel) {
	k = &Kernel{
		clock:      clock,
		origin:     clock.Now(),
		tasks:      make(map[uint64]*Task),
		nextTaskID: 1,
	}

	k.mu = syncutil.NewInvariantMutex(k.checkInvariants)
	return
}

func (k *Kernel) checkInvariants() {
	// INVARIANT: For all keys k, 0 < k < nextTaskID
	for id := range k.tasks {
		if id == 0 || id >= k.nextTaskID {
			panic(fmt.Sprintf("Illegal task ID: %v", id))
		}
	}

	// INVARIANT: For all keys k, tasks[k].id == k
	for id, t := range k.tasks {
		if t.id != id {
			panic(fmt.Sprintf("ID mismatch: %v vs. %v", t.id, id))
		}
	}
}

// Clock returns the clock the kernel was created with.
func (k *Kernel) Clock() timeutil.Clock {
	return k.clock
}

// TickMs returns the number of milliseconds since boot. Monotonic as long
// as the underlying clock is.
func (k *Kernel) TickMs() int64 {
	return k.clock.Now().Sub(k.origin).Milliseconds()
}

// Sleep blocks for at least d, or until the context is cancelled.
func (k *Kernel) Sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Go spawns fn on its own goroutine with a fresh task attached to the
// context. The task is removed from the task table when fn returns.
//
// LOCKS_EXCLUDED(k.mu)
func (k *Kernel) Go(ctx context.Context, name string, fn func(ctx context.Context)) (t *Task) {
	k.mu.Lock()
	t = &Task{
		id:   k.nextTaskID,
		name: name,
		done: make(chan struct{}),
	}
	k.nextTaskID++
	k.tasks[t.id] = t
	k.mu.Unlock()

	go func() {
		defer func() {
			k.mu.Lock()
			delete(k.tasks, t.id)
			k.mu.Unlock()
			close(t.done)
		}()

		fn(WithTask(ctx, t))
	}()

	return
}

// TaskCount returns the number of live tasks.
//
// LOCKS_EXCLUDED(k.mu)
func (k *Kernel) TaskCount() (n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tasks)
}
