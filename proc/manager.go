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
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jacobsa/syncutil"
	"github.com/veloxos/velox/internal/logger"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/kernel"
)

// Pid identifies a process in the table.
type Pid uint32

// Process is the kernel-side record for one spawned program.
type Process struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	pid  Pid
	name string
	args []string

	// The task running Main; nil when spawn failed before task creation.
	task *kernel.Task

	// Cancels the task's context; Kill's advisory mechanism.
	cancel context.CancelFunc

	// Closed on the transition to a terminal status.
	done chan struct{}

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Mutex

	// GUARDED_BY(mu)
	status Status

	// Valid once status is StatusEnded.
	//
	// GUARDED_BY(mu)
	exitCode int
}

func (p *Process) Pid() Pid       { return p.pid }
func (p *Process) Name() string   { return p.name }
func (p *Process) Args() []string { return p.args }

// Task returns the task running the program, or nil if spawn failed
// before one was created.
func (p *Process) Task() *kernel.Task { return p.task }

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ExitCode returns the value Main returned; meaningful only once the
// status is StatusEnded.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) setTerminal(status Status, exitCode int) {
	p.mu.Lock()
	if p.status.Terminal() {
		p.mu.Unlock()
		panic(fmt.Sprintf("Process %d already terminal: %v", p.pid, p.status))
	}

	p.status = status
	p.exitCode = exitCode
	p.mu.Unlock()

	close(p.done)
}

////////////////////////////////////////////////////////////////////////
// Manager
////////////////////////////////////////////////////////////////////////

// ManagerConfig bounds the process table.
type ManagerConfig struct {
	// Maximum concurrently running processes; the scheduler refuses task
	// creation beyond it. Zero means the default (64).
	MaxProcs int
}

const defaultMaxProcs = 64

// Manager owns the process table.
type Manager struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	kernel   *kernel.Kernel
	registry *Registry

	/////////////////////////
	// Constant data
	/////////////////////////

	maxProcs int

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The process table, running and not yet reaped.
	//
	// INVARIANT: For all keys k, 0 < k < nextPid
	// INVARIANT: For all keys k, procs[k].pid == k
	//
	// GUARDED_BY(mu)
	procs map[Pid]*Process

	// GUARDED_BY(mu)
	nextPid Pid
}

func NewManager(k *kernel.Kernel, registry *Registry, cfg ManagerConfig) (m *Manager) {
	if cfg.MaxProcs == 0 {
		cfg.MaxProcs = defaultMaxProcs
	}

	m = &Manager{
		kernel:   k,
		registry: registry,
		maxProcs: cfg.MaxProcs,
		procs:    make(map[Pid]*Process),
		nextPid:  1,
	}

	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)
	return
}

func (m *Manager) checkInvariants() {
	// INVARIANT: For all keys k, 0 < k < nextPid
	for pid := range m.procs {
		if pid == 0 || pid >= m.nextPid {
			panic(fmt.Sprintf("Illegal pid: %v", pid))
		}
	}

	// INVARIANT: For all keys k, procs[k].pid == k
	for pid, p := range m.procs {
		if p.pid != pid {
			panic(fmt.Sprintf("Pid mismatch: %v vs. %v", p.pid, pid))
		}
	}
}

// Spawn starts the named program with the given argument string, working
// directory, and standard streams. An unknown program name returns ENOENT
// and no process. Otherwise the returned process is always entered into the
// table; when err is non-nil its status records which stage failed.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Manager) Spawn(
	ctx context.Context,
	name string,
	argStr string,
	cwd string,
	stdin io.Reader,
	stdout io.Writer) (p *Process, err error) {
	// Look up the program.
	prog, ok := m.registry.lookup(name)
	if !ok {
		err = fmt.Errorf("program %q: %w", name, syserr.ENOENT)
		return
	}

	// Enter a record.
	m.mu.Lock()
	p = &Process{
		pid:  m.nextPid,
		name: name,
		done: make(chan struct{}),
	}
	m.nextPid++
	m.procs[p.pid] = p

	running := 0
	for _, other := range m.procs {
		if other.Status() == StatusRunning && other != p {
			running++
		}
	}
	m.mu.Unlock()

	// Tokenize the argument string.
	args, err := Tokenize(argStr)
	if err != nil {
		p.setTerminal(StatusArgError, 0)
		err = fmt.Errorf("Tokenize: %w", err)
		return
	}
	p.args = args

	// Allocate the globals block.
	var globals any
	if prog.NewGlobals != nil {
		if globals, err = prog.NewGlobals(); err != nil {
			p.setTerminal(StatusNoMem, 0)
			err = fmt.Errorf("NewGlobals: %w", err)
			return
		}
	}

	// Create the task.
	if running >= m.maxProcs {
		p.setTerminal(StatusSpawnError, 0)
		err = fmt.Errorf("%d processes running: %w", running, syserr.ENOMEM)
		return
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.task = m.kernel.Go(taskCtx, name, func(ctx context.Context) {
		t := kernel.CurrentTask(ctx)
		t.SetStdio(stdin, stdout)
		t.SetCwd(cwd)
		t.SetGlobals(globals)

		code := prog.Main(ctx, args)
		p.setTerminal(StatusEnded, code)
		logger.Debugf("Program %q (pid %d) ended with code %d", name, p.pid, code)
	})

	return
}

// Lookup returns the process with the given pid, if it is still in the
// table.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Manager) Lookup(pid Pid) (p *Process, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok = m.procs[pid]
	return
}

// Kill requests termination of the process. Advisory: the program's
// context is cancelled and its backends see force-close during teardown;
// a program that ignores its context keeps running.
func (m *Manager) Kill(p *Process) {
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until the process reaches a terminal status, then reaps its
// table entry and returns the exit code and status.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Manager) Wait(ctx context.Context, p *Process) (exitCode int, status Status, err error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		err = ctx.Err()
		return
	}

	m.mu.Lock()
	delete(m.procs, p.pid)
	m.mu.Unlock()

	exitCode = p.ExitCode()
	status = p.Status()
	return
}

// Count returns the number of processes in the table.
//
// LOCKS_EXCLUDED(m.mu)
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}
