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

package kernel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
	"github.com/veloxos/velox/internal/syserr"
	"github.com/veloxos/velox/kernel"
)

func TestKernel(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type KernelTest struct {
	ctx context.Context
	k   *kernel.Kernel
}

func init() { RegisterTestSuite(&KernelTest{}) }

func (t *KernelTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
	t.k = kernel.NewKernel(timeutil.RealClock())
}

////////////////////////////////////////////////////////////////////////
// Mutexes
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) MutexLockUnlock() {
	m := kernel.NewMutex()

	AssertEq(nil, m.Lock(t.ctx, kernel.WaitForever))
	m.Unlock()

	AssertEq(nil, m.Lock(t.ctx, 10*time.Millisecond))
	m.Unlock()
}

func (t *KernelTest) MutexTimesOutWhenHeld() {
	m := kernel.NewMutex()
	AssertEq(nil, m.Lock(t.ctx, kernel.WaitForever))

	err := m.Lock(t.ctx, 5*time.Millisecond)
	ExpectTrue(errors.Is(err, syserr.ETIMEDOUT))

	m.Unlock()
}

func (t *KernelTest) MutexTryLock() {
	m := kernel.NewMutex()

	ExpectTrue(m.TryLock())
	ExpectFalse(m.TryLock())
	m.Unlock()
	ExpectTrue(m.TryLock())
	m.Unlock()
}

func (t *KernelTest) ForceLockEventuallyAcquires() {
	m := kernel.NewMutex()
	AssertEq(nil, m.Lock(t.ctx, kernel.WaitForever))

	acquired := make(chan struct{})
	go func() {
		m.ForceLock()
		close(acquired)
	}()

	time.Sleep(30 * time.Millisecond)
	m.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		AddFailure("ForceLock did not acquire")
	}

	m.Unlock()
}

func (t *KernelTest) RecursiveMutexReenters() {
	m := kernel.NewRecursiveMutex()

	done := make(chan struct{})
	t.k.Go(t.ctx, "reenter", func(ctx context.Context) {
		defer close(done)

		AssertEq(nil, m.Lock(ctx, kernel.WaitForever))
		AssertEq(nil, m.Lock(ctx, kernel.WaitForever))
		m.Unlock(ctx)
		m.Unlock(ctx)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		AddFailure("Reentrant lock deadlocked")
	}
}

func (t *KernelTest) RecursiveMutexExcludesOtherTasks() {
	m := kernel.NewRecursiveMutex()

	hold := make(chan struct{})
	held := make(chan struct{})
	t.k.Go(t.ctx, "holder", func(ctx context.Context) {
		AssertEq(nil, m.Lock(ctx, kernel.WaitForever))
		close(held)
		<-hold
		m.Unlock(ctx)
	})

	<-held

	result := make(chan error, 1)
	t.k.Go(t.ctx, "contender", func(ctx context.Context) {
		result <- m.Lock(ctx, 10*time.Millisecond)
	})

	err := <-result
	ExpectTrue(errors.Is(err, syserr.ETIMEDOUT))

	close(hold)
}

////////////////////////////////////////////////////////////////////////
// Semaphores
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) SemaphoreCounts() {
	s := kernel.NewSemaphore(2, 2)

	AssertEq(nil, s.Wait(t.ctx, kernel.WaitForever))
	AssertEq(nil, s.Wait(t.ctx, kernel.WaitForever))

	err := s.Wait(t.ctx, 5*time.Millisecond)
	ExpectTrue(errors.Is(err, syserr.ETIMEDOUT))

	s.Signal()
	AssertEq(nil, s.Wait(t.ctx, kernel.WaitForever))

	s.Signal()
	s.Signal()
}

func (t *KernelTest) SemaphoreStartsAtInitialCount() {
	s := kernel.NewSemaphore(2, 0)

	err := s.Wait(t.ctx, 5*time.Millisecond)
	ExpectTrue(errors.Is(err, syserr.ETIMEDOUT))

	s.Signal()
	AssertEq(nil, s.Wait(t.ctx, kernel.WaitForever))
}

////////////////////////////////////////////////////////////////////////
// Queues
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) QueueSendReceive() {
	q := kernel.NewQueue[int](2)

	AssertEq(nil, q.Send(t.ctx, 17, kernel.WaitForever))
	AssertEq(nil, q.Send(t.ctx, 19, kernel.WaitForever))
	ExpectEq(2, q.Len())

	v, err := q.Receive(t.ctx, kernel.WaitForever)
	AssertEq(nil, err)
	ExpectEq(17, v)

	v, err = q.Receive(t.ctx, kernel.WaitForever)
	AssertEq(nil, err)
	ExpectEq(19, v)
}

func (t *KernelTest) QueueSendTimesOutWhenFull() {
	q := kernel.NewQueue[int](1)
	AssertEq(nil, q.Send(t.ctx, 1, kernel.WaitForever))

	err := q.Send(t.ctx, 2, 5*time.Millisecond)
	ExpectTrue(errors.Is(err, syserr.ETIMEDOUT))
}

func (t *KernelTest) QueueReceiveTimesOutWhenEmpty() {
	q := kernel.NewQueue[int](1)

	_, err := q.Receive(t.ctx, 5*time.Millisecond)
	ExpectTrue(errors.Is(err, syserr.ETIMEDOUT))
}

func (t *KernelTest) ClosedQueueDrainsThenReportsClosure() {
	q := kernel.NewQueue[int](4)
	AssertEq(nil, q.Send(t.ctx, 1, kernel.WaitForever))
	AssertEq(nil, q.Send(t.ctx, 2, kernel.WaitForever))

	q.Close()

	v, err := q.Receive(t.ctx, kernel.WaitForever)
	AssertEq(nil, err)
	ExpectEq(1, v)

	v, err = q.Receive(t.ctx, kernel.WaitForever)
	AssertEq(nil, err)
	ExpectEq(2, v)

	_, err = q.Receive(t.ctx, kernel.WaitForever)
	ExpectTrue(errors.Is(err, kernel.ErrQueueClosed))

	err = q.Send(t.ctx, 3, kernel.WaitForever)
	ExpectTrue(errors.Is(err, kernel.ErrQueueClosed))
}

////////////////////////////////////////////////////////////////////////
// Pipes
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) PipeMovesBytes() {
	p := kernel.NewPipe(8)

	n, err := p.Write(t.ctx, []byte("hello"))
	AssertEq(nil, err)
	AssertEq(5, n)

	ExpectEq(5, p.Len())

	buf := make([]byte, 5)
	n, err = p.Read(t.ctx, buf)
	AssertEq(nil, err)
	AssertEq(5, n)
	ExpectEq("hello", string(buf))
}

func (t *KernelTest) PipeEOFAfterClose() {
	p := kernel.NewPipe(8)

	_, err := p.Write(t.ctx, []byte("xy"))
	AssertEq(nil, err)

	p.Close()

	buf := make([]byte, 4)
	n, err := p.Read(t.ctx, buf)
	AssertEq(nil, err)
	AssertEq(2, n)

	n, err = p.Read(t.ctx, buf)
	AssertEq(nil, err)
	ExpectEq(0, n)
}

func (t *KernelTest) PipeBlocksReaderUntilWriter() {
	p := kernel.NewPipe(8)

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 5)
		n, err := p.Read(context.Background(), buf)
		if err != nil || n != 5 {
			got <- ""
			return
		}
		got <- string(buf)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := p.Write(t.ctx, []byte("hello"))
	AssertEq(nil, err)

	select {
	case s := <-got:
		ExpectEq("hello", s)
	case <-time.After(time.Second):
		AddFailure("Reader never completed")
	}
}

////////////////////////////////////////////////////////////////////////
// Tasks and time
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) TickAdvances() {
	clock := &timeutil.SimulatedClock{}
	k := kernel.NewKernel(clock)

	ExpectEq(0, k.TickMs())

	clock.AdvanceTime(1500 * time.Millisecond)
	ExpectEq(1500, k.TickMs())
}

func (t *KernelTest) CurrentTaskVisibleInsideTask() {
	done := make(chan *kernel.Task, 1)
	spawned := t.k.Go(t.ctx, "prog", func(ctx context.Context) {
		done <- kernel.CurrentTask(ctx)
	})

	inside := <-done
	ExpectEq(spawned, inside)
	ExpectEq("prog", inside.Name())
	ExpectNe(0, inside.ID())
}

func (t *KernelTest) TaskRemovedOnExit() {
	tk := t.k.Go(t.ctx, "short", func(ctx context.Context) {})
	<-tk.Done()

	// The table update races the done channel by a hair; poll briefly.
	deadline := time.Now().Add(time.Second)
	for t.k.TaskCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ExpectEq(0, t.k.TaskCount())
}

func (t *KernelTest) LastErrorSlot() {
	tk := t.k.Go(t.ctx, "errs", func(ctx context.Context) {
		kernel.CurrentTask(ctx).SetLastError(syserr.ENOENT)
	})
	<-tk.Done()

	ExpectTrue(errors.Is(tk.LastError(), syserr.ENOENT))
}
