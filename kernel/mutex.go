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

package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/veloxos/velox/internal/syserr"
)

// WaitForever is the max-delay sentinel meaning "block indefinitely".
const WaitForever time.Duration = -1

// forceLockRetry is the short timeout ForceLock retries with.
const forceLockRetry = 10 * time.Millisecond

// Mutex is a non-recursive mutex whose acquisition takes a timeout. Expiry
// is a recoverable failure, not a fatal error.
//
// The zero value is not usable; call NewMutex.
type Mutex struct {
	// Holds one token when the mutex is unlocked; acquiring receives it.
	ch chan struct{}
}

func NewMutex() (m *Mutex) {
	m = &Mutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return
}

// Lock acquires the mutex, giving up after the supplied timeout with
// ETIMEDOUT, or when the context is cancelled. A timeout of WaitForever
// blocks until acquisition or cancellation.
func (m *Mutex) Lock(ctx context.Context, timeout time.Duration) (err error) {
	if timeout == WaitForever {
		select {
		case <-m.ch:
			return
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-m.ch:
		return
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-m.ch:
		return
	case <-t.C:
		return syserr.ETIMEDOUT
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the mutex iff it is immediately available.
func (m *Mutex) TryLock() (ok bool) {
	select {
	case <-m.ch:
		return true
	default:
		return false
	}
}

// ForceLock retries with a short timeout until the mutex is acquired. Use
// only on paths where giving up would leak an invariant; it cannot fail and
// it ignores cancellation.
func (m *Mutex) ForceLock() {
	for {
		select {
		case <-m.ch:
			return
		case <-time.After(forceLockRetry):
		}
	}
}

// Unlock releases the mutex. Unlocking an unlocked mutex is a fatal error.
func (m *Mutex) Unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("kernel: unlock of an unlocked mutex")
	}
}

////////////////////////////////////////////////////////////////////////
// RecursiveMutex
////////////////////////////////////////////////////////////////////////

// RecursiveMutex is reentrant per task: the task that holds it may lock it
// again, and must unlock once per lock. Reentry is modelled explicitly with
// an owner task ID and a depth counter. Callers without a task in their
// context get plain (non-reentrant) mutex behavior.
type RecursiveMutex struct {
	inner *Mutex

	// Protects owner and depth.
	stateMu sync.Mutex

	// The ID of the task holding inner, or zero.
	//
	// GUARDED_BY(stateMu)
	owner uint64

	// The number of unlocks the owner owes.
	//
	// INVARIANT: owner == 0 => depth == 0
	//
	// GUARDED_BY(stateMu)
	depth int
}

func NewRecursiveMutex() *RecursiveMutex {
	return &RecursiveMutex{inner: NewMutex()}
}

// Lock acquires the mutex with the same timeout contract as Mutex.Lock,
// except that the owning task re-acquires immediately.
func (m *RecursiveMutex) Lock(ctx context.Context, timeout time.Duration) (err error) {
	id := taskID(ctx)

	m.stateMu.Lock()
	if id != 0 && m.owner == id {
		m.depth++
		m.stateMu.Unlock()
		return
	}
	m.stateMu.Unlock()

	if err = m.inner.Lock(ctx, timeout); err != nil {
		return
	}

	m.stateMu.Lock()
	m.owner = id
	m.depth = 1
	m.stateMu.Unlock()

	return
}

// ForceLock is the retry-forever variant of Lock.
func (m *RecursiveMutex) ForceLock(ctx context.Context) {
	id := taskID(ctx)

	m.stateMu.Lock()
	if id != 0 && m.owner == id {
		m.depth++
		m.stateMu.Unlock()
		return
	}
	m.stateMu.Unlock()

	m.inner.ForceLock()

	m.stateMu.Lock()
	m.owner = id
	m.depth = 1
	m.stateMu.Unlock()
}

// Unlock releases one level of the lock. Unlocking from a task that is not
// the owner is a fatal error.
func (m *RecursiveMutex) Unlock(ctx context.Context) {
	id := taskID(ctx)

	m.stateMu.Lock()
	if m.depth == 0 {
		m.stateMu.Unlock()
		panic("kernel: unlock of an unlocked recursive mutex")
	}

	if m.owner != id {
		m.stateMu.Unlock()
		panic("kernel: recursive mutex unlocked by non-owner")
	}

	m.depth--
	release := m.depth == 0
	if release {
		m.owner = 0
	}
	m.stateMu.Unlock()

	if release {
		m.inner.Unlock()
	}
}
