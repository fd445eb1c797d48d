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
	"errors"
	"sync"
	"time"

	"github.com/veloxos/velox/internal/syserr"
)

// ErrQueueClosed is returned by queue operations after Close: sends fail
// immediately, receives fail once the queue has drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded blocking queue. Send and Receive block with a
// configurable max-delay; WaitForever means block indefinitely. Closing
// poisons the queue: pending and future receives drain the remaining items
// and then report ErrQueueClosed.
type Queue[T any] struct {
	ch chan T

	// Closed by Close to wake blocked senders and receivers.
	done chan struct{}

	closeOnce sync.Once
}

// NewQueue creates a queue holding up to capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues v, blocking for up to maxDelay for space.
func (q *Queue[T]) Send(ctx context.Context, v T, maxDelay time.Duration) (err error) {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	if maxDelay == WaitForever {
		select {
		case q.ch <- v:
			return
		case <-q.done:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t := time.NewTimer(maxDelay)
	defer t.Stop()

	select {
	case q.ch <- v:
		return
	case <-q.done:
		return ErrQueueClosed
	case <-t.C:
		return syserr.ETIMEDOUT
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues one item, blocking for up to maxDelay for one to
// arrive. After Close, remaining items are still delivered; once drained,
// Receive returns ErrQueueClosed.
func (q *Queue[T]) Receive(ctx context.Context, maxDelay time.Duration) (v T, err error) {
	// Fast path: an item is already queued. This also implements the
	// drain-after-close guarantee.
	select {
	case v = <-q.ch:
		return
	default:
	}

	if maxDelay == WaitForever {
		select {
		case v = <-q.ch:
			return
		case <-q.done:
			return q.drain()
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
	}

	t := time.NewTimer(maxDelay)
	defer t.Stop()

	select {
	case v = <-q.ch:
		return
	case <-q.done:
		return q.drain()
	case <-t.C:
		err = syserr.ETIMEDOUT
		return
	case <-ctx.Done():
		err = ctx.Err()
		return
	}
}

// drain races a closed queue against items still buffered: prefer the
// items.
func (q *Queue[T]) drain() (v T, err error) {
	select {
	case v = <-q.ch:
		return
	default:
		err = ErrQueueClosed
		return
	}
}

// Len returns the number of items currently queued.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue's capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Close poisons the queue. Idempotent.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
