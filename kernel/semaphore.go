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
	"fmt"
	"time"

	"github.com/veloxos/velox/internal/syserr"
	"golang.org/x/sync/semaphore"
)

// Semaphore is a counting semaphore with a fixed capacity.
type Semaphore struct {
	sem *semaphore.Weighted
}

// NewSemaphore creates a semaphore with the given capacity and initial
// count. 0 <= initial <= capacity must hold.
func NewSemaphore(capacity int64, initial int64) (s *Semaphore) {
	if initial < 0 || initial > capacity {
		panic(fmt.Sprintf("Illegal semaphore count: %v/%v", initial, capacity))
	}

	s = &Semaphore{sem: semaphore.NewWeighted(capacity)}

	// Burn the capacity the semaphore does not start with.
	if initial < capacity {
		if err := s.sem.Acquire(context.Background(), capacity-initial); err != nil {
			panic(err)
		}
	}

	return
}

// Wait decrements the count, blocking for up to timeout (WaitForever to
// block indefinitely). Expiry returns ETIMEDOUT.
func (s *Semaphore) Wait(ctx context.Context, timeout time.Duration) (err error) {
	if timeout != WaitForever {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err = s.sem.Acquire(ctx, 1)
	if errors.Is(err, context.DeadlineExceeded) {
		err = syserr.ETIMEDOUT
	}

	return
}

// TryWait decrements the count iff that is immediately possible.
func (s *Semaphore) TryWait() bool {
	return s.sem.TryAcquire(1)
}

// Signal increments the count. Signalling past the capacity is a fatal
// error.
func (s *Semaphore) Signal() {
	s.sem.Release(1)
}
