// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor submits a task to run off the caller's goroutine. Submit
// returns immediately; the task runs once a slot is free. The returned
// cancel func aborts the task if it has not yet started running (e.g.
// still queued behind the pool's capacity); it is a no-op once the task
// is underway.
type Executor interface {
	Submit(task func()) (cancel func())
}

// Pool is a bounded worker pool backed by a weighted semaphore: at most
// Capacity tasks run concurrently, with the rest queued in arrival order
// behind the semaphore's internal FIFO.
type Pool struct {
	sem *semaphore.Weighted
	ctx context.Context
}

// NewPool returns a Pool that runs at most capacity tasks at a time.
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(capacity)), ctx: context.Background()}
}

// Submit runs task on a new goroutine once a pool slot is available. The
// returned cancel func only takes effect while the task is still waiting
// for a slot; once task has started it runs to completion regardless.
func (p *Pool) Submit(task func()) (cancel func()) {
	ctx, cancelFn := context.WithCancel(p.ctx)
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		task()
	}()
	return cancelFn
}

// TryAcquire reports whether a slot is immediately available without
// blocking or queuing, releasing it back right away. It lets callers
// expose pool saturation as a counter without perturbing FIFO ordering
// for real submissions.
func (p *Pool) TryAcquire() bool {
	if p.sem.TryAcquire(1) {
		p.sem.Release(1)
		return true
	}
	return false
}
