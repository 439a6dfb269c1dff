// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package workerpool runs upload tasks on a bounded number of goroutines.
//
// Submit never blocks the caller. Close is a full barrier: it waits for every
// submitted task and returns their combined errors, which is how a segment
// makes sure all of its uploads are done before the next one starts.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is reported by tasks submitted after Close.
var ErrClosed = errors.New("worker pool is closed")

type Task func() error

// Handle tracks one submitted task.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the task has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task has finished and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

type Pool struct {
	size   int
	inline bool
	sem    *semaphore.Weighted

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	errs   *multierror.Error
}

// DefaultSize matches the usual I/O-bound pool sizing of min(32, cpus+4).
func DefaultSize() int {
	return min(32, runtime.NumCPU()+4)
}

// New returns a pool running up to size tasks at once. A non-positive size
// uses DefaultSize. With pooling disabled every task runs inline in Submit.
func New(size int, pooled bool) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	return &Pool{
		size:   size,
		inline: !pooled,
		sem:    semaphore.NewWeighted(int64(size)),
	}
}

func (p *Pool) Size() int { return p.size }

// Submit schedules task and returns its Handle. The handle may be ignored;
// Close still waits for the task.
func (p *Pool) Submit(task Task) *Handle {
	h := newHandle()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.finish(ErrClosed)
		return h
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if p.inline {
		p.run(task, h)
		return h
	}

	go func() {
		// Acquire cannot fail with a background context.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		p.run(task, h)
	}()
	return h
}

func (p *Pool) run(task Task, h *Handle) {
	defer p.wg.Done()
	err := task()
	if err != nil {
		p.mu.Lock()
		p.errs = multierror.Append(p.errs, err)
		p.mu.Unlock()
	}
	h.finish(err)
}

// Close stops accepting tasks, waits for all submitted ones, and returns
// every task error combined. Calling Close again returns the same result.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs.ErrorOrNil()
}
