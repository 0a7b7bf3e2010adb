package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned when work is submitted after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// PoolMetrics is a snapshot of pool activity.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many account runs execute at once. The scheduler
// fans scheduled jobs out through one pool so a large fleet cannot spawn an
// unbounded number of driver sessions.
type WorkerPool struct {
	sem  chan struct{}
	done chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	metrics struct {
		active    atomic.Int64
		completed atomic.Int64
		failed    atomic.Int64
		panics    atomic.Int64
	}
}

// NewWorkerPool creates a pool allowing size concurrent tasks.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit blocks until a slot frees up, then runs fn on its own goroutine.
// Waiting respects context cancellation and pool closure.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	// Close may have raced the slot acquisition. wg.Add must happen under
	// the lock so Close's wg.Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.metrics.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.metrics.panics.Add(1)
				p.metrics.failed.Add(1)
			}
			p.metrics.active.Add(-1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.metrics.failed.Add(1)
		} else {
			p.metrics.completed.Add(1)
		}
	}()

	return nil
}

// Wait blocks until every submitted task finishes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Close rejects new submissions and waits for in-flight tasks.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of pool activity.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.metrics.active.Load(),
		Completed: p.metrics.completed.Load(),
		Failed:    p.metrics.failed.Load(),
		Panics:    p.metrics.panics.Load(),
	}
}
