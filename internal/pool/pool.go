// Package pool provides the shared worker pool that runs transport receive
// loops and asynchronous completion callbacks.
//
// Two kinds of work are accepted:
//   - Go starts a long-running loop (a link receive loop, an engine stream
//     reader). Loops are tracked so Close can wait for them, but they do not
//     hold one of the bounded slots: a loop parks on a socket read for its
//     whole life and would otherwise starve callbacks.
//   - Submit runs a short task on one of Size() bounded slots. The caller
//     never blocks; the task waits for a free slot on its own goroutine.
//
// Panics in either kind are recovered and logged.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/postalsys/sctp4udp/internal/recovery"
	"github.com/postalsys/sctp4udp/internal/sctperr"
)

// Multiplier scales the hardware parallelism into the default slot count.
const Multiplier = 3

// DefaultSize returns NumCPU * Multiplier.
func DefaultSize() int {
	return runtime.NumCPU() * Multiplier
}

// Pool is a bounded worker pool.
type Pool struct {
	size   int64
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	running atomic.Int64
	loops   atomic.Int64
}

// New creates a pool with size bounded slots. A size <= 0 selects
// DefaultSize().
func New(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger.With(slog.String("component", "pool")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Size returns the number of bounded slots.
func (p *Pool) Size() int {
	return int(p.size)
}

// Context is cancelled when the pool closes.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// track registers one unit of work unless the pool is closed.
func (p *Pool) track() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

// Submit schedules fn on a bounded slot and returns immediately.
func (p *Pool) Submit(fn func()) error {
	if !p.track() {
		return sctperr.ErrPoolClosed
	}

	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.logger.Debug("task dropped, pool closing")
			return
		}
		defer p.sem.Release(1)

		p.running.Add(1)
		defer p.running.Add(-1)

		recovery.Call(p.logger, "pool-task", fn)
	}()

	return nil
}

// Go starts a long-running loop. fn receives the pool context and should
// return once it is cancelled or its own resource is closed.
func (p *Pool) Go(name string, fn func(ctx context.Context)) error {
	if !p.track() {
		return sctperr.ErrPoolClosed
	}

	p.loops.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.loops.Add(-1)
		defer recovery.RecoverWithLog(p.logger, name)

		fn(p.ctx)
	}()

	return nil
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Size    int `json:"size"`
	Running int `json:"running"`
	Loops   int `json:"loops"`
}

// Stats returns current usage.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:    int(p.size),
		Running: int(p.running.Load()),
		Loops:   int(p.loops.Load()),
	}
}

// Close stops accepting work, cancels the pool context and waits for every
// task and loop to return. It must not be called from a pool task.
func (p *Pool) Close() {
	p.CloseContext(context.Background())
}

// CloseContext is Close with the wait bounded by ctx. Work still running
// when ctx ends is abandoned and ctx's error is returned.
func (p *Pool) CloseContext(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("pool closed with work still running",
			slog.Int64("loops", p.loops.Load()),
			slog.Int64("running", p.running.Load()))
		return fmt.Errorf("close pool: %w", ctx.Err())
	}
}
