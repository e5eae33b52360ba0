// Package future implements the asynchronous result handle returned by
// connect and close operations.
//
// A Future completes exactly once, either resolved with a value or rejected
// with an error. There is no cancellation; callers bound their wait with a
// context. Callbacks registered with Then are never run on the goroutine that
// completes the future: they are handed to a Dispatcher (the worker pool) so
// a transport or engine goroutine never re-enters application code.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Result while the future is not yet complete.
var ErrPending = errors.New("future not complete")

// errNilRejection replaces a nil error passed to Reject.
var errNilRejection = errors.New("rejected without cause")

// Dispatcher runs completion callbacks off the completing goroutine.
type Dispatcher interface {
	Submit(fn func()) error
}

// Future is a single-assignment asynchronous result.
type Future[T any] struct {
	dispatch Dispatcher
	done     chan struct{}

	mu        sync.Mutex
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns a pending future whose callbacks run on d.
func New[T any](d Dispatcher) *Future[T] {
	return &Future[T]{
		dispatch: d,
		done:     make(chan struct{}),
	}
}

// Resolved returns a future already resolved with v.
func Resolved[T any](d Dispatcher, v T) *Future[T] {
	f := New[T](d)
	f.Resolve(v)
	return f
}

// Rejected returns a future already rejected with err.
func Rejected[T any](d Dispatcher, err error) *Future[T] {
	f := New[T](d)
	f.Reject(err)
	return f
}

// Resolve completes the future with v. It reports false if the future was
// already complete.
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Reject completes the future with err. It reports false if the future was
// already complete.
func (f *Future[T]) Reject(err error) bool {
	if err == nil {
		err = errNilRejection
	}
	var zero T
	return f.complete(zero, err)
}

// Complete resolves with v when err is nil and rejects otherwise.
func (f *Future[T]) Complete(v T, err error) bool {
	if err != nil {
		return f.Reject(err)
	}
	return f.Resolve(v)
}

func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		f.run(cb, v, err)
	}
	return true
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome, or ErrPending if the future is not complete.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.completed {
		var zero T
		return zero, ErrPending
	}
	return f.value, f.err
}

// Completed reports whether the future has an outcome.
func (f *Future[T]) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Then registers fn to run with the outcome. If the future is already
// complete, fn is dispatched immediately.
func (f *Future[T]) Then(fn func(T, error)) *Future[T] {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return f
	}
	v, err := f.value, f.err
	f.mu.Unlock()

	f.run(fn, v, err)
	return f
}

func (f *Future[T]) run(fn func(T, error), v T, err error) {
	call := func() { fn(v, err) }
	if f.dispatch != nil && f.dispatch.Submit(call) == nil {
		return
	}
	go call()
}
