package requestqueue

import (
	"context"
	"sync/atomic"
)

// Future is a one-shot cell holding the outcome of a submitted request.
// It is settled exactly once by the queue; after that it can be read any number of times.
type Future[T any] struct {
	done    chan struct{}
	settled atomic.Bool
	value   T
	err     error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled returns true if the future has been settled.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome of the request.
// If the future is not settled yet, it returns ErrNotSettled.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		var zero T
		return zero, ErrNotSettled
	}
}

// Wait blocks until the future is settled or ctx is done.
// Returning early because of ctx does not withdraw the request from the queue: that is controlled by the context passed to Submit.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) resolve(val T) bool {
	return f.settle(val, nil)
}

func (f *Future[T]) reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

// settle stores the outcome; only the first call has an effect.
func (f *Future[T]) settle(val T, err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.value = val
	f.err = err
	close(f.done)
	return true
}
