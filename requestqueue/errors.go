package requestqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled is matched by errors.Is for every cancellation delivered by the queue.
	ErrCanceled = errors.New("request canceled before execution")
	// ErrQueueClosed is the cause of cancellations caused by closing the queue.
	ErrQueueClosed = errors.New("request queue is closed")
	// ErrQueueFull is returned when the queue has reached its maximum number of pending items.
	ErrQueueFull = errors.New("request queue is full")
	// ErrNotSettled is returned by Future.Result when the future has not been settled yet.
	ErrNotSettled = errors.New("future is not settled")
)

// CancellationError is delivered to a Future when its item is withdrawn before it started executing.
type CancellationError struct {
	cause error
}

func newCancellationError(cause error) *CancellationError {
	return &CancellationError{cause: cause}
}

// Cause returns the reason for the cancellation, such as context.Canceled, context.DeadlineExceeded, or ErrQueueClosed.
func (e *CancellationError) Cause() error {
	return e.cause
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.cause == nil {
		return ErrCanceled.Error()
	}
	return ErrCanceled.Error() + ": " + e.cause.Error()
}

// Unwrap allows matching both ErrCanceled and the cause with errors.Is.
func (e *CancellationError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrCanceled}
	}
	return []error{ErrCanceled, e.cause}
}

// IsCancellation returns true if the error is a *CancellationError.
// Callers use it to tell a withdrawn request apart from a request that failed.
func IsCancellation(err error) bool {
	var e *CancellationError
	return errors.As(err, &e)
}

// PanicError is delivered to a Future when its work function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("request panicked: %v", e.Value)
}
