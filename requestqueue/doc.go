// Package requestqueue implements a sequential queue for asynchronous requests.
//
// Work submitted to a Queue is executed one item at a time, in the order in which it was submitted.
// This is used to serialize calls to upstream services that enforce strict rate limits, such as music generation providers.
//
// Each submission returns its own Future, which is settled exactly once with the value returned by the work function, with the error it returned, or with a *CancellationError.
// The context passed to Submit acts as the cancellation token: if it is canceled before the item starts executing, the item is withdrawn from the queue and the work function is never invoked.
// Once an item has started executing, canceling its context has no effect and the item runs to completion.
//
// When the queue has at least 1 item, a single background goroutine drains it; the goroutine exits as soon as the queue is empty and is started again by the next submission.
package requestqueue
