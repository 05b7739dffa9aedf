package requestqueue

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	kclock "k8s.io/utils/clock"
)

const tracerName = "github.com/italypaleale/tunequeue/requestqueue"

// Func is the work executed by the queue.
// The context it receives carries the values of the context passed to Submit, but it is never canceled by the queue.
type Func[T any] func(ctx context.Context) (T, error)

// Options are options for New.
type Options struct {
	// Name of the queue, added as attribute to metrics, traces, and logs.
	// This is optional, and defaults to "default".
	Name string

	// Maximum number of items that can be waiting in the queue, if greater than 0.
	// Submissions past this limit are rejected with ErrQueueFull.
	MaxPending int

	// Logger for the queue.
	// This is optional, and defaults to slog.Default().
	Logger *slog.Logger

	// Meter used to record metrics.
	// This is optional, and if nil metrics are not recorded.
	Meter api.Meter

	// TracerProvider used to create a span for each executed item.
	// This is optional, and defaults to the global tracer provider.
	TracerProvider trace.TracerProvider

	// Internal clock property, used for testing
	clock kclock.PassiveClock
}

// Queue executes submitted work one item at a time, in submission order.
// Create it with New; the zero value is not usable.
type Queue[T any] struct {
	mu       sync.Mutex
	pending  *list.List
	draining bool
	closed   bool
	wg       sync.WaitGroup

	running atomic.Bool
	seq     atomic.Uint64

	name       string
	maxPending int
	log        *slog.Logger
	clock      kclock.PassiveClock
	metrics    *queueMetrics
	tracer     trace.Tracer
}

// workItem is an entry in the pending list.
// elem is nil once the item has left the list; it is only accessed while holding the queue's lock.
type workItem[T any] struct {
	id         uint64
	ctx        context.Context
	execute    Func[T]
	future     *Future[T]
	elem       *list.Element
	stop       func() bool
	enqueuedAt time.Time
}

// New returns a new Queue.
func New[T any](opts *Options) (*Queue[T], error) {
	if opts == nil {
		opts = &Options{}
	}

	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = noop.NewMeterProvider().Meter(tracerName)
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.clock == nil {
		opts.clock = kclock.RealClock{}
	}

	metrics, err := newQueueMetrics(opts.Meter, opts.Name)
	if err != nil {
		return nil, err
	}

	q := &Queue[T]{
		pending:    list.New(),
		name:       opts.Name,
		maxPending: opts.MaxPending,
		log:        opts.Logger.With(slog.String("queue", opts.Name)),
		clock:      opts.clock,
		metrics:    metrics,
		tracer:     opts.TracerProvider.Tracer(tracerName),
	}
	return q, nil
}

// Submit adds a request to the queue and returns a Future for its outcome.
//
// The context is the cancellation token for the request: if it is canceled while the request is waiting in the queue, the request is withdrawn and its Future is rejected with a *CancellationError.
// If ctx is already canceled, the Future is rejected before Submit returns and fn is never invoked.
// Cancellations that happen after fn has started have no effect.
func (q *Queue[T]) Submit(ctx context.Context, fn Func[T]) *Future[T] {
	if ctx == nil {
		ctx = context.Background()
	}

	f := newFuture[T]()
	q.metrics.recordSubmitted(ctx)

	if ctx.Err() != nil {
		q.metrics.recordSettled(ctx, outcomeCanceled)
		f.reject(newCancellationError(context.Cause(ctx)))
		return f
	}

	item := &workItem[T]{
		id:         q.seq.Add(1),
		ctx:        ctx,
		execute:    fn,
		future:     f,
		enqueuedAt: q.clock.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.metrics.recordSettled(ctx, outcomeCanceled)
		f.reject(newCancellationError(ErrQueueClosed))
		return f
	}
	if q.maxPending > 0 && q.pending.Len() >= q.maxPending {
		q.mu.Unlock()
		q.metrics.recordSettled(ctx, outcomeRejected)
		f.reject(ErrQueueFull)
		return f
	}

	item.elem = q.pending.PushBack(item)
	// The callback runs in its own goroutine, so registering it while holding the lock is safe
	item.stop = context.AfterFunc(ctx, func() {
		q.withdraw(item)
	})

	// Recorded while holding the lock so the decrement in drain or withdraw can't be recorded first
	q.metrics.addPending(ctx, 1)

	start := !q.draining
	if start {
		q.draining = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.log.DebugContext(ctx, "Request enqueued", slog.Uint64("item", item.id))

	if start {
		go q.drain()
	}

	return f
}

// Len returns the number of requests waiting in the queue, not including the one executing.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Running returns true if a request is executing.
func (q *Queue[T]) Running() bool {
	return q.running.Load()
}

// Close stops the queue.
// Requests waiting in the queue are rejected with a *CancellationError caused by ErrQueueClosed, and so are all later submissions.
// Close waits for the request that is executing, if any, to complete.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true

	withdrawn := make([]*workItem[T], 0, q.pending.Len())
	for e := q.pending.Front(); e != nil; e = e.Next() {
		item := e.Value.(*workItem[T]) //nolint:forcetypeassert
		item.elem = nil
		withdrawn = append(withdrawn, item)
	}
	q.pending.Init()
	q.mu.Unlock()

	for _, item := range withdrawn {
		item.stop()
		q.metrics.addPending(item.ctx, -1)
		q.metrics.recordSettled(item.ctx, outcomeCanceled)
		item.future.reject(newCancellationError(ErrQueueClosed))
	}

	if len(withdrawn) > 0 {
		q.log.Info("Queue closed with pending requests", slog.Int("withdrawn", len(withdrawn)))
	}

	q.wg.Wait()
}

// withdraw removes an item from the pending list after its context was canceled.
// If the item already left the list, this is a no-op.
func (q *Queue[T]) withdraw(item *workItem[T]) {
	q.mu.Lock()
	if item.elem == nil {
		q.mu.Unlock()
		// Only possible if the token was canceled while the item was being dequeued
		q.log.DebugContext(item.ctx, "Cancellation received after request left the queue", slog.Uint64("item", item.id))
		return
	}
	q.pending.Remove(item.elem)
	item.elem = nil
	q.mu.Unlock()

	q.metrics.addPending(item.ctx, -1)
	q.cancelItem(item)
}

// drain runs in background and processes items until the pending list is empty.
// There's at most one drain goroutine per queue at any time.
func (q *Queue[T]) drain() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		front := q.pending.Front()
		if front == nil {
			// Clearing the flag while holding the lock guarantees that a concurrent Submit either sees this loop running or starts a new one
			q.draining = false
			q.mu.Unlock()
			return
		}
		item := q.pending.Remove(front).(*workItem[T]) //nolint:forcetypeassert
		item.elem = nil
		q.mu.Unlock()

		// Stop listening for cancellation: from now on, it's checked only once, right before executing
		item.stop()
		q.metrics.addPending(item.ctx, -1)

		q.process(item)
	}
}

func (q *Queue[T]) process(item *workItem[T]) {
	// A cancellation that arrived between removal from the list and now still wins
	if item.ctx.Err() != nil {
		q.cancelItem(item)
		return
	}

	q.running.Store(true)
	defer q.running.Store(false)

	start := q.clock.Now()
	q.metrics.recordWait(item.ctx, start.Sub(item.enqueuedAt))

	// The work function must not observe cancellations of the caller's context
	ctx := context.WithoutCancel(item.ctx)
	ctx, span := q.tracer.Start(ctx, "requestqueue.execute",
		trace.WithAttributes(
			attribute.String("queue", q.name),
			attribute.Int64("item", int64(item.id)), //nolint:gosec
		),
	)
	defer span.End()

	val, err := q.execute(ctx, item.execute)
	elapsed := q.clock.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.metrics.recordExecution(ctx, elapsed, outcomeFailure)
		q.metrics.recordSettled(ctx, outcomeFailure)
		q.log.DebugContext(ctx, "Request failed",
			slog.Uint64("item", item.id),
			slog.Duration("duration", elapsed),
			slog.Any("error", err),
		)
		item.future.reject(err)
		return
	}

	q.metrics.recordExecution(ctx, elapsed, outcomeSuccess)
	q.metrics.recordSettled(ctx, outcomeSuccess)
	q.log.DebugContext(ctx, "Request completed",
		slog.Uint64("item", item.id),
		slog.Duration("duration", elapsed),
	)
	item.future.resolve(val)
}

// execute invokes fn, converting a panic into a *PanicError.
func (q *Queue[T]) execute(ctx context.Context, fn Func[T]) (val T, err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		q.log.ErrorContext(ctx, "Request panicked", slog.Any("panic", rec))
		var zero T
		val = zero
		err = &PanicError{
			Value: rec,
			Stack: debug.Stack(),
		}
	}()

	if fn == nil {
		return val, errors.New("request has no work function")
	}
	return fn(ctx)
}

func (q *Queue[T]) cancelItem(item *workItem[T]) {
	q.metrics.recordSettled(item.ctx, outcomeCanceled)
	q.log.DebugContext(item.ctx, "Request canceled before execution", slog.Uint64("item", item.id))
	item.future.reject(newCancellationError(context.Cause(item.ctx)))
}
