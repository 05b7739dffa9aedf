package requestqueue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	clocktesting "k8s.io/utils/clock/testing"
)

// tracker records the order in which work functions start and how many run at the same time.
type tracker struct {
	mu          sync.Mutex
	started     []int
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (tr *tracker) work(n int, release <-chan struct{}) Func[int] {
	return func(ctx context.Context) (int, error) {
		cur := tr.inFlight.Add(1)
		defer tr.inFlight.Add(-1)
		for {
			prev := tr.maxInFlight.Load()
			if cur <= prev || tr.maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}

		tr.mu.Lock()
		tr.started = append(tr.started, n)
		tr.mu.Unlock()

		if release != nil {
			<-release
		}
		return n, nil
	}
}

func (tr *tracker) startedOrder() []int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	res := make([]int, len(tr.started))
	copy(res, tr.started)
	return res
}

func newTestQueue(t *testing.T, opts *Options) *Queue[int] {
	t.Helper()

	q, err := New[int](opts)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

// blockQueue submits an item that keeps the queue busy until the returned function is invoked.
func blockQueue(t *testing.T, q *Queue[int]) (release func(), f *Future[int]) {
	t.Helper()

	started := make(chan struct{})
	unblock := make(chan struct{})
	f = q.Submit(t.Context(), func(ctx context.Context) (int, error) {
		close(started)
		<-unblock
		return -1, nil
	})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the blocking item to start")
	}

	return sync.OnceFunc(func() { close(unblock) }), f
}

func waitFuture[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()

	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for future")
	}
	return f.Result()
}

func TestSubmitOrdering(t *testing.T) {
	q := newTestQueue(t, nil)
	tr := &tracker{}

	release, blocker := blockQueue(t, q)

	const n = 25
	futures := make([]*Future[int], n)
	for i := range n {
		futures[i] = q.Submit(t.Context(), tr.work(i, nil))
	}
	assert.Equal(t, n, q.Len())

	release()
	_, err := waitFuture(t, blocker)
	require.NoError(t, err)

	for i, f := range futures {
		val, err := waitFuture(t, f)
		require.NoError(t, err)
		assert.Equal(t, i, val)
	}

	expect := make([]int, n)
	for i := range n {
		expect[i] = i
	}
	assert.Equal(t, expect, tr.startedOrder())
	assert.EqualValues(t, 1, tr.maxInFlight.Load())
}

func TestSubmitSingleFlight(t *testing.T) {
	q := newTestQueue(t, nil)
	tr := &tracker{}

	const n = 50
	futures := make(chan *Future[int], n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			futures <- q.Submit(t.Context(), func(ctx context.Context) (int, error) {
				// Yield for a bit so overlapping executions would be caught
				time.Sleep(time.Millisecond)
				return tr.work(i, nil)(ctx)
			})
		})
	}
	wg.Wait()
	close(futures)

	for f := range futures {
		_, err := waitFuture(t, f)
		require.NoError(t, err)
	}

	assert.Len(t, tr.startedOrder(), n)
	assert.EqualValues(t, 1, tr.maxInFlight.Load())
}

func TestSubmitPreCancelled(t *testing.T) {
	t.Run("rejected synchronously", func(t *testing.T) {
		q := newTestQueue(t, nil)

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		var executed atomic.Bool
		f := q.Submit(ctx, func(ctx context.Context) (int, error) {
			executed.Store(true)
			return 1, nil
		})

		require.True(t, f.Settled(), "future should be settled before Submit returns")
		_, err := f.Result()
		require.Error(t, err)
		require.ErrorIs(t, err, ErrCanceled)
		require.ErrorIs(t, err, context.Canceled)
		assert.True(t, IsCancellation(err))
		assert.Equal(t, 0, q.Len())
		assert.False(t, executed.Load())
	})

	t.Run("rejected before queued items run", func(t *testing.T) {
		q := newTestQueue(t, nil)
		release, _ := blockQueue(t, q)
		defer release()

		queued := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
			return 1, nil
		})

		ctx, cancel := context.WithCancelCause(t.Context())
		causeErr := errors.New("player unmounted")
		cancel(causeErr)

		f := q.Submit(ctx, func(ctx context.Context) (int, error) {
			return 2, nil
		})
		require.True(t, f.Settled())
		assert.False(t, queued.Settled())

		_, err := f.Result()
		require.ErrorIs(t, err, ErrCanceled)
		require.ErrorIs(t, err, causeErr)

		var cancelErr *CancellationError
		require.ErrorAs(t, err, &cancelErr)
		assert.Equal(t, causeErr, cancelErr.Cause())
		assert.Equal(t, 1, q.Len())
	})

	t.Run("deadline exceeded", func(t *testing.T) {
		q := newTestQueue(t, nil)

		ctx, cancel := context.WithDeadline(t.Context(), time.Now().Add(-time.Second))
		defer cancel()

		f := q.Submit(ctx, func(ctx context.Context) (int, error) {
			return 1, nil
		})
		_, err := f.Result()
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, IsCancellation(err))
	})
}

func TestSubmitMidQueueCancellation(t *testing.T) {
	q := newTestQueue(t, nil)

	var executedB atomic.Bool
	releaseA, fA := blockQueue(t, q)

	ctxB, cancelB := context.WithCancel(t.Context())
	defer cancelB()
	fB := q.Submit(ctxB, func(ctx context.Context) (int, error) {
		executedB.Store(true)
		return 2, nil
	})
	fC := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
		return 3, nil
	})
	require.Equal(t, 2, q.Len())

	// Cancel B while A is still executing
	cancelB()

	_, err := waitFuture(t, fB)
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, fA.Settled())
	assert.False(t, fC.Settled())
	assert.Equal(t, 1, q.Len())

	releaseA()

	valA, err := waitFuture(t, fA)
	require.NoError(t, err)
	assert.Equal(t, -1, valA)

	valC, err := waitFuture(t, fC)
	require.NoError(t, err)
	assert.Equal(t, 3, valC)

	assert.False(t, executedB.Load())
}

func TestSubmitTimeoutWhileQueued(t *testing.T) {
	q := newTestQueue(t, nil)
	release, _ := blockQueue(t, q)
	defer release()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	f := q.Submit(ctx, func(ctx context.Context) (int, error) {
		return 1, nil
	})

	_, err := waitFuture(t, f)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsCancellation(err))
	assert.Equal(t, 0, q.Len())
}

func TestSubmitErrorIsolation(t *testing.T) {
	q := newTestQueue(t, nil)

	errA := errors.New("provider returned 500")
	fA := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
		return 0, errA
	})
	fB := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
		return 2, nil
	})

	_, err := waitFuture(t, fA)
	require.Error(t, err)
	// Errors are delivered verbatim
	assert.Same(t, errA, err) //nolint:testifylint
	assert.False(t, IsCancellation(err))

	valB, err := waitFuture(t, fB)
	require.NoError(t, err)
	assert.Equal(t, 2, valB)
}

func TestSubmitPanicIsolation(t *testing.T) {
	q := newTestQueue(t, nil)

	fA := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
		panic("something went wrong")
	})
	fB := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
		return 2, nil
	})

	_, err := waitFuture(t, fA)
	require.Error(t, err)
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "something went wrong", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Contains(t, err.Error(), "request panicked")

	valB, err := waitFuture(t, fB)
	require.NoError(t, err)
	assert.Equal(t, 2, valB)
}

func TestSubmitPostStartImmunity(t *testing.T) {
	q := newTestQueue(t, nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	type ctxKey struct{}
	ctx = context.WithValue(ctx, ctxKey{}, "request-1")

	started := make(chan struct{})
	unblock := make(chan struct{})
	var (
		execErr   error
		execValue any
	)
	f := q.Submit(ctx, func(execCtx context.Context) (int, error) {
		close(started)
		<-unblock
		execErr = execCtx.Err()
		execValue = execCtx.Value(ctxKey{})
		return 42, nil
	})

	<-started
	cancel()
	assert.True(t, q.Running())
	close(unblock)

	val, err := waitFuture(t, f)
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	require.NoError(t, execErr)
	assert.Equal(t, "request-1", execValue)
}

func TestSubmitCancellationWinsAtDequeue(t *testing.T) {
	q := newTestQueue(t, nil)

	ctx, cancel := context.WithCancel(t.Context())
	var executed atomic.Bool
	item := &workItem[int]{
		id:  1,
		ctx: ctx,
		execute: func(ctx context.Context) (int, error) {
			executed.Store(true)
			return 1, nil
		},
		future: newFuture[int](),
		// No subscription, to simulate a cancellation that arrives after the item left the list
		stop: func() bool { return true },
	}

	q.mu.Lock()
	item.elem = q.pending.PushBack(item)
	q.draining = true
	q.wg.Add(1)
	q.mu.Unlock()

	cancel()
	q.drain()

	_, err := item.future.Result()
	require.ErrorIs(t, err, ErrCanceled)
	assert.False(t, executed.Load())

	q.mu.Lock()
	assert.False(t, q.draining)
	q.mu.Unlock()
}

func TestSubmitQueueIsReusable(t *testing.T) {
	q := newTestQueue(t, nil)

	for i := range 3 {
		f := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
			return i, nil
		})
		val, err := waitFuture(t, f)
		require.NoError(t, err)
		assert.Equal(t, i, val)

		// Wait for the drain goroutine to stop before submitting again
		require.EventuallyWithT(t, func(c *assert.CollectT) {
			q.mu.Lock()
			defer q.mu.Unlock()
			assert.False(c, q.draining)
		}, time.Second, 5*time.Millisecond)
	}
}

func TestSubmitNilContext(t *testing.T) {
	q := newTestQueue(t, nil)

	//nolint:staticcheck
	f := q.Submit(nil, func(ctx context.Context) (int, error) {
		assert.NotNil(t, ctx)
		return 1, nil
	})
	val, err := waitFuture(t, f)
	require.NoError(t, err)
	assert.Equal(t, 1, val)
}

func TestSubmitMaxPending(t *testing.T) {
	q := newTestQueue(t, &Options{MaxPending: 2})
	release, _ := blockQueue(t, q)
	defer release()

	noop := func(ctx context.Context) (int, error) { return 0, nil }
	f1 := q.Submit(t.Context(), noop)
	f2 := q.Submit(t.Context(), noop)
	f3 := q.Submit(t.Context(), noop)

	assert.False(t, f1.Settled())
	assert.False(t, f2.Settled())
	require.True(t, f3.Settled())
	_, err := f3.Result()
	require.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, IsCancellation(err))
}

func TestClose(t *testing.T) {
	t.Run("rejects pending and waits for in-flight item", func(t *testing.T) {
		q, err := New[int](nil)
		require.NoError(t, err)

		release, fA := blockQueue(t, q)

		var executed atomic.Bool
		fB := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
			executed.Store(true)
			return 2, nil
		})

		closeDone := make(chan struct{})
		go func() {
			q.Close()
			close(closeDone)
		}()

		_, err = waitFuture(t, fB)
		require.ErrorIs(t, err, ErrCanceled)
		require.ErrorIs(t, err, ErrQueueClosed)

		// Close must not return while A is executing
		select {
		case <-closeDone:
			t.Fatal("Close returned before the in-flight item completed")
		case <-time.After(100 * time.Millisecond):
		}

		release()
		select {
		case <-closeDone:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for Close to return")
		}

		val, err := fA.Result()
		require.NoError(t, err)
		assert.Equal(t, -1, val)
		assert.False(t, executed.Load())
	})

	t.Run("rejects submissions after close", func(t *testing.T) {
		q, err := New[int](nil)
		require.NoError(t, err)
		q.Close()

		f := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
			return 1, nil
		})
		require.True(t, f.Settled())
		_, err = f.Result()
		require.ErrorIs(t, err, ErrQueueClosed)
		assert.True(t, IsCancellation(err))
	})

	t.Run("is idempotent", func(t *testing.T) {
		q, err := New[int](nil)
		require.NoError(t, err)
		q.Close()
		q.Close()
	})
}

// syncBuffer is a bytes.Buffer that can be written to from multiple goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCancellationSubscriptionReleased(t *testing.T) {
	const lateCancelMsg = "Cancellation received after request left the queue"

	newQueue := func(t *testing.T) (*Queue[int], *syncBuffer, *sdkmetric.ManualReader) {
		t.Helper()

		reader := sdkmetric.NewManualReader()
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		t.Cleanup(func() {
			_ = provider.Shutdown(context.Background())
		})

		buf := &syncBuffer{}
		q := newTestQueue(t, &Options{
			Logger: slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
			Meter:  provider.Meter("test"),
		})
		return q, buf, reader
	}

	canceledCount := func(t *testing.T, reader *sdkmetric.ManualReader) int64 {
		t.Helper()
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(t.Context(), &rm))
		return sumCounter(t, rm, "tunequeue.queue.settled", outcomeCanceled)
	}

	t.Run("after execution", func(t *testing.T) {
		q, buf, reader := newQueue(t)

		ctx, cancel := context.WithCancel(t.Context())
		f := q.Submit(ctx, func(ctx context.Context) (int, error) {
			return 1, nil
		})
		val, err := waitFuture(t, f)
		require.NoError(t, err)
		require.Equal(t, 1, val)

		cancel()

		// Once the item left the queue, canceling its token must not reach the queue at all
		assert.Never(t, func() bool {
			return strings.Contains(buf.String(), lateCancelMsg)
		}, 200*time.Millisecond, 10*time.Millisecond)
		assert.Equal(t, int64(0), canceledCount(t, reader))

		val, err = f.Result()
		require.NoError(t, err)
		assert.Equal(t, 1, val)
	})

	t.Run("after close", func(t *testing.T) {
		q, buf, reader := newQueue(t)

		release, _ := blockQueue(t, q)
		ctx, cancel := context.WithCancel(t.Context())
		f := q.Submit(ctx, func(ctx context.Context) (int, error) {
			return 1, nil
		})

		closeDone := make(chan struct{})
		go func() {
			q.Close()
			close(closeDone)
		}()
		_, err := waitFuture(t, f)
		require.ErrorIs(t, err, ErrQueueClosed)

		cancel()
		assert.Never(t, func() bool {
			return strings.Contains(buf.String(), lateCancelMsg)
		}, 200*time.Millisecond, 10*time.Millisecond)
		assert.Equal(t, int64(1), canceledCount(t, reader))

		release()
		<-closeDone
	})
}

func TestQueueMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	clock := clocktesting.NewFakeClock(time.Now())
	q := newTestQueue(t, &Options{
		Name:  "test",
		Meter: provider.Meter("test"),
		clock: clock,
	})

	f := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
		clock.Step(2 * time.Second)
		return 1, nil
	})
	_, err := waitFuture(t, f)
	require.NoError(t, err)

	fail := q.Submit(t.Context(), func(ctx context.Context) (int, error) {
		return 0, errors.New("failed")
	})
	_, err = waitFuture(t, fail)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	q.Submit(ctx, func(ctx context.Context) (int, error) {
		return 1, nil
	})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))

	assert.Equal(t, int64(3), sumCounter(t, rm, "tunequeue.queue.submitted", ""))
	assert.Equal(t, int64(1), sumCounter(t, rm, "tunequeue.queue.settled", outcomeSuccess))
	assert.Equal(t, int64(1), sumCounter(t, rm, "tunequeue.queue.settled", outcomeFailure))
	assert.Equal(t, int64(1), sumCounter(t, rm, "tunequeue.queue.settled", outcomeCanceled))
	assert.Equal(t, int64(0), sumCounter(t, rm, "tunequeue.queue.pending", ""))

	count, sum := histogram(t, rm, "tunequeue.queue.execution.duration", outcomeSuccess)
	assert.EqualValues(t, 1, count)
	assert.InDelta(t, 2.0, sum, 0.0001)
}

// pendingMeter records the running total of the pending counter and the lowest value it reached.
type pendingMeter struct {
	noop.Meter

	pending pendingCounter
}

type pendingCounter struct {
	noop.Int64UpDownCounter

	mu    sync.Mutex
	total int64
	min   int64
}

func (m *pendingMeter) Int64UpDownCounter(name string, options ...api.Int64UpDownCounterOption) (api.Int64UpDownCounter, error) {
	if name == "tunequeue.queue.pending" {
		return &m.pending, nil
	}
	return m.Meter.Int64UpDownCounter(name, options...)
}

func (c *pendingCounter) Add(_ context.Context, incr int64, _ ...api.AddOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += incr
	c.min = min(c.min, c.total)
}

func TestQueuePendingNeverNegative(t *testing.T) {
	meter := &pendingMeter{}
	q := newTestQueue(t, &Options{Meter: meter})
	release, _ := blockQueue(t, q)

	const n = 200
	var wg sync.WaitGroup
	futures := make([]*Future[int], n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(t.Context())
			futures[i] = q.Submit(ctx, func(ctx context.Context) (int, error) {
				return i, nil
			})
			cancel()
		}()
	}
	wg.Wait()

	for _, f := range futures {
		_, err := waitFuture(t, f)
		require.ErrorIs(t, err, ErrCanceled)
	}
	release()

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		meter.pending.mu.Lock()
		defer meter.pending.mu.Unlock()
		assert.Equal(c, int64(0), meter.pending.total)
	}, 2*time.Second, 10*time.Millisecond)

	meter.pending.mu.Lock()
	defer meter.pending.mu.Unlock()
	assert.Equal(t, int64(0), meter.pending.min)
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return metricdata.Metrics{}
}

func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name string, outcome string) int64 {
	t.Helper()

	data, ok := findMetric(t, rm, name).Data.(metricdata.Sum[int64])
	require.True(t, ok)

	var total int64
	for _, dp := range data.DataPoints {
		if outcome != "" {
			v, _ := dp.Attributes.Value("outcome")
			if v.AsString() != outcome {
				continue
			}
		}
		total += dp.Value
	}
	return total
}

func histogram(t *testing.T, rm metricdata.ResourceMetrics, name string, outcome string) (count uint64, sum float64) {
	t.Helper()

	data, ok := findMetric(t, rm, name).Data.(metricdata.Histogram[float64])
	require.True(t, ok)

	for _, dp := range data.DataPoints {
		v, _ := dp.Attributes.Value("outcome")
		if v.AsString() != outcome {
			continue
		}
		count += dp.Count
		sum += dp.Sum
	}
	return count, sum
}
