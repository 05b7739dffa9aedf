package requestqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeCanceled = "canceled"
	outcomeRejected = "rejected"
)

// queueMetrics holds the OpenTelemetry instruments recorded by a Queue.
type queueMetrics struct {
	submitted api.Int64Counter
	settled   api.Int64Counter
	pending   api.Int64UpDownCounter
	waitTime  api.Float64Histogram
	execTime  api.Float64Histogram

	queueAttr attribute.KeyValue
}

func newQueueMetrics(meter api.Meter, queueName string) (*queueMetrics, error) {
	m := &queueMetrics{
		queueAttr: attribute.String("queue", queueName),
	}

	var err, errs error
	m.submitted, err = meter.Int64Counter(
		"tunequeue.queue.submitted",
		api.WithDescription("Number of requests submitted to the queue"),
	)
	errs = errors.Join(errs, err)

	m.settled, err = meter.Int64Counter(
		"tunequeue.queue.settled",
		api.WithDescription("Number of requests settled, by outcome"),
	)
	errs = errors.Join(errs, err)

	m.pending, err = meter.Int64UpDownCounter(
		"tunequeue.queue.pending",
		api.WithDescription("Number of requests waiting in the queue"),
	)
	errs = errors.Join(errs, err)

	m.waitTime, err = meter.Float64Histogram(
		"tunequeue.queue.wait.duration",
		api.WithDescription("Time requests spent waiting in the queue before executing"),
		api.WithUnit("s"),
	)
	errs = errors.Join(errs, err)

	m.execTime, err = meter.Float64Histogram(
		"tunequeue.queue.execution.duration",
		api.WithDescription("Time spent executing requests"),
		api.WithUnit("s"),
	)
	errs = errors.Join(errs, err)

	if errs != nil {
		return nil, fmt.Errorf("failed to create queue metrics: %w", errs)
	}
	return m, nil
}

func (m *queueMetrics) recordSubmitted(ctx context.Context) {
	m.submitted.Add(ctx, 1, api.WithAttributes(m.queueAttr))
}

func (m *queueMetrics) recordSettled(ctx context.Context, outcome string) {
	m.settled.Add(ctx, 1, api.WithAttributes(m.queueAttr, attribute.String("outcome", outcome)))
}

func (m *queueMetrics) addPending(ctx context.Context, delta int64) {
	m.pending.Add(ctx, delta, api.WithAttributes(m.queueAttr))
}

func (m *queueMetrics) recordWait(ctx context.Context, d time.Duration) {
	m.waitTime.Record(ctx, d.Seconds(), api.WithAttributes(m.queueAttr))
}

func (m *queueMetrics) recordExecution(ctx context.Context, d time.Duration, outcome string) {
	m.execTime.Record(ctx, d.Seconds(), api.WithAttributes(m.queueAttr, attribute.String("outcome", outcome)))
}
