package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"

	kitconfig "github.com/italypaleale/tunequeue/config"
)

// Bucket boundaries, in seconds, for the durations recorded by the generation queue.
// Generations take from a few seconds to several minutes, and waits can be as long as many generations.
var queueDurationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120, 180, 300, 600, 1200}

// InitMetricsOpts contains options for the InitMetrics method
type InitMetricsOpts struct {
	Config  kitconfig.Base
	AppName string
	// Name of the meter; defaults to AppName
	Prefix string

	// Reader for metrics.
	// This is optional; if nil, the reader is selected with the OTEL_METRICS_EXPORTER env var, which defaults to "none".
	Reader metric.Reader
}

// InitMetrics initializes metrics using OpenTelemetry.
// The returned meter is passed to the components that record metrics, such as the generation queue.
func InitMetrics(ctx context.Context, opts InitMetricsOpts) (meter api.Meter, shutdownFn func(ctx context.Context) error, err error) {
	res, err := otelResource(opts.Config, opts.AppName)
	if err != nil {
		return nil, nil, err
	}

	mr := opts.Reader
	if mr == nil {
		disableExporterIfUnset("OTEL_METRICS_EXPORTER")
		mr, err = autoexport.NewMetricReader(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize OpenTelemetry metric reader: %w", err)
		}
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(mr),
		metric.WithView(queueDurationView()),
	)
	if opts.Prefix == "" {
		opts.Prefix = opts.AppName
	}
	meter = mp.Meter(opts.Prefix)

	return meter, mp.Shutdown, nil
}

// queueDurationView sets the histogram buckets of the queue's wait and execution durations.
// The default buckets stop at 10s, which is shorter than most generations.
func queueDurationView() metric.View {
	return metric.NewView(
		metric.Instrument{
			Name: "tunequeue.queue.*.duration",
			Kind: metric.InstrumentKindHistogram,
		},
		metric.Stream{
			Aggregation: metric.AggregationExplicitBucketHistogram{
				Boundaries: queueDurationBuckets,
			},
		},
	)
}
