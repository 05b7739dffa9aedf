package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkTrace "go.opentelemetry.io/otel/sdk/trace"

	kitconfig "github.com/italypaleale/tunequeue/config"
)

// InitTracesOpts contains options for the InitTraces method
type InitTracesOpts struct {
	Config  kitconfig.Base
	AppName string

	// Sampler for spans.
	// This is optional, and defaults to sampling the spans whose parent is sampled, and all root spans.
	Sampler sdkTrace.Sampler
	// Exporter for spans.
	// This is optional; if nil, the exporter is selected with the OTEL_TRACES_EXPORTER env var, which defaults to "none".
	Exporter sdkTrace.SpanExporter
}

// InitTraces initializes the tracing provider using OpenTelemetry and sets it as the global provider.
// Spans from the generation queue and the provider client are recorded with the global provider.
func InitTraces(ctx context.Context, opts InitTracesOpts) (traceProvider *sdkTrace.TracerProvider, shutdownFn func(ctx context.Context) error, err error) {
	res, err := otelResource(opts.Config, opts.AppName)
	if err != nil {
		return nil, nil, err
	}

	exporter := opts.Exporter
	if exporter == nil {
		disableExporterIfUnset("OTEL_TRACES_EXPORTER")
		exporter, err = autoexport.NewSpanExporter(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize OpenTelemetry span exporter: %w", err)
		}
	}

	sampler := opts.Sampler
	if sampler == nil {
		sampler = sdkTrace.ParentBased(sdkTrace.AlwaysSample())
	}

	traceProvider = sdkTrace.NewTracerProvider(
		sdkTrace.WithResource(res),
		sdkTrace.WithBatcher(exporter),
		sdkTrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)

	// Shutting down the provider flushes the batcher and then shuts down the exporter
	return traceProvider, traceProvider.Shutdown, nil
}
