// Package observability wires the run's tracer span and job metrics,
// adapted from pkg/observability/otel.go: same resource construction and
// enabled/disabled provider shape, trimmed to the spans and instruments
// an attempt actually needs (one span per attempt, a job-duration
// histogram, a job-status counter) rather than full OTLP log/trace/metric
// export.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is used when New is called with an empty
// serviceName.
const DefaultServiceName = "flowrunner"

// Provider bundles the tracer and instruments one run needs. Call New
// once per process; the shutdown func New returns shuts down the tracer,
// meter and logger providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	jobDuration    metric.Float64Histogram
	jobStatusCount metric.Int64Counter
}

// newResource merges OTEL_RESOURCE_ATTRIBUTES/OTEL_SERVICE_NAME with the
// SDK's own defaults, exactly as the teacher does.
func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}
	return res, nil
}

// New builds a Provider and installs the slog default logger. The tracer,
// meter and logger providers are built the same way whether or not
// enabled is set, with no exporter attached, so call sites behave the
// same either way. enabled only selects the default logger: the otelslog
// bridge when true, a JSON handler on stdout when false.
func New(ctx context.Context, serviceName string, enabled bool) (*Provider, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(meterProvider)

	loggerProvider := sdklog.NewLoggerProvider(sdklog.WithResource(res))

	var logger *slog.Logger
	if enabled {
		logger = otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(loggerProvider))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	slog.SetDefault(logger)

	meter := meterProvider.Meter(serviceName)
	jobDuration, err := meter.Float64Histogram("flowrunner.job.duration_seconds",
		metric.WithDescription("Wall-clock duration of one job attempt"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating job duration histogram: %w", err)
	}
	jobStatusCount, err := meter.Int64Counter("flowrunner.job.completions",
		metric.WithDescription("Terminal job status counts"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating job status counter: %w", err)
	}

	p := &Provider{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         tracerProvider.Tracer(serviceName),
		jobDuration:    jobDuration,
		jobStatusCount: jobStatusCount,
	}

	shutdown := func(ctx context.Context) error {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			return err
		}
		return loggerProvider.Shutdown(ctx)
	}

	return p, shutdown, nil
}

// StartAttempt opens the run-scoped span for one attempt, per SPEC_FULL's
// "one span per attempt" instrumentation point.
func (p *Provider) StartAttempt(ctx context.Context, runID, attemptID int64, applicationName string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "flowrunner.attempt",
		trace.WithAttributes(
			attribute.Int64("flowrunner.run_id", runID),
			attribute.Int64("flowrunner.attempt_id", attemptID),
			attribute.String("flowrunner.application_name", applicationName),
		))
}

// RecordJob records one job's terminal duration and status.
func (p *Provider) RecordJob(ctx context.Context, jobID string, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(attribute.String("job_id", jobID), attribute.String("status", status))
	p.jobDuration.Record(ctx, durationSeconds, attrs)
	p.jobStatusCount.Add(ctx, 1, attrs)
}
