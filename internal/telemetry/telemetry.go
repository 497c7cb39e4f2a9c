// Package telemetry wires the OpenTelemetry tracer/meter providers; within
// this module only the dispatcher (internal/scheduler) records through
// them. Every package-level
// tracer/meter in this module is taken from the otel global registry (as
// the teacher's dolt storage backend does with doltTracer/doltMeter), so it
// is a safe no-op until Init installs a real provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// SchedulerMetrics holds the OTel instruments the dispatch/reconcile loop
// reports against. Registered against the global delegating provider at
// package init, the same way the teacher's doltMetrics registers before
// telemetry.Init ever runs — so these calls are harmless no-ops until a
// real provider is installed, and start forwarding the moment it is.
var SchedulerMetrics struct {
	Dispatched metric.Int64Counter
	Unlocked   metric.Int64Counter
	RolledBack metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/tabsdata/scheduler/scheduler")
	SchedulerMetrics.Dispatched, _ = m.Int64Counter("tdserver.dispatch.count",
		metric.WithDescription("function runs dispatched to workers"),
		metric.WithUnit("{run}"),
	)
	SchedulerMetrics.Unlocked, _ = m.Int64Counter("tdserver.dispatch.unlocked_count",
		metric.WithDescription("worker messages committed and unlocked"),
		metric.WithUnit("{message}"),
	)
	SchedulerMetrics.RolledBack, _ = m.Int64Counter("tdserver.dispatch.rolled_back_count",
		metric.WithDescription("worker messages rolled back after an abandoned dispatch"),
		metric.WithUnit("{message}"),
	)
}

// Shutdown flushes and stops the installed providers.
type Shutdown func(context.Context) error

// Init installs an SDK tracer provider and meter provider tagged with
// serviceName, and returns a Shutdown to call on server exit. Exporters are
// left to the deployment (the SDK providers here hold no exporter, so spans
// and metrics accumulate in-process unless a caller registers one via
// sdktrace.WithBatcher/sdkmetric.WithReader) — this module's job is the
// wiring, not the exporter choice.
func Init(serviceName string) (Shutdown, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: merge resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry: tracer shutdown: %w", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry: meter shutdown: %w", err)
		}
		return nil
	}, nil
}

// EndSpan records err (if non-nil) on span before ending it, mirroring the
// teacher's dolt storage endSpan helper.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Attr is a thin re-export so callers building span attributes don't need
// their own otel/attribute import for the common case.
func Attr(key, value string) attribute.KeyValue { return attribute.String(key, value) }
