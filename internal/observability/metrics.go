// Package observability holds the OpenTelemetry instruments shared by the
// registry, clients, orchestrator and workflow tracker. Without an SDK
// installed the global providers are no-ops.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "archflow/backend"

// Instruments groups the counters and histograms recorded by the core.
type Instruments struct {
	probes        metric.Int64Counter
	calls         metric.Int64Counter
	fallbacks     metric.Int64Counter
	runs          metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// NewInstruments creates instruments on the global meter provider.
func NewInstruments() *Instruments {
	return NewInstrumentsFrom(otel.GetMeterProvider())
}

// NewInstrumentsFrom creates instruments on the given provider.
func NewInstrumentsFrom(mp metric.MeterProvider) *Instruments {
	m := mp.Meter(instrumentationName)
	in := &Instruments{}
	// Instrument constructors only fail on invalid names; fall back to no-op
	// instruments returned alongside the error.
	in.probes, _ = m.Int64Counter("archflow.health.probes",
		metric.WithDescription("Health probes by endpoint and resulting status"))
	in.calls, _ = m.Int64Counter("archflow.dependency.calls",
		metric.WithDescription("Remote dependency calls by outcome"))
	in.fallbacks, _ = m.Int64Counter("archflow.dependency.fallbacks",
		metric.WithDescription("Locally synthesized fallback results"))
	in.runs, _ = m.Int64Counter("archflow.workflow.runs",
		metric.WithDescription("Workflow run transitions by kind and status"))
	in.stageDuration, _ = m.Float64Histogram("archflow.pipeline.stage.duration",
		metric.WithDescription("Design pipeline stage duration"),
		metric.WithUnit("ms"))
	return in
}

// RecordProbe counts one health probe outcome.
func (in *Instruments) RecordProbe(ctx context.Context, endpoint, status string) {
	in.probes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	))
}

// RecordCall counts one remote call outcome ("ok" or an error kind).
func (in *Instruments) RecordCall(ctx context.Context, dependency, outcome string) {
	in.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("outcome", outcome),
	))
}

// RecordFallback counts one fallback substitution.
func (in *Instruments) RecordFallback(ctx context.Context, dependency string) {
	in.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("dependency", dependency)))
}

// RecordRun counts one workflow run transition.
func (in *Instruments) RecordRun(ctx context.Context, kind, status, backend string) {
	in.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
		attribute.String("backend", backend),
	))
}

// RecordStage records how long a pipeline stage took.
func (in *Instruments) RecordStage(ctx context.Context, stage, status string, elapsed time.Duration) {
	in.stageDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}
