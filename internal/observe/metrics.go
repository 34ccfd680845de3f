// Package observe provides application-wide observability primitives for
// Cadenza: OpenTelemetry metrics, a Prometheus exporter bridge, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Cadenza metrics.
const meterName = "github.com/cadenzahq/cadenza"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DispatchDuration tracks end-to-end dispatch latency (room creation
	// through claim observation). Attributes: tenant, outcome.
	DispatchDuration metric.Float64Histogram

	// AssemblyDuration tracks total context-assembly latency.
	// Attribute: mode.
	AssemblyDuration metric.Float64Histogram

	// AssemblyStageDuration tracks per-stage assembly latency.
	// Attributes: stage, degraded.
	AssemblyStageDuration metric.Float64Histogram

	// TurnWriteDuration tracks turn-store write latency. Attribute: tenant.
	TurnWriteDuration metric.Float64Histogram

	// EmbedDuration tracks embedding gateway backend call latency.
	// Attribute: model.
	EmbedDuration metric.Float64Histogram

	// --- Counters ---

	// Dispatches counts dispatch requests. Attributes: tenant, mode, status.
	Dispatches metric.Int64Counter

	// TurnsCommitted counts committed logical turns. Attributes: tenant, source.
	TurnsCommitted metric.Int64Counter

	// TurnWriteFailures counts turn writes that failed after the local retry.
	// Attribute: tenant.
	TurnWriteFailures metric.Int64Counter

	// EmbedCacheHits and EmbedCacheMisses count embedding LRU outcomes.
	// Attribute: model.
	EmbedCacheHits   metric.Int64Counter
	EmbedCacheMisses metric.Int64Counter

	// StageDegradations counts assembly stages that returned an empty
	// contribution. Attribute: stage.
	StageDegradations metric.Int64Counter

	// --- Gauges ---

	// ActiveWorkers tracks the number of live workers across all rooms.
	ActiveWorkers metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// DegradedTenants tracks tenants currently failing fast.
	DegradedTenants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// the sub-second deadlines of the request path.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DispatchDuration, err = m.Float64Histogram("cadenza.dispatch.duration",
		metric.WithDescription("End-to-end dispatch latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssemblyDuration, err = m.Float64Histogram("cadenza.assembly.duration",
		metric.WithDescription("Total context assembly latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssemblyStageDuration, err = m.Float64Histogram("cadenza.assembly.stage.duration",
		metric.WithDescription("Per-stage context assembly latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnWriteDuration, err = m.Float64Histogram("cadenza.turn.write.duration",
		metric.WithDescription("Turn store write latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("cadenza.embed.duration",
		metric.WithDescription("Embedding gateway call latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Dispatches, err = m.Int64Counter("cadenza.dispatches",
		metric.WithDescription("Dispatch requests by tenant, mode, and status."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCommitted, err = m.Int64Counter("cadenza.turns.committed",
		metric.WithDescription("Committed logical turns by tenant and source."),
	); err != nil {
		return nil, err
	}
	if met.TurnWriteFailures, err = m.Int64Counter("cadenza.turns.write_failures",
		metric.WithDescription("Turn writes failed after the local retry."),
	); err != nil {
		return nil, err
	}
	if met.EmbedCacheHits, err = m.Int64Counter("cadenza.embed.cache_hits",
		metric.WithDescription("Embedding LRU cache hits."),
	); err != nil {
		return nil, err
	}
	if met.EmbedCacheMisses, err = m.Int64Counter("cadenza.embed.cache_misses",
		metric.WithDescription("Embedding LRU cache misses."),
	); err != nil {
		return nil, err
	}
	if met.StageDegradations, err = m.Int64Counter("cadenza.assembly.stage_degradations",
		metric.WithDescription("Assembly stages that returned an empty contribution."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveWorkers, err = m.Int64UpDownCounter("cadenza.active_workers",
		metric.WithDescription("Number of live workers across all rooms."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("cadenza.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.DegradedTenants, err = m.Int64UpDownCounter("cadenza.degraded_tenants",
		metric.WithDescription("Tenants currently failing fast."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cadenza.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path, and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDispatch records a dispatch counter increment with the standard
// attribute set.
func (m *Metrics) RecordDispatch(ctx context.Context, tenant, mode, status string) {
	m.Dispatches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordTurnCommitted records a committed logical turn.
func (m *Metrics) RecordTurnCommitted(ctx context.Context, tenant, source string) {
	m.TurnsCommitted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("source", source),
		),
	)
}

// RecordStageDegradation records an assembly stage returning empty.
func (m *Metrics) RecordStageDegradation(ctx context.Context, stage string) {
	m.StageDegradations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordAssembly records one complete context assembly.
func (m *Metrics) RecordAssembly(ctx context.Context, mode string, seconds float64) {
	m.AssemblyDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordAssemblyStage records one assembly stage, flagging whether it
// contributed or degraded.
func (m *Metrics) RecordAssemblyStage(ctx context.Context, stage string, seconds float64, degraded bool) {
	m.AssemblyStageDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.Bool("degraded", degraded),
		),
	)
}

// RecordTurnWrite records the latency of a successful turn-store write.
func (m *Metrics) RecordTurnWrite(ctx context.Context, tenant string, seconds float64) {
	m.TurnWriteDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("tenant", tenant)),
	)
}

// RecordTurnWriteFailure records a turn write that failed after the local
// retry.
func (m *Metrics) RecordTurnWriteFailure(ctx context.Context, tenant string) {
	m.TurnWriteFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tenant", tenant)),
	)
}

// RecordEmbedCacheHit records an embedding LRU hit.
func (m *Metrics) RecordEmbedCacheHit(ctx context.Context, model string) {
	m.EmbedCacheHits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// RecordEmbedCacheMiss records an embedding LRU miss.
func (m *Metrics) RecordEmbedCacheMiss(ctx context.Context, model string) {
	m.EmbedCacheMisses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// RecordEmbedCall records one embedding backend call, successful or not.
func (m *Metrics) RecordEmbedCall(ctx context.Context, model string, seconds float64) {
	m.EmbedDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("model", model)),
	)
}
