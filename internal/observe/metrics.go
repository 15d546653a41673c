// Package observe provides application-wide observability primitives for
// calltail: OpenTelemetry metrics, tracing helpers, and the Prometheus
// exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all calltail metrics.
const meterName = "github.com/calltail/calltail"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FetchDuration tracks the latency of calls-listing requests.
	FetchDuration metric.Float64Histogram

	// RecordsDelivered counts records handed to the consumer. Use with
	// attribute.String("class", ...) — "new" or "update".
	RecordsDelivered metric.Int64Counter

	// RecordsSuppressed counts records the reconciliation engine dropped
	// (duplicates, backlog, missing IDs).
	RecordsSuppressed metric.Int64Counter

	// TransportErrors counts classified transport failures. Use with
	// attribute.String("class", ...) — "auth", "not_found", "transient",
	// or "other".
	TransportErrors metric.Int64Counter

	// PushReconnects counts successful push channel (re)connects.
	PushReconnects metric.Int64Counter

	// AlertHits counts keyword alert rule matches. Use with
	// attribute.String("rule", ...).
	AlertHits metric.Int64Counter

	// ArchiveWrites counts records persisted to the call archive. Use with
	// attribute.String("status", ...) — "ok" or "error".
	ArchiveWrites metric.Int64Counter

	// QueueDepth tracks the current fill of the consumer hand-off channel.
	QueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live stream sessions (0 or 1 in
	// the daemon, but kept as a gauge so reconnect churn is visible).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// a polling HTTP client.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FetchDuration, err = m.Float64Histogram("calltail.fetch.duration",
		metric.WithDescription("Latency of calls-listing requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecordsDelivered, err = m.Int64Counter("calltail.records.delivered",
		metric.WithDescription("Total records delivered to the consumer by class."),
	); err != nil {
		return nil, err
	}
	if met.RecordsSuppressed, err = m.Int64Counter("calltail.records.suppressed",
		metric.WithDescription("Total records suppressed by the reconciliation engine."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("calltail.transport.errors",
		metric.WithDescription("Total classified transport failures by class."),
	); err != nil {
		return nil, err
	}
	if met.PushReconnects, err = m.Int64Counter("calltail.push.reconnects",
		metric.WithDescription("Total successful push channel (re)connects."),
	); err != nil {
		return nil, err
	}
	if met.AlertHits, err = m.Int64Counter("calltail.alert.hits",
		metric.WithDescription("Total keyword alert rule matches by rule."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveWrites, err = m.Int64Counter("calltail.archive.writes",
		metric.WithDescription("Total call archive writes by status."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("calltail.queue.depth",
		metric.WithDescription("Current fill of the consumer hand-off channel."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("calltail.active_sessions",
		metric.WithDescription("Number of live stream sessions."),
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

// RecordDelivery records one delivered record with its class attribute.
func (m *Metrics) RecordDelivery(ctx context.Context, class string) {
	m.RecordsDelivered.Add(ctx, 1,
		metric.WithAttributes(attribute.String("class", class)),
	)
}

// RecordSuppressed records one suppressed record.
func (m *Metrics) RecordSuppressed(ctx context.Context) {
	m.RecordsSuppressed.Add(ctx, 1)
}

// RecordTransportError records one classified transport failure.
func (m *Metrics) RecordTransportError(ctx context.Context, class string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("class", class)),
	)
}

// RecordAlertHit records one keyword alert match for the named rule.
func (m *Metrics) RecordAlertHit(ctx context.Context, rule string) {
	m.AlertHits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("rule", rule)),
	)
}

// RecordArchiveWrite records one archive write with its outcome.
func (m *Metrics) RecordArchiveWrite(ctx context.Context, status string) {
	m.ArchiveWrites.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
