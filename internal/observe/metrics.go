// Package observe provides the observability primitives shared by the
// duologue service: OpenTelemetry metrics, tracing, trace-aware logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed to
// Prometheus by the exporter installed in [InitProvider]. [DefaultMetrics]
// returns a package-level instance bound to the global provider; tests build
// their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duologue metrics.
const meterName = "github.com/MrWong99/duologue"

// Status attribute values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ---- latency ----

	// SynthesisDuration tracks one voice synthesis call. Attributes:
	// provider, status.
	SynthesisDuration metric.Float64Histogram

	// GenerationDuration tracks one text-generation operation including its
	// retries. Attributes: op, status.
	GenerationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path, status.
	HTTPRequestDuration metric.Float64Histogram

	// ---- counters ----

	// ProviderRequests counts provider API calls. Attributes: provider,
	// kind (voice|llm), status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// GenerationRetries counts retried text-generation attempts. Attribute: op.
	GenerationRetries metric.Int64Counter

	// PlaybackItems counts items that reached a terminal playback state.
	// Attributes: media (audio|utterance), outcome (ended|failed).
	PlaybackItems metric.Int64Counter

	// Comments counts processed listener comments. Attribute: status.
	Comments metric.Int64Counter

	// ProviderSwitches counts voice provider changes. Attributes: from, to.
	ProviderSwitches metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// name, to.
	BreakerTransitions metric.Int64Counter

	// ---- gauges ----

	// ActiveSessions tracks the number of live discussion sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PendingComments tracks comments waiting across all sessions.
	PendingComments metric.Int64UpDownCounter
}

// latencyBuckets (seconds) cover single TTS calls up to multi-turn
// discussion generation.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SynthesisDuration, err = m.Float64Histogram("duologue.synthesis.duration",
		metric.WithDescription("Latency of a single voice synthesis call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("duologue.generation.duration",
		metric.WithDescription("Latency of a text-generation operation including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("duologue.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path, and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("duologue.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("duologue.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.GenerationRetries, err = m.Int64Counter("duologue.generation.retries",
		metric.WithDescription("Text-generation attempts retried after a transient failure."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("duologue.playback.items",
		metric.WithDescription("Playback items by media kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Comments, err = m.Int64Counter("duologue.comments",
		metric.WithDescription("Listener comments processed by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderSwitches, err = m.Int64Counter("duologue.provider.switches",
		metric.WithDescription("Voice provider changes."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("duologue.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("duologue.active_sessions",
		metric.WithDescription("Number of live discussion sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingComments, err = m.Int64UpDownCounter("duologue.pending_comments",
		metric.WithDescription("Comments queued and not yet integrated."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. It panics if instrument creation
// fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// StatusOf maps err to [StatusOK] or [StatusError].
func StatusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSynthesis records one synthesis call against provider. A failed call
// also counts as a provider error.
func (m *Metrics) RecordSynthesis(ctx context.Context, provider string, d time.Duration, err error) {
	status := StatusOf(err)
	m.SynthesisDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	m.RecordProviderRequest(ctx, provider, "voice", status)
	if err != nil {
		m.RecordProviderError(ctx, provider, "voice")
	}
}

// RecordGeneration records one text-generation operation.
func (m *Metrics) RecordGeneration(ctx context.Context, op, provider string, d time.Duration, err error) {
	status := StatusOf(err)
	m.GenerationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.RecordProviderRequest(ctx, provider, "llm", status)
	if err != nil {
		m.RecordProviderError(ctx, provider, "llm")
	}
}

// RecordRetry increments the generation retry counter.
func (m *Metrics) RecordRetry(ctx context.Context, op string) {
	m.GenerationRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordPlaybackItem counts an item reaching a terminal state.
func (m *Metrics) RecordPlaybackItem(ctx context.Context, media, outcome string) {
	m.PlaybackItems.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("media", media),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordComment counts a processed comment.
func (m *Metrics) RecordComment(ctx context.Context, status string) {
	m.Comments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderSwitch counts a voice provider change.
func (m *Metrics) RecordProviderSwitch(ctx context.Context, from, to string) {
	m.ProviderSwitches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}
