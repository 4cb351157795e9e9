// Package observe provides observability primitives for livescribe:
// OpenTelemetry metrics, distributed tracing, trace-aware structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via /metrics. Tests should use [NewMetrics] with a meter provider
// backed by a manual reader to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Metrics holds all OpenTelemetry metric instruments for the broker.
// All fields are safe for concurrent use.
type Metrics struct {
	// ModelLoadDuration tracks engine model load latency. Attributes:
	//   attribute.String("language", ...), attribute.String("status", ...)
	ModelLoadDuration metric.Float64Histogram

	// TransitionDuration tracks one state-machine transition while the
	// conversation lock is held. Attribute: attribute.String("op", ...)
	TransitionDuration metric.Float64Histogram

	// Requests counts service operations by op, language and status.
	Requests metric.Int64Counter

	// Errors counts failed operations by op and error kind.
	Errors metric.Int64Counter

	// Transcripts counts emitted non-empty results. Attributes:
	//   attribute.String("language", ...), attribute.Bool("final", ...)
	Transcripts metric.Int64Counter

	// AudioBytes counts decoded PCM bytes fed to engines per language.
	AudioBytes metric.Int64Counter

	// BreakerTransitions counts model load circuit breaker state changes.
	// Attributes: attribute.String("language", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// ModelsLoaded tracks the number of resident models.
	ModelsLoaded metric.Int64UpDownCounter

	// ActiveSessions tracks live recognition sessions across all languages.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", "2xx"...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets covers per-chunk transitions (milliseconds) up to batch
// inference on long utterances.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// loadBuckets covers model loads, which range from instant (remote engines)
// to tens of seconds for large on-disk models.
var loadBuckets = []float64{
	0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ModelLoadDuration, err = m.Float64Histogram("livescribe.model.load.duration",
		metric.WithDescription("Latency of loading a language model into the engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(loadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransitionDuration, err = m.Float64Histogram("livescribe.transition.duration",
		metric.WithDescription("Latency of one utterance state-machine transition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Requests, err = m.Int64Counter("livescribe.requests",
		metric.WithDescription("Total recognition operations by op, language, and status."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("livescribe.errors",
		metric.WithDescription("Total failed operations by op and error kind."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("livescribe.transcripts",
		metric.WithDescription("Total non-empty transcripts by language and finality."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("livescribe.audio.bytes",
		metric.WithDescription("Decoded PCM bytes fed to engines."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("livescribe.breaker.transitions",
		metric.WithDescription("Model load circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	if met.ModelsLoaded, err = m.Int64UpDownCounter("livescribe.models.loaded",
		metric.WithDescription("Number of resident language models."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livescribe.sessions.active",
		metric.WithDescription("Number of live recognition sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status class."),
		metric.WithUnit("s"),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRequest increments the request counter. status is "ok" or "error".
func (m *Metrics) RecordRequest(ctx context.Context, op, language, status string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("language", language),
			attribute.String("status", status),
		),
	)
}

// RecordError increments the error counter for kind.
func (m *Metrics) RecordError(ctx context.Context, op, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", kind),
		),
	)
}

// RecordTranscript counts a transcript with non-empty text.
func (m *Metrics) RecordTranscript(ctx context.Context, language string, final bool) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.Bool("final", final),
		),
	)
}

// RecordAudio adds n decoded bytes for language.
func (m *Metrics) RecordAudio(ctx context.Context, language string, n int) {
	m.AudioBytes.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("language", language)),
	)
}

// RecordTransition records the duration of one transition in seconds.
func (m *Metrics) RecordTransition(ctx context.Context, op string, seconds float64) {
	m.TransitionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordModelLoad records the duration of one model load attempt.
func (m *Metrics) RecordModelLoad(ctx context.Context, language, status string, seconds float64) {
	m.ModelLoadDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition counts a breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, language, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("to", to),
		),
	)
}
