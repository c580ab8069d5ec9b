// Package observe provides application-wide observability primitives for
// Voxwire: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxwire metrics.
const meterName = "github.com/voxwire/voxwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// Per-stage latency histograms, seconds.
	STTDuration metric.Float64Histogram
	LLMDuration metric.Float64Histogram
	TTSDuration metric.Float64Histogram

	// TurnDuration is end-to-end turn latency, final transcript to first
	// audio byte.
	TurnDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls, attributed by provider,
	// stage, and status. ProviderErrors counts the failures among them.
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	// CacheLookups counts synthesis cache lookups, attributed by outcome
	// ("hit", "miss", "wait").
	CacheLookups metric.Int64Counter

	// UsageEvents and QuotaDenials track the metering plane, attributed by
	// tenant tier plus metric name or limit class respectively.
	UsageEvents  metric.Int64Counter
	QuotaDenials metric.Int64Counter

	// WebhookDeliveries counts delivery attempts by event kind and status.
	WebhookDeliveries metric.Int64Counter

	// Live gauges.
	ActiveSessions    metric.Int64UpDownCounter
	ActiveConnections metric.Int64UpDownCounter
	PregenQueueDepth  metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by the router middleware, attributed
	// by method and route pattern.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 2.5, 5, 10,
}

// instrumentSet accumulates instrument-creation errors so NewMetrics reads as
// a flat list instead of a ladder of error checks.
type instrumentSet struct {
	meter metric.Meter
	errs  []error
}

func (s *instrumentSet) histogram(name, desc string) metric.Float64Histogram {
	h, err := s.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	s.errs = append(s.errs, err)
	return h
}

func (s *instrumentSet) counter(name, desc string) metric.Int64Counter {
	c, err := s.meter.Int64Counter(name, metric.WithDescription(desc))
	s.errs = append(s.errs, err)
	return c
}

func (s *instrumentSet) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := s.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	s.errs = append(s.errs, err)
	return g
}

// NewMetrics creates every instrument on a meter from mp. An error from any
// single instrument fails the whole call.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	set := &instrumentSet{meter: mp.Meter(meterName)}

	met := &Metrics{
		STTDuration:  set.histogram("voxwire.stt.duration", "Speech-to-text transcription latency."),
		LLMDuration:  set.histogram("voxwire.llm.duration", "Language-model inference latency."),
		TTSDuration:  set.histogram("voxwire.tts.duration", "Text-to-speech synthesis latency."),
		TurnDuration: set.histogram("voxwire.turn.duration", "End-to-end conversation turn latency."),

		ProviderRequests:  set.counter("voxwire.provider.requests", "Provider API requests by provider, stage, and status."),
		ProviderErrors:    set.counter("voxwire.provider.errors", "Provider errors by provider and stage."),
		CacheLookups:      set.counter("voxwire.synth.cache.lookups", "Synthesis cache lookups by outcome."),
		UsageEvents:       set.counter("voxwire.usage.events", "Recorded usage events by tier and metric."),
		QuotaDenials:      set.counter("voxwire.quota.denials", "Quota rejections by tier and limit class."),
		WebhookDeliveries: set.counter("voxwire.webhook.deliveries", "Webhook delivery attempts by event and status."),

		ActiveSessions:    set.gauge("voxwire.active_sessions", "Live voice sessions."),
		ActiveConnections: set.gauge("voxwire.active_connections", "Open WebSocket connections."),
		PregenQueueDepth:  set.gauge("voxwire.pregen.queue_depth", "Queued pregeneration jobs."),
	}

	// The HTTP histogram keeps default buckets; request latency spans a wider
	// range than pipeline stages.
	var err error
	met.HTTPRequestDuration, err = set.meter.Float64Histogram("voxwire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	)
	set.errs = append(set.errs, err)

	if err := errors.Join(set.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from the global meter provider. Panics if instrument creation
// fails, which the global provider never does.
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

// RecordProviderRequest increments the provider request counter with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, stage, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, stage string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("stage", stage),
	))
}

// RecordCacheLookup increments the cache lookup counter with its outcome:
// "hit", "miss", or "wait".
func (m *Metrics) RecordCacheLookup(ctx context.Context, outcome string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordUsageEvent increments the usage event counter.
func (m *Metrics) RecordUsageEvent(ctx context.Context, tier, metricName string) {
	m.UsageEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("metric", metricName),
	))
}

// RecordQuotaDenial increments the quota denial counter.
func (m *Metrics) RecordQuotaDenial(ctx context.Context, tier, limitClass string) {
	m.QuotaDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("limit_class", limitClass),
	))
}

// RecordWebhookDelivery increments the webhook delivery counter.
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, event, status string) {
	m.WebhookDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("status", status),
	))
}
