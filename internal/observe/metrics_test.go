package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// sumValue collects from reader and returns the int64 sum data point of the
// named metric whose attributes include attrKey=attrVal. An empty attrKey
// matches the first data point. Returns -1 when nothing matches.
func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name, attrKey, attrVal string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				if attrKey == "" {
					return dp.Value
				}
				if v, ok := dp.Attributes.Value(attribute.Key(attrKey)); ok && v.AsString() == attrVal {
					return dp.Value
				}
			}
		}
	}
	return -1
}

// histogramCount collects from reader and returns the sample count of the
// named histogram's first data point, or -1 when absent.
func histogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("%s: not a float64 histogram", name)
			}
			if len(hist.DataPoints) == 0 {
				return -1
			}
			return int64(hist.DataPoints[0].Count)
		}
	}
	return -1
}

func TestStageHistogramsRecord(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	for _, h := range []metric.Float64Histogram{m.STTDuration, m.LLMDuration, m.TTSDuration, m.TurnDuration} {
		h.Record(ctx, 0.042)
		h.Record(ctx, 0.197)
	}

	for _, name := range []string{
		"voxwire.stt.duration",
		"voxwire.llm.duration",
		"voxwire.tts.duration",
		"voxwire.turn.duration",
	} {
		if got := histogramCount(t, reader, name); got != 2 {
			t.Errorf("%s: sample count = %d, want 2", name, got)
		}
	}
}

func TestRecorderHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "elevenlabs", "tts", "ok")
	m.RecordProviderRequest(ctx, "elevenlabs", "tts", "ok")
	m.RecordProviderRequest(ctx, "elevenlabs", "tts", "error")
	m.RecordProviderError(ctx, "elevenlabs", "tts")
	m.RecordCacheLookup(ctx, "hit")
	m.RecordCacheLookup(ctx, "hit")
	m.RecordCacheLookup(ctx, "miss")
	m.RecordUsageEvent(ctx, "professional", "synthesis_chars")
	m.RecordQuotaDenial(ctx, "starter", "month")
	m.RecordWebhookDelivery(ctx, "session-ended", "ok")
	m.RecordWebhookDelivery(ctx, "session-ended", "failed")

	cases := []struct {
		metric, key, val string
		want             int64
	}{
		{"voxwire.provider.requests", "status", "ok", 2},
		{"voxwire.provider.requests", "status", "error", 1},
		{"voxwire.provider.errors", "provider", "elevenlabs", 1},
		{"voxwire.synth.cache.lookups", "outcome", "hit", 2},
		{"voxwire.synth.cache.lookups", "outcome", "miss", 1},
		{"voxwire.usage.events", "metric", "synthesis_chars", 1},
		{"voxwire.quota.denials", "limit_class", "month", 1},
		{"voxwire.webhook.deliveries", "status", "ok", 1},
		{"voxwire.webhook.deliveries", "status", "failed", 1},
	}
	for _, tc := range cases {
		if got := sumValue(t, reader, tc.metric, tc.key, tc.val); got != tc.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tc.metric, tc.key, tc.val, got, tc.want)
		}
	}
}

func TestGaugesTrackUpAndDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ActiveConnections.Add(ctx, 3)
	m.PregenQueueDepth.Add(ctx, 5)
	m.PregenQueueDepth.Add(ctx, -2)

	cases := []struct {
		name string
		want int64
	}{
		{"voxwire.active_sessions", 1},
		{"voxwire.active_connections", 3},
		{"voxwire.pregen.queue_depth", 3},
	}
	for _, tc := range cases {
		if got := sumValue(t, reader, tc.name, "", ""); got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestHTTPRequestDurationRecords(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.HTTPRequestDuration.Record(context.Background(), 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	if got := histogramCount(t, reader, "voxwire.http.request.duration"); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
