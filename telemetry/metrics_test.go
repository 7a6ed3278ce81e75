package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // second call must not re-register

	if SocialEventsReceived == nil || MessagesSent == nil || SendFailures == nil {
		t.Fatal("counters not initialized")
	}
	if TransientErrors == nil || FatalErrors == nil || CommandsHandled == nil {
		t.Fatal("counter vectors not initialized")
	}
	if SubscriptionTerms == nil || StreamState == nil || RelayDuration == nil {
		t.Fatal("gauges/histograms not initialized")
	}
}

func TestIncHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(MessagesSent)
	Inc(MessagesSent)
	if got := testutil.ToFloat64(MessagesSent); got != before+1 {
		t.Errorf("MessagesSent = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(CommandsHandled.WithLabelValues("add"))
	IncLabel(CommandsHandled, "add")
	if got := testutil.ToFloat64(CommandsHandled.WithLabelValues("add")); got != before+1 {
		t.Errorf("commands{add} = %v, want %v", got, before+1)
	}

	// nil collectors are ignored
	Inc(nil)
	IncLabel(nil, "x")
	Observe(nil, 1)
}

func TestGauges(t *testing.T) {
	Init()

	SetSubscriptionTerms(4)
	if got := testutil.ToFloat64(SubscriptionTerms); got != 4 {
		t.Errorf("SubscriptionTerms = %v, want 4", got)
	}
	SetStreamState("social", 2)
	if got := testutil.ToFloat64(StreamState.WithLabelValues("social")); got != 2 {
		t.Errorf("StreamState{social} = %v, want 2", got)
	}
}

func TestObserveRecordsSample(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_relay_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	Observe(h, 0.2)

	metric := &dto.Metric{}
	if err := h.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() != 1 {
		t.Errorf("expected one observation, got %v", metric.Histogram)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("expected empty correlation on bare context")
	}
	ctx = WithCorrelation(ctx, "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Errorf("GetCorrelation() = %q, want abc", got)
	}
	if LoggerWithCorr(ctx, nil) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
