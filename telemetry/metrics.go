// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SocialEventsReceived prometheus.Counter
	ChatMessagesReceived prometheus.Counter
	MessagesSent         prometheus.Counter
	SendFailures         prometheus.Counter
	StreamRestarts       prometheus.Counter
	RelayDropped         prometheus.Counter
	TransientErrors      *prometheus.CounterVec // label: stream (social|chat)
	FatalErrors          *prometheus.CounterVec // label: stream (social|chat)
	CommandsHandled      *prometheus.CounterVec // label: verb

	// Gauges
	SubscriptionTerms prometheus.Gauge
	StreamState       *prometheus.GaugeVec // label: stream; value is the numeric state
	RelayQueueDepth   prometheus.Gauge

	// Histograms (seconds)
	RelayDuration prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SocialEventsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "feedrelay_social_events_total", Help: "Number of social events received from the filtered stream"})
		ChatMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "feedrelay_chat_messages_total", Help: "Number of chat messages read from the chat stream"})
		MessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "feedrelay_chat_sent_total", Help: "Number of messages posted to the chat channel"})
		SendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "feedrelay_chat_send_failures_total", Help: "Number of chat posts that failed"})
		StreamRestarts = promauto.NewCounter(prometheus.CounterOpts{Name: "feedrelay_social_restarts_total", Help: "Number of social stream reconnects triggered by subscription changes"})
		RelayDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "feedrelay_relay_dropped_total", Help: "Social events dropped because the relay queue was full"})
		TransientErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedrelay_transient_errors_total", Help: "Transient transport errors retried in place"}, []string{"stream"})
		FatalErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedrelay_fatal_errors_total", Help: "Fatal transport errors that closed a stream"}, []string{"stream"})
		CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedrelay_commands_total", Help: "Chat commands dispatched by verb"}, []string{"verb"})
		SubscriptionTerms = promauto.NewGauge(prometheus.GaugeOpts{Name: "feedrelay_subscription_terms", Help: "Current number of tracked subscription terms"})
		StreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "feedrelay_stream_state", Help: "Current state of each stream handle"}, []string{"stream"})
		RelayQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "feedrelay_relay_queue_depth", Help: "Social events waiting to be posted to chat"})
		RelayDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "feedrelay_relay_duration_seconds", Help: "Time from receiving a social event to posting it in chat", Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5}})
	})
}

// Inc increments c when metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncLabel increments the labelled counter when metrics are initialized.
func IncLabel(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

// SetSubscriptionTerms records the current number of tracked terms.
func SetSubscriptionTerms(n int) {
	if SubscriptionTerms != nil {
		SubscriptionTerms.Set(float64(n))
	}
}

// SetStreamState records the numeric state of a stream handle.
func SetStreamState(stream string, state int) {
	if StreamState != nil {
		StreamState.WithLabelValues(stream).Set(float64(state))
	}
}

// SetRelayQueueDepth records how many events wait for chat.
func SetRelayQueueDepth(n int) {
	if RelayQueueDepth != nil {
		RelayQueueDepth.Set(float64(n))
	}
}

// Observe records seconds in obs if non-nil.
func Observe(obs prometheus.Observer, seconds float64) {
	if obs != nil {
		obs.Observe(seconds)
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns base (or the default logger) with a corr attribute if present.
func LoggerWithCorr(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := GetCorrelation(ctx); id != "" {
		return base.With(slog.String("corr", id))
	}
	return base
}
