package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names used by the relay's spans.
const (
	TracerRelay   = "feedrelay/relay"
	TracerCommand = "feedrelay/command"
	TracerHTTP    = "feedrelay/http"
)

var (
	tracerProvider   *sdktrace.TracerProvider
	isTracingEnabled = false
)

// TracingConfig is read from the standard OTEL_* environment variables.
type TracingConfig struct {
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT; empty disables tracing
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE, default true
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0,1], default 1
}

// TracingConfigFromEnv reads TracingConfig.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    true,
		SampleRatio: sampleRatio(),
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Insecure = b
		}
	}
	return cfg
}

// InitTracing installs an OTLP/gRPC tracer provider for the relay. Without
// an endpoint it returns a no-op shutdown and spans stay non-recording.
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	cfg := TracingConfigFromEnv()
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tracerProvider)
	isTracingEnabled = true
	slog.Info("tracing initialized",
		slog.String("service", serviceName),
		slog.String("endpoint", cfg.Endpoint),
		slog.Float64("sample_ratio", cfg.SampleRatio),
	)

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
		}
	}, nil
}

// sampleRatio reads OTEL_TRACES_SAMPLER_ARG, defaulting to sampling everything.
func sampleRatio() float64 {
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 && r <= 1 {
			return r
		}
	}
	return 1
}

// IsTracingEnabled returns whether tracing is active.
func IsTracingEnabled() bool {
	return isTracingEnabled
}

// StartSpan starts a span tagged with the context's correlation id.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// StartRelaySpan covers posting one social event to chat. queued is how long
// the event waited between the social stream and the chat send path.
func StartRelaySpan(ctx context.Context, source, eventID string, queued time.Duration) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerRelay, "relay.post",
		attribute.String("social.source", source),
		attribute.String("social.event_id", eventID),
		attribute.Int64("relay.queued_ms", queued.Milliseconds()),
	)
}

// StartCommandSpan covers one chat or admin command.
func StartCommandSpan(ctx context.Context, verb string, terms int) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerCommand, "command.dispatch",
		attribute.String("command.verb", verb),
		attribute.Int("command.terms", terms),
	)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess sets span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
