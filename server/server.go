// Package server exposes the HTTP status surface: liveness and readiness
// checks, a JSON status snapshot, Prometheus metrics and an admin endpoint
// that feeds the command router. Correlation IDs are injected into request
// contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/feedrelay/bot"
	"github.com/onnwee/feedrelay/chat"
	"github.com/onnwee/feedrelay/telemetry"
)

// Relay is the part of the bot the HTTP surface reports on.
type Relay interface {
	Status() bot.Status
	Ready() bool
}

// Options configures the admin endpoint.
type Options struct {
	AdminToken string

	rateLimit rateLimiterConfig // zero value uses defaultRateLimiterConfig
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, relay Relay, dispatcher chat.Dispatcher, opts Options) http.Handler {
	rl := opts.rateLimit
	if rl.requestsPerIP == 0 {
		rl = defaultRateLimiterConfig()
	}
	limiter := newIPRateLimiter(ctx, &rl)
	h := &Handlers{relay: relay, dispatcher: dispatcher}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.Handle("/admin/command",
		adminAuth(rateLimitMiddleware(http.HandlerFunc(h.HandleAdminCommand), limiter), opts.AdminToken))

	return withCorrelation(mux)
}

// withCorrelation reuses X-Correlation-ID when provided, else generates one,
// and wraps the request in a span.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHTTP, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx, slog.Default()).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 400 {
			telemetry.RecordError(span, fmt.Errorf("HTTP %d", rec.statusCode))
		} else {
			telemetry.SetSpanSuccess(span)
		}
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}

func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	if idx := strings.LastIndex(ip, ":"); idx >= 0 && !strings.HasSuffix(ip, "]") {
		ip = ip[:idx]
	}
	return strings.Trim(ip, "[]")
}
