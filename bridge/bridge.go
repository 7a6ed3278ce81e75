// Package bridge forwards social events to the chat channel.
//
// Relay only enqueues; one worker goroutine posts queued events in arrival
// order, so a rate-limited chat never stalls the social receive path.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/feedrelay/social"
	"github.com/onnwee/feedrelay/telemetry"
)

// DefaultQueueSize bounds the events waiting for chat.
const DefaultQueueSize = 256

// Sender is the chat send path. Implementations serialize concurrent writers.
type Sender interface {
	Send(ctx context.Context, text string)
}

type queued struct {
	ev social.Event
	at time.Time
}

// Bridge relays events through a bounded FIFO drained by a single worker.
type Bridge struct {
	chat   Sender
	logger *slog.Logger
	queue  chan queued

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	dropped int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithQueueSize sets the queue capacity; events beyond it are dropped.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queue = make(chan queued, n)
		}
	}
}

// New returns a Bridge posting to chat. Call Start before events arrive.
func New(chat Sender, logger *slog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		chat:   chat,
		logger: logger.With(slog.String("component", "bridge")),
		queue:  make(chan queued, DefaultQueueSize),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start launches the worker. It stops when ctx is done or Close is called.
// Calling Start on a running bridge does nothing.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.run(ctx, b.done)
}

// Close stops the worker and waits for it. Events still queued are dropped.
func (b *Bridge) Close() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if n := len(b.queue); n > 0 {
		b.logger.Warn("discarding queued social events on shutdown", slog.Int("pending", n))
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (b *Bridge) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Relay enqueues ev without blocking. It matches social.Handler.
func (b *Bridge) Relay(_ context.Context, ev social.Event) error {
	select {
	case b.queue <- queued{ev: ev, at: time.Now()}:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		telemetry.Inc(telemetry.RelayDropped)
		b.logger.Warn("relay queue full; dropping social event",
			slog.String("event_id", ev.ID), slog.String("user", ev.Username), slog.Int("capacity", cap(b.queue)))
	}
	telemetry.SetRelayQueueDepth(len(b.queue))
	return nil
}

func (b *Bridge) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-b.queue:
			b.post(ctx, q)
			telemetry.SetRelayQueueDepth(len(b.queue))
		}
	}
}

func (b *Bridge) post(ctx context.Context, q queued) {
	wait := time.Since(q.at)
	ctx, span := telemetry.StartRelaySpan(ctx, q.ev.Source, q.ev.ID, wait)
	defer span.End()

	b.chat.Send(ctx, Format(q.ev))
	telemetry.Observe(telemetry.RelayDuration, time.Since(q.at).Seconds())
	if err := ctx.Err(); err != nil {
		telemetry.RecordError(span, err)
		return
	}
	span.SetAttributes(attribute.Int("relay.queue_depth", len(b.queue)))
	telemetry.SetSpanSuccess(span)
	b.logger.Debug("relayed social event", slog.String("event_id", q.ev.ID), slog.String("user", q.ev.Username), slog.Duration("queued", wait))
}

// Format renders ev as one chat line, e.g.
//
//	[x] @alice (2024-01-02 15:04 UTC): text
//
// Missing fields get placeholders and line breaks collapse to spaces.
func Format(ev social.Event) string {
	source := ev.Source
	if source == "" {
		source = "social"
	}
	user := strings.TrimPrefix(strings.TrimSpace(ev.Username), "@")
	if user == "" {
		user = "unknown"
	}
	when := "unknown time"
	if !ev.Timestamp.IsZero() {
		when = ev.Timestamp.UTC().Format("2006-01-02 15:04") + " UTC"
	}
	text := strings.Join(strings.Fields(ev.Text), " ")
	if text == "" {
		text = "(no text)"
	}
	return fmt.Sprintf("[%s] @%s (%s): %s", source, user, when, text)
}
