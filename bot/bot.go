// Package bot wires the chat and social streams together and owns their
// lifecycle. A Bot replaces process-wide client handles: signal handlers and
// command handlers receive the Bot instead of reaching for globals.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/feedrelay/bridge"
	"github.com/onnwee/feedrelay/chat"
	"github.com/onnwee/feedrelay/command"
	"github.com/onnwee/feedrelay/social"
	"github.com/onnwee/feedrelay/subscription"
	"github.com/onnwee/feedrelay/telemetry"
)

const (
	farewell        = "Shutting down, bye!"
	shutdownTimeout = 10 * time.Second
)

// Status is a point-in-time view of the bot for the HTTP surface.
type Status struct {
	Chat          string       `json:"chat"`
	Social        string       `json:"social"`
	Feed          string       `json:"feed"`
	Authenticated bool         `json:"authenticated"`
	Terms         []string     `json:"terms"`
	Stats         social.Stats `json:"stats"`
	StartedAt     time.Time    `json:"started_at"`
}

// Bot owns both stream handles and the subscription set.
type Bot struct {
	subs   *subscription.Set
	social *social.Client
	chat   *chat.Client
	router *command.Router
	bridge *bridge.Bridge
	feed   string
	logger *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	startedAt time.Time

	shutdownOnce sync.Once
	summary      social.Stats
}

// New wires the relay bridge (social to chat) and the command router (chat
// to subscription changes) and registers the exit command.
func New(subs *subscription.Set, soc *social.Client, ch *chat.Client, feed string, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		subs:   subs,
		social: soc,
		chat:   ch,
		feed:   feed,
		logger: logger.With(slog.String("component", "bot")),
	}
	b.bridge = bridge.New(ch, logger)
	b.router = command.New(subs, soc, logger)
	b.router.Handle("exit", "shut the bot down", b.exit)
	soc.OnEvent(b.bridge.Relay)
	ch.SetDispatcher(b.router)
	telemetry.SetSubscriptionTerms(subs.Len())
	return b
}

// Router exposes the command router so other surfaces can issue commands.
func (b *Bot) Router() *command.Router { return b.router }

// Run logs in, starts the social stream, connects chat and blocks in the
// chat monitor until ctx is done or the exit command arrives. Both streams
// are shut down before Run returns.
func (b *Bot) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	b.cancel = cancel
	b.startedAt = time.Now().UTC()
	b.mu.Unlock()
	defer b.Shutdown(context.WithoutCancel(ctx))

	b.logger.Info("bot starting", slog.Any("terms", b.subs.Snapshot()), slog.String("feed", b.feed))

	b.bridge.Start(runCtx)
	// Login failures leave the social client unauthenticated; Start no-ops.
	_ = b.social.Login(runCtx)
	if err := b.social.Start(runCtx); err != nil {
		b.logger.Error("social stream start failed", slog.Any("err", err))
	}
	if err := b.chat.Connect(runCtx); err != nil {
		return fmt.Errorf("connect chat: %w", err)
	}
	b.chat.Monitor(runCtx)
	return nil
}

// Stop asks Run to return. Safe to call from any goroutine.
func (b *Bot) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Bot) exit(ctx context.Context) (string, error) {
	b.logger.Warn("exit command received")
	b.chat.Send(ctx, farewell)
	b.Stop()
	return "", nil
}

// Shutdown stops the social listener and then the relay worker, posts the
// run summary and closes chat last. Only the first call has any effect.
func (b *Bot) Shutdown(ctx context.Context) {
	b.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		b.social.Close()
		b.bridge.Close()
		stats := b.social.Stats()
		b.mu.Lock()
		b.summary = stats
		b.mu.Unlock()
		b.logger.Info("relay summary",
			slog.Int("total_events", stats.TotalEvents),
			slog.Float64("run_minutes", stats.Minutes()),
			slog.Float64("events_per_min", stats.EventsPerMin),
			slog.String("top_contributor", stats.TopContributor),
			slog.Int("top_count", stats.TopCount),
			slog.Int("relay_dropped", b.bridge.Dropped()),
		)
		if b.chat.Connected() {
			b.chat.Send(ctx, command.FormatStats(stats))
		}
		b.chat.Close()
		b.logger.Info("bot stopped")
	})
}

// Status reports the current state of both streams.
func (b *Bot) Status() Status {
	b.mu.Lock()
	started := b.startedAt
	b.mu.Unlock()
	return Status{
		Chat:          b.chat.State().String(),
		Social:        b.social.State().String(),
		Feed:          b.feed,
		Authenticated: b.social.Authenticated(),
		Terms:         b.subs.Snapshot(),
		Stats:         b.social.Stats(),
		StartedAt:     started,
	}
}

// Ready reports whether chat is monitoring and the social stream is live.
func (b *Bot) Ready() bool {
	return b.chat.State() == chat.StateMonitoring && b.social.State() == social.StateStreaming
}
