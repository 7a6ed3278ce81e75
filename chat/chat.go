package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/feedrelay/streamerr"
	"github.com/onnwee/feedrelay/telemetry"
)

const (
	// DefaultReply answers messages that mention the bot without a command.
	DefaultReply = "Who wants Ramen or Ramlets?"
	// MaxMessageLength is the Twitch limit for one PRIVMSG body.
	MaxMessageLength = 500

	defaultRetryDelay = 2 * time.Second
	defaultSendBurst  = 20
	defaultSendPer    = 30 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryDelay sets the fixed wait after a transient read error.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithSendLimit allows burst messages per interval on the send path.
// A non-positive burst disables limiting.
func WithSendLimit(burst int, per time.Duration) Option {
	return func(c *Client) {
		if burst <= 0 || per <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(per/time.Duration(burst)), burst)
	}
}

// WithDefaultReply overrides the canned reply sent to plain mentions.
func WithDefaultReply(s string) Option {
	return func(c *Client) { c.defaultReply = s }
}

// Client monitors one chat channel and owns its outbound send path.
type Client struct {
	transport    Transport
	mention      string
	logger       *slog.Logger
	retryDelay   time.Duration
	limiter      *rate.Limiter
	defaultReply string

	// sendMu is held for every outbound message and for Close.
	sendMu sync.Mutex

	mu         sync.Mutex
	state      State
	closed     bool
	dispatcher Dispatcher
}

// New returns a disconnected Client. mention is the token that addresses the
// bot, e.g. "@feedbot".
func New(transport Transport, mention string, opts ...Option) *Client {
	c := &Client{
		transport:    transport,
		mention:      mention,
		logger:       slog.Default(),
		retryDelay:   defaultRetryDelay,
		limiter:      rate.NewLimiter(rate.Every(defaultSendPer/defaultSendBurst), defaultSendBurst),
		defaultReply: DefaultReply,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With(slog.String("component", "chat"))
	return c
}

// Mention returns the token that addresses the bot.
func (c *Client) Mention() string { return c.mention }

// SetDispatcher registers the command dispatcher.
func (c *Client) SetDispatcher(d Dispatcher) {
	c.mu.Lock()
	c.dispatcher = d
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the session is usable (connected or monitoring).
func (c *Client) Connected() bool {
	s := c.State()
	return s == StateConnected || s == StateMonitoring
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.closed && s != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	telemetry.SetStreamState("chat", int(s))
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connect opens the transport session.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return streamerr.ErrClosed
	}
	c.logger.Info("connecting to chat")
	if err := c.transport.Connect(ctx); err != nil {
		c.logger.Error("chat connect failed", slog.Any("err", err))
		telemetry.IncLabel(telemetry.FatalErrors, "chat")
		return fmt.Errorf("chat connect: %w", err)
	}
	c.setState(StateConnected)
	c.logger.Info("chat connected")
	return nil
}

// Monitor handles inbound messages until ctx is done, Close is called, or
// the transport fails fatally. It returns immediately when not connected.
func (c *Client) Monitor(ctx context.Context) {
	if !c.Connected() {
		c.logger.Error("chat not connected; monitor skipped")
		return
	}
	c.setState(StateMonitoring)
	c.logger.Info("monitoring chat")
	defer c.logger.Info("chat monitor stopped")

	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		events, err := c.transport.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			if streamerr.IsTransient(err) {
				c.logger.Warn("transient chat read error; retrying", slog.Any("err", err), slog.Duration("delay", c.retryDelay))
				telemetry.IncLabel(telemetry.TransientErrors, "chat")
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.retryDelay):
				}
				continue
			}
			c.logger.Error("chat read failed; closing session", slog.Any("err", err))
			telemetry.IncLabel(telemetry.FatalErrors, "chat")
			c.Close()
			return
		}
		for _, ev := range events {
			c.handle(ctx, ev)
		}
	}
}

func (c *Client) handle(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("chat event handling panicked", slog.Any("panic", r), slog.String("sender", ev.Sender))
		}
	}()
	telemetry.Inc(telemetry.ChatMessagesReceived)
	if !ev.Mentioned {
		return
	}
	cmd := Parse(ev.Text, c.mention)
	logger := c.logger.With(slog.String("sender", ev.Sender), slog.String("kind", cmd.Kind.String()))
	switch cmd.Kind {
	case KindNone:
		return
	case KindPrompt:
		c.Send(ctx, fmt.Sprintf("Please enter a valid command, e.g. %s help", c.mention))
	case KindChatter:
		c.Send(ctx, c.defaultReply)
	case KindCommand, KindTerms:
		c.mu.Lock()
		d := c.dispatcher
		c.mu.Unlock()
		if d == nil {
			logger.Warn("no command dispatcher registered", slog.String("verb", cmd.Verb))
			return
		}
		reply, err := d.Dispatch(ctx, cmd)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("chat command rejected", slog.String("verb", cmd.Verb), slog.Any("err", err))
		}
		if reply != "" {
			c.Send(ctx, reply)
		}
	}
}

// Send posts text to the channel. Every writer shares one lock so messages
// never interleave. Failures are logged and counted, never returned.
func (c *Client) Send(ctx context.Context, text string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		c.logger.Error("chat send on closed session", slog.String("text", text))
		telemetry.Inc(telemetry.SendFailures)
		return
	}
	text = truncate(text, MaxMessageLength)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Error("chat send aborted while rate limited", slog.Any("err", err))
			telemetry.Inc(telemetry.SendFailures)
			return
		}
	}
	if err := c.transport.Send(ctx, text); err != nil {
		c.logger.Error("chat send failed", slog.Any("err", err))
		telemetry.Inc(telemetry.SendFailures)
		return
	}
	telemetry.Inc(telemetry.MessagesSent)
}

// Close marks the session closed and releases the transport. It is
// idempotent and does not wait for Monitor to return.
func (c *Client) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.setState(StateClosed)

	if err := c.transport.Close(); err != nil {
		c.logger.Warn("chat transport close", slog.Any("err", err))
	}
	c.logger.Info("chat closed")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
