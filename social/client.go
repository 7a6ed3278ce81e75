package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/onnwee/feedrelay/streamerr"
	"github.com/onnwee/feedrelay/telemetry"
)

const (
	defaultRetryDelay     = time.Second
	defaultConnectRetries = 5
)

// TermSource supplies the subscription terms used when the stream (re)starts.
type TermSource interface {
	Snapshot() []string
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryDelay sets the fixed wait before a transient error is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithConnectRetries caps how many transient connect failures are retried.
func WithConnectRetries(n uint64) Option {
	return func(c *Client) { c.connectRetries = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client manages the background listener for a filtered social stream.
type Client struct {
	transport      Transport
	terms          TermSource
	logger         *slog.Logger
	retryDelay     time.Duration
	connectRetries uint64
	now            func() time.Time

	// lifecycle serializes Start, Restart and Close.
	lifecycle sync.Mutex
	base      context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	shutdown  bool

	mu            sync.Mutex
	state         State
	authenticated bool
	startedAt     time.Time
	closedAt      time.Time
	handler       Handler

	logMu  sync.Mutex
	events []Event
}

// New returns an idle Client reading terms from src.
func New(transport Transport, src TermSource, opts ...Option) *Client {
	c := &Client{
		transport:      transport,
		terms:          src,
		logger:         slog.Default(),
		retryDelay:     defaultRetryDelay,
		connectRetries: defaultConnectRetries,
		now:            time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With(slog.String("component", "social"), slog.String("feed", transport.Name()))
	// Transports without a login step are usable immediately.
	if _, ok := transport.(Authenticator); !ok {
		c.authenticated = true
	}
	return c
}

// OnEvent registers the callback invoked for every received event.
func (c *Client) OnEvent(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Login verifies credentials with the transport. On failure the client stays
// unauthenticated and Start/Restart become no-ops.
func (c *Client) Login(ctx context.Context) error {
	a, ok := c.transport.(Authenticator)
	if !ok {
		return nil
	}
	c.logger.Info("logging in to social feed")
	if err := a.Login(ctx); err != nil {
		c.logger.Error("social login failed", slog.Any("err", err))
		return fmt.Errorf("social login: %w", err)
	}
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	c.logger.Info("social login succeeded")
	return nil
}

// Authenticated reports whether Login succeeded (or was not required).
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	telemetry.SetStreamState("social", int(s))
}

// Start launches the listener with the current subscription snapshot. ctx
// bounds the lifetime of this and every later listener.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.base = ctx
	return c.startLocked(ctx)
}

// Restart disconnects the current listener, waits for it to exit and starts
// a new one with a fresh snapshot. The new listener outlives ctx; it runs
// under the context given to Start.
func (c *Client) Restart(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.shutdown {
		return nil
	}
	if c.base == nil {
		c.base = context.WithoutCancel(ctx)
	}
	if c.cancel != nil {
		c.setState(StateConnecting)
	}
	c.stopLocked()
	telemetry.Inc(telemetry.StreamRestarts)
	return c.startLocked(c.base)
}

func (c *Client) startLocked(ctx context.Context) error {
	if c.shutdown {
		return nil
	}
	if !c.Authenticated() {
		c.logger.Error("social stream not authenticated; start skipped")
		return nil
	}
	if c.cancel != nil {
		select {
		case <-c.done:
			// previous listener exited on its own after a fatal error
			c.cancel()
			c.cancel, c.done = nil, nil
		default:
			return nil
		}
	}
	terms := c.terms.Snapshot()
	if len(terms) == 0 {
		c.logger.Warn("no subscription terms; social stream left idle")
		c.setState(StateIdle)
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.setState(StateConnecting)
	go c.listen(runCtx, terms, done)
	return nil
}

// stopLocked cancels the listener and blocks until it has exited.
func (c *Client) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

// Close stops the listener and waits for it to exit. It is idempotent and
// safe to call from any goroutine other than the event handler.
func (c *Client) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.shutdown {
		return
	}
	c.shutdown = true
	c.stopLocked()
	c.mu.Lock()
	c.closedAt = c.now()
	c.mu.Unlock()
	c.setState(StateClosed)
	c.logger.Info("social stream closed")
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.shutdown
}

func (c *Client) listen(ctx context.Context, terms []string, done chan struct{}) {
	defer close(done)
	logger := c.logger.With(slog.Any("terms", terms))
	logger.Info("connecting to social stream")

	conn, err := c.connect(ctx, terms)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("failed to connect to social stream", slog.Any("err", err))
		telemetry.IncLabel(telemetry.FatalErrors, "social")
		c.setState(StateClosed)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("social connection close", slog.Any("err", err))
		}
	}()

	c.mu.Lock()
	if c.startedAt.IsZero() {
		c.startedAt = c.now()
	}
	c.mu.Unlock()
	c.setState(StateStreaming)
	logger.Info("social stream connected")

	retry := backoff.NewConstantBackOff(c.retryDelay)
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Restart or Close asked us to stop; they own the state change.
				return
			}
			if streamerr.IsTransient(err) {
				logger.Warn("transient social stream error; retrying", slog.Any("err", err), slog.Duration("delay", c.retryDelay))
				telemetry.IncLabel(telemetry.TransientErrors, "social")
				select {
				case <-ctx.Done():
					return
				case <-time.After(retry.NextBackOff()):
				}
				continue
			}
			logger.Error("disconnected from social stream", slog.Any("err", err))
			telemetry.IncLabel(telemetry.FatalErrors, "social")
			c.setState(StateClosed)
			return
		}
		c.record(ev)
		c.deliver(ctx, ev)
	}
}

// connect opens the transport, retrying transient failures on a constant backoff.
func (c *Client) connect(ctx context.Context, terms []string) (Conn, error) {
	var conn Conn
	op := func() error {
		var err error
		conn, err = c.transport.Connect(ctx, terms)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !streamerr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		telemetry.IncLabel(telemetry.TransientErrors, "social")
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("social connect failed; retrying", slog.Any("err", err), slog.Duration("delay", wait))
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(c.retryDelay)
	b = backoff.WithMaxRetries(b, c.connectRetries)
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) record(ev Event) {
	c.logMu.Lock()
	c.events = append(c.events, ev)
	c.logMu.Unlock()
	telemetry.Inc(telemetry.SocialEventsReceived)
}

func (c *Client) deliver(ctx context.Context, ev Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("social event handler panicked", slog.Any("panic", r), slog.String("event_id", ev.ID))
		}
	}()
	if err := h(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("social event handler failed", slog.Any("err", err), slog.String("event_id", ev.ID))
	}
}

// Events returns a copy of the event log in arrival order.
func (c *Client) Events() []Event {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Stats computes run statistics from the event log. Run time is measured
// from the first successful connect to Close (or now, while running).
func (c *Client) Stats() Stats {
	c.mu.Lock()
	start, end := c.startedAt, c.closedAt
	c.mu.Unlock()
	var runTime time.Duration
	if !start.IsZero() {
		if end.IsZero() {
			end = c.now()
		}
		runTime = end.Sub(start)
	}
	return ComputeStats(c.Events(), runTime)
}
