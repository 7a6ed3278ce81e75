package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/feedrelay/streamerr"
)

const inboxSize = 256

// TwitchTransport reads and writes one Twitch channel over IRC.
type TwitchTransport struct {
	channel  string
	username string
	logger   *slog.Logger

	mu           sync.Mutex
	token        string
	client       *twitch.Client
	connected    bool
	inbox        chan Event
	done         chan struct{}
	disconnected chan struct{}
	connErr      error
	closeOnce    sync.Once
}

// NewTwitchTransport builds a transport for channel, authenticating as
// username with an OAuth token (with or without the "oauth:" prefix).
func NewTwitchTransport(channel, username, token string, logger *slog.Logger) *TwitchTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwitchTransport{
		channel:  strings.TrimPrefix(strings.ToLower(channel), "#"),
		username: strings.ToLower(username),
		token:    ircToken(token),
		logger:   logger.With(slog.String("component", "twitch_irc")),
		inbox:    make(chan Event, inboxSize),
		done:     make(chan struct{}),
	}
}

// Mention returns the @-token Twitch users type to address the bot.
func (t *TwitchTransport) Mention() string { return "@" + t.username }

func ircToken(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" || strings.HasPrefix(tok, "oauth:") {
		return tok
	}
	return "oauth:" + tok
}

// SetToken rotates the IRC password; it applies to the next (re)connect.
func (t *TwitchTransport) SetToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ircToken(token)
	if t.client != nil {
		t.client.SetIRCToken(t.token)
	}
}

// Connect joins the channel and blocks until the IRC handshake completes,
// the server rejects the login, or ctx is done.
func (t *TwitchTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return streamerr.ErrClosed
	default:
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	client := twitch.NewClient(t.username, t.token)
	t.client = client
	t.disconnected = make(chan struct{})
	disconnected := t.disconnected
	t.mu.Unlock()

	ready := make(chan struct{})
	var readyOnce sync.Once
	client.OnConnect(func() {
		readyOnce.Do(func() { close(ready) })
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		ev, ok := t.toEvent(msg)
		if !ok {
			return
		}
		select {
		case t.inbox <- ev:
		default:
			t.logger.Warn("chat inbox full; dropping message", slog.String("sender", ev.Sender))
		}
	})
	client.Join(t.channel)

	errCh := make(chan error, 1)
	go func() {
		// Connect blocks for the life of the session.
		err := client.Connect()
		t.mu.Lock()
		t.connected = false
		t.connErr = err
		t.mu.Unlock()
		close(disconnected)
		errCh <- err
	}()

	select {
	case <-ready:
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()
		t.logger.Info("joined twitch channel", slog.String("channel", t.channel))
		return nil
	case err := <-errCh:
		if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			return fmt.Errorf("twitch login: %w", err)
		}
		return fmt.Errorf("twitch connect: %w", err)
	case <-ctx.Done():
		_ = client.Disconnect()
		return ctx.Err()
	}
}

func (t *TwitchTransport) toEvent(msg twitch.PrivateMessage) (Event, bool) {
	sender := msg.User.Name
	if strings.EqualFold(sender, t.username) {
		return Event{}, false
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Event{
		Channel:   msg.Channel,
		Sender:    sender,
		Text:      msg.Message,
		Mentioned: Mentions(msg.Message, t.Mention()),
		Time:      ts,
	}, true
}

// Read blocks until at least one message arrives, then drains the inbox.
func (t *TwitchTransport) Read(ctx context.Context) ([]Event, error) {
	t.mu.Lock()
	disconnected := t.disconnected
	t.mu.Unlock()
	if disconnected == nil {
		return nil, streamerr.ErrDisconnected
	}

	var first Event
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, streamerr.ErrClosed
	case <-disconnected:
		t.mu.Lock()
		err := t.connErr
		t.mu.Unlock()
		if err == nil {
			return nil, streamerr.ErrDisconnected
		}
		return nil, fmt.Errorf("%w: %w", streamerr.ErrDisconnected, err)
	case first = <-t.inbox:
	}

	batch := []Event{first}
	for {
		select {
		case ev := <-t.inbox:
			batch = append(batch, ev)
		default:
			return batch, nil
		}
	}
}

// Send posts text to the joined channel.
func (t *TwitchTransport) Send(_ context.Context, text string) error {
	t.mu.Lock()
	client, connected := t.client, t.connected
	t.mu.Unlock()
	if client == nil || !connected {
		return streamerr.ErrDisconnected
	}
	client.Say(t.channel, text)
	return nil
}

// Close disconnects from IRC. Safe to call more than once.
func (t *TwitchTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		client := t.client
		t.connected = false
		t.mu.Unlock()
		if client != nil {
			if err := client.Disconnect(); err != nil {
				t.logger.Debug("twitch disconnect", slog.Any("err", err))
			}
		}
	})
	return nil
}
