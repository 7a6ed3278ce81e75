// Package bskyapi implements the social transport for Bluesky through a
// Jetstream firehose. Jetstream has no server-side keyword filter, so post
// commits are matched against the terms on the client.
package bskyapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/feedrelay/social"
	"github.com/onnwee/feedrelay/streamerr"
)

// DefaultURL is a public Jetstream instance.
const DefaultURL = "wss://jetstream2.us-east.bsky.network/subscribe"

const postCollection = "app.bsky.feed.post"

// Client dials a Jetstream endpoint. Handles is shared across reconnects;
// nil leaves authors identified by DID unless an identity event names them.
type Client struct {
	URL     string
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Handles *Handles
}

var _ social.Transport = (*Client)(nil)

// New returns a Client for the given Jetstream subscribe URL that resolves
// author handles through DefaultAppViewURL.
func New(rawURL string, logger *slog.Logger) *Client {
	if rawURL == "" {
		rawURL = DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		URL:     rawURL,
		Dialer:  websocket.DefaultDialer,
		Logger:  logger.With(slog.String("component", "jetstream")),
		Handles: NewHandles("", logger),
	}
}

// Name identifies the feed in logs and relayed messages.
func (c *Client) Name() string { return "bluesky" }

// Connect subscribes to post commits and returns a stream of posts that
// mention at least one term.
func (c *Client) Connect(ctx context.Context, terms []string) (social.Conn, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse jetstream url: %w", err)
	}
	q := u.Query()
	q.Set("wantedCollections", postCollection)
	u.RawQuery = q.Encode()

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &streamerr.StatusError{Code: resp.StatusCode, Body: resp.Status}
		}
		return nil, fmt.Errorf("dial jetstream: %w", err)
	}
	s := &stream{
		ws:      ws,
		match:   newMatcher(terms),
		handles: c.Handles,
		done:    make(chan struct{}),
		logger:  c.Logger,
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type stream struct {
	ws      *websocket.Conn
	match   matcher
	handles *Handles
	logger  *slog.Logger

	done chan struct{}
	once sync.Once
}

type message struct {
	DID    string `json:"did"`
	TimeUS int64  `json:"time_us"`
	Kind   string `json:"kind"`
	Commit *struct {
		Operation  string `json:"operation"`
		Collection string `json:"collection"`
		RKey       string `json:"rkey"`
		Record     struct {
			Text      string `json:"text"`
			CreatedAt string `json:"createdAt"`
		} `json:"record"`
	} `json:"commit"`
	Identity *struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"identity"`
}

// Next blocks until a matching post arrives.
func (s *stream) Next(ctx context.Context) (social.Event, error) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return social.Event{}, s.readError(ctx, err)
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Debug("skipping undecodable jetstream message", slog.Any("err", err))
			continue
		}
		if m.Kind == "identity" && m.Identity != nil {
			if s.handles != nil {
				s.handles.Learn(m.Identity.DID, m.Identity.Handle)
			}
			continue
		}
		if ev, ok := s.toEvent(ctx, m); ok {
			return ev, nil
		}
	}
}

func (s *stream) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case <-s.done:
		return streamerr.ErrClosed
	default:
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return streamerr.Temporary(err)
	}
	return fmt.Errorf("%w: %w", streamerr.ErrDisconnected, err)
}

func (s *stream) toEvent(ctx context.Context, m message) (social.Event, bool) {
	c := m.Commit
	if m.Kind != "commit" || c == nil || c.Operation != "create" || c.Collection != postCollection {
		return social.Event{}, false
	}
	if !s.match.matches(c.Record.Text) {
		return social.Event{}, false
	}
	ev := social.Event{
		ID:       "at://" + m.DID + "/" + c.Collection + "/" + c.RKey,
		Source:   "bluesky",
		Username: m.DID,
		Text:     c.Record.Text,
	}
	if s.handles != nil {
		ev.Username = s.handles.Lookup(ctx, m.DID)
	}
	if ts, err := time.Parse(time.RFC3339, c.Record.CreatedAt); err == nil {
		ev.Timestamp = ts
	} else if m.TimeUS > 0 {
		ev.Timestamp = time.UnixMicro(m.TimeUS).UTC()
	}
	return ev, true
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.ws.Close()
	})
	return err
}

// matcher does case-insensitive substring matching; quoted terms match as
// the phrase inside the quotes.
type matcher []string

func newMatcher(terms []string) matcher {
	m := make(matcher, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.Trim(strings.TrimSpace(t), `"`))
		if t != "" {
			m = append(m, t)
		}
	}
	return m
}

func (m matcher) matches(text string) bool {
	lower := strings.ToLower(text)
	for _, t := range m {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
