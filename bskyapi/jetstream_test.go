package bskyapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/feedrelay/streamerr"
)

const (
	identityMsg = `{"did":"did:plc:alice","kind":"identity","identity":{"did":"did:plc:alice","handle":"alice.bsky.social"}}`
	matchingMsg = `{"did":"did:plc:alice","time_us":1725911162329308,"kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"3l3qo2","record":{"text":"Loving GoLang today","createdAt":"2024-09-09T19:46:02.102Z"}}}`
	otherMsg    = `{"did":"did:plc:bob","kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"1","record":{"text":"nothing to see"}}}`
	deleteMsg   = `{"did":"did:plc:bob","kind":"commit","commit":{"operation":"delete","collection":"app.bsky.feed.post","rkey":"2"}}`
	likeMsg     = `{"did":"did:plc:bob","kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.like","rkey":"3","record":{"text":"golang"}}}`
	noHandleMsg = `{"did":"did:plc:carol","time_us":1725911162329308,"kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"9","record":{"text":"rust and golang"}}}`
)

// jetstreamServer writes msgs to each subscriber, then either hangs up or
// waits for the client to leave.
func jetstreamServer(t *testing.T, hangUp bool, msgs ...string) (*httptest.Server, chan string) {
	t.Helper()
	queries := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, m := range msgs {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		if hangUp {
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, queries
}

// profileServer answers app.bsky.actor.getProfile from known; other actors
// get a 400 like the real AppView.
func profileServer(t *testing.T, known map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/xrpc/app.bsky.actor.getProfile" {
			http.NotFound(w, r)
			return
		}
		actor := r.URL.Query().Get("actor")
		handle, ok := known[actor]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"InvalidRequest","message":"Profile not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"did":%q,"handle":%q}`, actor, handle)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe"
}

func TestJetstreamFiltersPosts(t *testing.T) {
	srv, queries := jetstreamServer(t, false, identityMsg, otherMsg, deleteMsg, likeMsg, matchingMsg, noHandleMsg)
	profiles, _ := profileServer(t, nil)
	c := New(wsURL(srv), nil)
	c.Handles = NewHandles(profiles.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := c.Connect(ctx, []string{"golang"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()
	if q := <-queries; q != "wantedCollections=app.bsky.feed.post" {
		t.Errorf("query = %q", q)
	}

	ev, err := conn.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := time.Date(2024, 9, 9, 19, 46, 2, 102000000, time.UTC)
	if ev.Username != "alice.bsky.social" || ev.Text != "Loving GoLang today" || ev.Source != "bluesky" || !ev.Timestamp.Equal(want) {
		t.Errorf("first event = %+v", ev)
	}
	if ev.ID != "at://did:plc:alice/app.bsky.feed.post/3l3qo2" {
		t.Errorf("ID = %q", ev.ID)
	}

	ev, err = conn.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Username != "did:plc:carol" || ev.Timestamp.IsZero() {
		t.Errorf("second event = %+v, want did fallback and time_us timestamp", ev)
	}
}

func TestJetstreamResolvesUnknownAuthors(t *testing.T) {
	srv, _ := jetstreamServer(t, false, noHandleMsg, noHandleMsg)
	profiles, hits := profileServer(t, map[string]string{"did:plc:carol": "carol.example.com"})
	c := New(wsURL(srv), nil)
	c.Handles = NewHandles(profiles.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := c.Connect(ctx, []string{"golang"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		ev, err := conn.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if ev.Username != "carol.example.com" {
			t.Errorf("event %d username = %q, want resolved handle", i, ev.Username)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("profile lookups = %d, want 1 (cached)", n)
	}
}

func TestJetstreamServerCloseIsFatal(t *testing.T) {
	srv, _ := jetstreamServer(t, true)
	conn, err := New(wsURL(srv), nil).Connect(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()
	_, err = conn.Next(context.Background())
	if !errors.Is(err, streamerr.ErrDisconnected) || streamerr.IsTransient(err) {
		t.Errorf("Next() = %v, want fatal disconnect", err)
	}
}

func TestJetstreamCancelUnblocksNext(t *testing.T) {
	srv, _ := jetstreamServer(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := New(wsURL(srv), nil).Connect(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Next(ctx)
		errCh <- err
	}()
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Next() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after cancel")
	}
	if err := conn.Close(); err != nil {
		t.Logf("Close() after cancel: %v", err)
	}
}

func TestJetstreamHandshakeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := New(wsURL(srv), nil).Connect(context.Background(), []string{"x"})
	var se *streamerr.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("Connect() error = %v, want 503 status", err)
	}
	if !streamerr.IsTransient(err) {
		t.Error("503 handshake should be transient")
	}
}

func TestMatcher(t *testing.T) {
	m := newMatcher([]string{" GoLang ", `"go lang"`, ""})
	for text, want := range map[string]bool{
		"i like golang":    true,
		"Go Lang is great": true,
		"rust":             false,
	} {
		if got := m.matches(text); got != want {
			t.Errorf("matches(%q) = %v, want %v", text, got, want)
		}
	}
}
