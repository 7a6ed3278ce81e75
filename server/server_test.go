package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/feedrelay/bot"
	"github.com/onnwee/feedrelay/chat"
	"github.com/onnwee/feedrelay/command"
	"github.com/onnwee/feedrelay/social"
)

type fakeRelay struct {
	status bot.Status
	ready  atomic.Bool
}

func (f *fakeRelay) Status() bot.Status { return f.status }
func (f *fakeRelay) Ready() bool        { return f.ready.Load() }

type fakeDispatcher struct {
	mu    sync.Mutex
	got   []chat.Command
	reply string
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, cmd chat.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, cmd)
	return f.reply, f.err
}

func (f *fakeDispatcher) commands() []chat.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Command(nil), f.got...)
}

const testToken = "s3cret"

func newTestServer(t *testing.T, relay *fakeRelay, d *fakeDispatcher) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(NewMux(ctx, relay, d, Options{AdminToken: testToken}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("failed to close response body: %v", err)
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeRelay{}, &fakeDispatcher{})
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	resp, body := do(t, req)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("expected a generated correlation id")
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	srv := newTestServer(t, &fakeRelay{}, &fakeDispatcher{})
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	resp, _ := do(t, req)
	if got := resp.Header.Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("X-Correlation-ID = %q", got)
	}
}

func TestReadyz(t *testing.T) {
	relay := &fakeRelay{status: bot.Status{Chat: "monitoring", Social: "connecting"}}
	srv := newTestServer(t, relay, &fakeDispatcher{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/readyz", nil)
	resp, body := do(t, req)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", resp.StatusCode)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "not_ready" || out["social"] != "connecting" {
		t.Errorf("body = %v", out)
	}

	relay.ready.Store(true)
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/readyz", nil)
	if resp, _ := do(t, req); resp.StatusCode != http.StatusOK {
		t.Errorf("readyz when ready = %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	relay := &fakeRelay{status: bot.Status{
		Chat:          "monitoring",
		Social:        "streaming",
		Feed:          "x",
		Authenticated: true,
		Terms:         []string{"golang", "rust"},
		Stats:         social.Stats{TotalEvents: 3, TopContributor: "alice", TopCount: 2},
		StartedAt:     started,
	}}
	srv := newTestServer(t, relay, &fakeDispatcher{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	resp, body := do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got bot.Status
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got.Terms, relay.status.Terms) || got.Stats.TopContributor != "alice" || !got.StartedAt.Equal(started) {
		t.Errorf("status = %+v", got)
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/status", nil)
	if resp, _ := do(t, req); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeRelay{}, &fakeDispatcher{})
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	resp, body := do(t, req)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func adminRequest(t *testing.T, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/admin/command", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Admin-Token", testToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAdminCommand(t *testing.T) {
	d := &fakeDispatcher{reply: "Now tracking go, rust."}
	srv := newTestServer(t, &fakeRelay{}, d)

	resp, body := do(t, adminRequest(t, srv.URL, `{"verb":"ADD","terms":["go"," rust",""]}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin command = %d %s", resp.StatusCode, body)
	}
	var out CommandResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Reply != d.reply || out.Error != "" {
		t.Errorf("response = %+v", out)
	}

	do(t, adminRequest(t, srv.URL, `{"verb":"stats"}`))
	want := []chat.Command{
		{Kind: chat.KindTerms, Verb: "add", Terms: []string{"go", "rust"}},
		{Kind: chat.KindCommand, Verb: "stats"},
	}
	if !reflect.DeepEqual(d.commands(), want) {
		t.Errorf("dispatched = %+v, want %+v", d.commands(), want)
	}
}

func TestAdminCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{"verb":`, nil, http.StatusBadRequest},
		{"missing verb", `{"terms":["a"]}`, nil, http.StatusBadRequest},
		{"unknown verb", `{"verb":"dance"}`, fmt.Errorf("%w: dance", command.ErrUnknownCommand), http.StatusBadRequest},
		{"restart failed", `{"verb":"add","terms":["a"]}`, errors.New("restart stream: boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeRelay{}, &fakeDispatcher{err: tt.err, reply: "diagnostic"})
			resp, _ := do(t, adminRequest(t, srv.URL, tt.body))
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAdminCommandRequiresToken(t *testing.T) {
	d := &fakeDispatcher{}
	srv := newTestServer(t, &fakeRelay{}, d)
	req := adminRequest(t, srv.URL, `{"verb":"exit"}`)
	req.Header.Del("X-Admin-Token")
	if resp, _ := do(t, req); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if len(d.commands()) != 0 {
		t.Error("unauthenticated request reached the router")
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/admin/command", nil)
	req.Header.Set("X-Admin-Token", testToken)
	if resp, _ := do(t, req); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /admin/command = %d", resp.StatusCode)
	}
}
