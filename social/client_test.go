package social

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/feedrelay/streamerr"
	"github.com/onnwee/feedrelay/subscription"
)

type result struct {
	ev  Event
	err error
}

// fakeConn replays scripted results, then blocks until ctx is done.
type fakeConn struct {
	results chan result
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn(rs ...result) *fakeConn {
	c := &fakeConn{results: make(chan result, len(rs)+8), closed: make(chan struct{})}
	for _, r := range rs {
		c.results <- r
	}
	return c
}

func (c *fakeConn) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-c.closed:
		return Event{}, streamerr.ErrClosed
	case r := <-c.results:
		return r.ev, r.err
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeTransport struct {
	mu         sync.Mutex
	conns      []*fakeConn
	connectErr []error
	terms      [][]string
	loginErr   error
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Connect(ctx context.Context, terms []string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = append(f.terms, terms)
	if len(f.connectErr) > 0 {
		err := f.connectErr[0]
		f.connectErr = f.connectErr[1:]
		return nil, err
	}
	if len(f.conns) == 0 {
		return newFakeConn(), nil
	}
	c := f.conns[0]
	f.conns = f.conns[1:]
	return c, nil
}

func (f *fakeTransport) connectedTerms() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.terms...)
}

type loginTransport struct {
	*fakeTransport
}

func (l loginTransport) Login(ctx context.Context) error { return l.loginErr }

type collector struct {
	mu  sync.Mutex
	evs []Event
}

func (c *collector) handle(_ context.Context, ev Event) error {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
	return nil
}

func (c *collector) got() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.evs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ev(id, user string) Event {
	return Event{ID: id, Username: user, Text: "post " + id}
}

func TestClientDeliversInOrder(t *testing.T) {
	conn := newFakeConn(result{ev: ev("1", "a")}, result{ev: ev("2", "b")}, result{ev: ev("3", "a")})
	tr := &fakeTransport{conns: []*fakeConn{conn}}
	c := New(tr, subscription.New("golang"))
	col := &collector{}
	c.OnEvent(col.handle)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "three events", func() bool { return len(col.got()) == 3 })

	var ids []string
	for _, e := range col.got() {
		ids = append(ids, e.ID)
	}
	if !reflect.DeepEqual(ids, []string{"1", "2", "3"}) {
		t.Errorf("delivered order = %v", ids)
	}
	if got := c.State(); got != StateStreaming {
		t.Errorf("State() = %v, want streaming", got)
	}
	c.Close()
	if len(c.Events()) != 3 {
		t.Errorf("event log length = %d, want 3", len(c.Events()))
	}
	if s := c.Stats(); s.TopContributor != "a" || s.TopCount != 2 {
		t.Errorf("Stats top = (%q, %d)", s.TopContributor, s.TopCount)
	}
}

func TestClientTransientErrorDoesNotClose(t *testing.T) {
	conn := newFakeConn(
		result{ev: ev("1", "a")},
		result{err: streamerr.ErrTemporarilyUnavailable},
		result{ev: ev("2", "a")},
	)
	tr := &fakeTransport{conns: []*fakeConn{conn}}
	c := New(tr, subscription.New("x"), WithRetryDelay(time.Millisecond))
	col := &collector{}
	c.OnEvent(col.handle)

	_ = c.Start(context.Background())
	waitFor(t, "delivery after transient error", func() bool { return len(col.got()) == 2 })
	if got := c.State(); got != StateStreaming {
		t.Errorf("State() after transient error = %v, want streaming", got)
	}
	if conn.isClosed() {
		t.Error("connection closed after transient error")
	}
	if n := len(tr.connectedTerms()); n != 1 {
		t.Errorf("transient error caused %d connects, want 1", n)
	}
	c.Close()
}

func TestClientFatalErrorCloses(t *testing.T) {
	conn := newFakeConn(result{err: streamerr.ErrDisconnected})
	tr := &fakeTransport{conns: []*fakeConn{conn}}
	c := New(tr, subscription.New("x"))

	_ = c.Start(context.Background())
	waitFor(t, "closed state", func() bool { return c.State() == StateClosed })
	waitFor(t, "conn closed", conn.isClosed)
	if c.Closed() {
		t.Error("transport disconnect must not mark the client as shut down")
	}

	// A later restart reconnects.
	if err := c.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	waitFor(t, "streaming after restart", func() bool { return c.State() == StateStreaming })
	c.Close()
}

func TestClientRestartUsesNewSnapshot(t *testing.T) {
	subs := subscription.New("a")
	first := newFakeConn()
	tr := &fakeTransport{conns: []*fakeConn{first}}
	c := New(tr, subs)

	_ = c.Start(context.Background())
	waitFor(t, "streaming", func() bool { return c.State() == StateStreaming })

	subs.Add("b", "a")
	if err := c.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if !first.isClosed() {
		t.Error("old connection still open after Restart returned")
	}
	waitFor(t, "second connect", func() bool { return len(tr.connectedTerms()) == 2 })
	terms := tr.connectedTerms()
	if !reflect.DeepEqual(terms[0], []string{"a"}) || !reflect.DeepEqual(terms[1], []string{"a", "b"}) {
		t.Errorf("connect terms = %v", terms)
	}
	c.Close()
}

func TestClientCloseIdempotent(t *testing.T) {
	conn := newFakeConn()
	tr := &fakeTransport{conns: []*fakeConn{conn}}
	c := New(tr, subscription.New("a"))
	_ = c.Start(context.Background())
	waitFor(t, "streaming", func() bool { return c.State() == StateStreaming })

	c.Close()
	if !conn.isClosed() {
		t.Error("Close returned before the listener released its connection")
	}
	c.Close()
	if got := c.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}

	// Start and Restart after Close are no-ops.
	_ = c.Start(context.Background())
	_ = c.Restart(context.Background())
	if n := len(tr.connectedTerms()); n != 1 {
		t.Errorf("connects after Close = %d, want 1", n)
	}
}

func TestClientCloseConcurrent(t *testing.T) {
	c := New(&fakeTransport{}, subscription.New("a"))
	_ = c.Start(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
	if c.State() != StateClosed {
		t.Errorf("State() = %v, want closed", c.State())
	}
}

func TestClientCloseBeforeStart(t *testing.T) {
	c := New(&fakeTransport{}, subscription.New("a"))
	c.Close()
	c.Close()
	if c.State() != StateClosed {
		t.Errorf("State() = %v, want closed", c.State())
	}
}

func TestClientEmptyTermsStaysIdle(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr, subscription.New())
	_ = c.Start(context.Background())
	if c.State() != StateIdle {
		t.Errorf("State() = %v, want idle", c.State())
	}
	if n := len(tr.connectedTerms()); n != 0 {
		t.Errorf("connected %d times with no terms", n)
	}
}

func TestClientUnauthenticatedNoOp(t *testing.T) {
	inner := &fakeTransport{loginErr: errors.New("bad credentials")}
	c := New(loginTransport{inner}, subscription.New("a"))
	if err := c.Login(context.Background()); err == nil {
		t.Fatal("expected login error")
	}
	if c.Authenticated() {
		t.Error("client authenticated after failed login")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Errorf("Start() on unauthenticated client = %v, want nil", err)
	}
	if n := len(inner.connectedTerms()); n != 0 {
		t.Errorf("unauthenticated client connected %d times", n)
	}
	c.Close()
}

func TestClientConnectRetriesTransient(t *testing.T) {
	tr := &fakeTransport{connectErr: []error{&streamerr.StatusError{Code: 503}, &streamerr.StatusError{Code: 429}}}
	c := New(tr, subscription.New("a"), WithRetryDelay(time.Millisecond))
	_ = c.Start(context.Background())
	waitFor(t, "streaming after retries", func() bool { return c.State() == StateStreaming })
	if n := len(tr.connectedTerms()); n != 3 {
		t.Errorf("connect attempts = %d, want 3", n)
	}
	c.Close()
}

func TestClientConnectFatal(t *testing.T) {
	tr := &fakeTransport{connectErr: []error{&streamerr.StatusError{Code: 401}}}
	c := New(tr, subscription.New("a"), WithRetryDelay(time.Millisecond))
	_ = c.Start(context.Background())
	waitFor(t, "closed after auth failure", func() bool { return c.State() == StateClosed })
	if n := len(tr.connectedTerms()); n != 1 {
		t.Errorf("fatal connect error retried: %d attempts", n)
	}
	c.Close()
}

func TestClientHandlerErrorKeepsStreaming(t *testing.T) {
	conn := newFakeConn(result{ev: ev("1", "a")}, result{ev: ev("2", "a")})
	c := New(&fakeTransport{conns: []*fakeConn{conn}}, subscription.New("a"))
	var mu sync.Mutex
	calls := 0
	c.OnEvent(func(context.Context, Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("chat send failed")
		}
		return nil
	})
	_ = c.Start(context.Background())
	waitFor(t, "second delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
	if c.State() != StateStreaming {
		t.Errorf("State() = %v, want streaming", c.State())
	}
	c.Close()
}

func TestClientStatsRunTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := New(&fakeTransport{}, subscription.New("a"), WithClock(clock))
	_ = c.Start(context.Background())
	waitFor(t, "streaming", func() bool { return c.State() == StateStreaming })

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	c.Close()

	if got := c.Stats().Minutes(); got != 2 {
		t.Errorf("run time = %v minutes, want 2", got)
	}
}
