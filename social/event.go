// Package social runs the filtered social-media stream in the background.
//
// A Client owns one transport connection at a time. It reads subscription
// terms when the stream (re)starts, delivers every received Event to a
// callback on its listener goroutine and keeps an append-only log of events
// for run statistics. Filter changes are applied by reconnecting, since the
// supported feeds cannot change a live filter in place.
package social

import (
	"context"
	"time"
)

// Event is one post received from the social feed.
type Event struct {
	ID        string
	Source    string
	Username  string
	Text      string
	Timestamp time.Time // zero when the feed omitted it
}

// Transport opens filtered connections to a social feed.
type Transport interface {
	// Name identifies the feed in logs and formatted messages.
	Name() string
	// Connect opens a stream filtered on terms.
	Connect(ctx context.Context, terms []string) (Conn, error)
}

// Conn is one open filtered stream.
type Conn interface {
	// Next blocks until the next event, a transport error, or ctx is done.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Authenticator is implemented by transports that can verify credentials
// before the first connect.
type Authenticator interface {
	Login(ctx context.Context) error
}

// Handler receives events on the listener goroutine.
type Handler func(ctx context.Context, ev Event) error

// State is the lifecycle state of a Client.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
