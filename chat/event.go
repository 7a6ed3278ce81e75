package chat

import (
	"context"
	"time"
)

// Event is one inbound chat message, validated at the transport boundary.
type Event struct {
	Channel   string
	Sender    string
	Text      string
	Mentioned bool
	Time      time.Time
}

// Transport is the minimal chat capability set the client depends on.
//
// Read blocks until at least one message is available, the context is done,
// or the session ends; it returns every buffered message at once.
type Transport interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context) ([]Event, error)
	Send(ctx context.Context, text string) error
	Close() error
}

// Dispatcher executes parsed commands. A non-empty reply is posted to chat
// even when err is set, so routers can answer malformed commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) (reply string, err error)
}

// State is the chat client lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateMonitoring
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateMonitoring:
		return "monitoring"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}
