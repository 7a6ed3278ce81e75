// Package command maps parsed chat commands onto subscription changes and
// zero-argument handlers.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/onnwee/feedrelay/chat"
	"github.com/onnwee/feedrelay/social"
	"github.com/onnwee/feedrelay/subscription"
	"github.com/onnwee/feedrelay/telemetry"
)

var (
	// ErrUnknownCommand is returned for verbs with no registered handler.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrArity is returned when a verb gets the wrong number of arguments.
	ErrArity = errors.New("wrong number of arguments")
)

// HandlerFunc runs a zero-argument command and returns the chat reply.
type HandlerFunc func(ctx context.Context) (string, error)

// Stream is the part of the social client the router drives.
type Stream interface {
	Restart(ctx context.Context) error
	Stats() social.Stats
}

type mutation func(s *subscription.Set, terms []string) (note string)

type entry struct {
	usage string
	fn    HandlerFunc
}

// Router dispatches chat commands. Zero-argument commands are registered with
// Handle; add, update and delete are built in.
type Router struct {
	subs   *subscription.Set
	stream Stream
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]entry
	mutators map[string]mutation
}

// New returns a router with the help, list and stats commands registered.
func New(subs *subscription.Set, stream Stream, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		subs:     subs,
		stream:   stream,
		logger:   logger.With(slog.String("component", "command")),
		handlers: make(map[string]entry),
		mutators: map[string]mutation{
			"add":    addTerms,
			"update": replaceTerms,
			"delete": removeTerms,
		},
	}
	r.Handle("help", "list available commands", r.help)
	r.Handle("list", "show tracked terms", r.list)
	r.Handle("stats", "show relay statistics for this run", r.stats)
	return r
}

// Handle registers a zero-argument command, replacing any existing one.
func (r *Router) Handle(name, usage string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(name)] = entry{usage: usage, fn: fn}
}

// Dispatch executes cmd. The returned reply is meant for chat and is set for
// rejected commands too.
func (r *Router) Dispatch(ctx context.Context, cmd chat.Command) (string, error) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartCommandSpan(ctx, cmd.Verb, len(cmd.Terms))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx, r.logger).With(slog.String("verb", cmd.Verb))

	reply, err := r.dispatch(ctx, logger, cmd)
	label := cmd.Verb
	switch {
	case errors.Is(err, ErrUnknownCommand):
		label = "unknown"
	case err != nil:
		telemetry.RecordError(span, err)
	default:
		telemetry.SetSpanSuccess(span)
	}
	telemetry.IncLabel(telemetry.CommandsHandled, label)
	return reply, err
}

func (r *Router) dispatch(ctx context.Context, logger *slog.Logger, cmd chat.Command) (string, error) {
	r.mu.RLock()
	h, isZero := r.handlers[cmd.Verb]
	m, isMulti := r.mutators[cmd.Verb]
	r.mu.RUnlock()

	switch {
	case !isZero && !isMulti:
		return fmt.Sprintf("Unknown command %q, try help.", cmd.Verb), fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Verb)
	case isZero && cmd.Kind == chat.KindTerms:
		return fmt.Sprintf("%s takes no arguments.", cmd.Verb), fmt.Errorf("%w: %s", ErrArity, cmd.Verb)
	case isMulti && len(cmd.Terms) == 0:
		return fmt.Sprintf("Usage: %s term[,term...]", cmd.Verb), fmt.Errorf("%w: %s", ErrArity, cmd.Verb)
	case isZero:
		logger.Info("running command")
		return h.fn(ctx)
	}

	note := m(r.subs, cmd.Terms)
	if note != "" {
		logger.Warn("subscription change partially applied", slog.String("note", note))
	}
	terms := r.subs.Snapshot()
	telemetry.SetSubscriptionTerms(len(terms))
	logger.Info("subscription updated", slog.Any("terms", terms))

	if err := r.stream.Restart(ctx); err != nil {
		logger.Error("social stream restart failed", slog.Any("err", err))
		return "Subscription updated but the stream failed to restart.", fmt.Errorf("restart stream: %w", err)
	}
	reply := "Now tracking " + formatTerms(terms) + "."
	if note != "" {
		reply += " (" + note + ")"
	}
	return reply, nil
}

func addTerms(s *subscription.Set, terms []string) string {
	_, skipped := s.Add(terms...)
	if len(skipped) > 0 {
		return "already tracking " + strings.Join(skipped, ", ")
	}
	return ""
}

func replaceTerms(s *subscription.Set, terms []string) string {
	s.Replace(terms...)
	return ""
}

func removeTerms(s *subscription.Set, terms []string) string {
	if removed := s.Remove(terms...); len(removed) < len(subscription.Dedupe(terms)) {
		return "some terms were not tracked"
	}
	return ""
}

func formatTerms(terms []string) string {
	if len(terms) == 0 {
		return "nothing"
	}
	return strings.Join(terms, ", ")
}

func (r *Router) help(context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := []string{"add/update/delete term[,term...]: change tracked terms"}
	for _, name := range names {
		parts = append(parts, name+": "+r.handlers[name].usage)
	}
	return strings.Join(parts, " | "), nil
}

func (r *Router) list(context.Context) (string, error) {
	return "Tracking " + formatTerms(r.subs.Snapshot()) + ".", nil
}

func (r *Router) stats(context.Context) (string, error) {
	return FormatStats(r.stream.Stats()), nil
}

// FormatStats renders run statistics as a single chat line.
func FormatStats(s social.Stats) string {
	top := s.TopContributor
	if top != social.TieSentinel {
		top = fmt.Sprintf("@%s with %d", top, s.TopCount)
	}
	return fmt.Sprintf("Relayed %d events in %.1f min (%.2f/min). Top contributor: %s.",
		s.TotalEvents, s.Minutes(), s.EventsPerMin, top)
}
