// Package oauth keeps a user access token fresh. It performs jittered checks
// and refreshes when expiry falls within a configured window, then hands the
// new token to whoever holds a live session (the IRC connection).
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Token is an access token with its refresh token and expiry.
type Token struct {
	Access  string
	Refresh string
	Expiry  time.Time
	Scope   string
}

// Store holds the current token in memory. Tokens are not persisted.
type Store struct {
	mu  sync.RWMutex
	tok Token
}

// NewStore returns a Store seeded with tok.
func NewStore(tok Token) *Store {
	return &Store{tok: tok}
}

// Get returns the current token.
func (s *Store) Get() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tok
}

// Set replaces the current token.
func (s *Store) Set(tok Token) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically checks the stored token and refreshes it.
// provider: name used in logs.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
// onRefresh, if set, receives every new token after it is stored.
func StartRefresher(ctx context.Context, store *Store, provider string, interval, window time.Duration, fn RefreshFunc, onRefresh func(Token)) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			refreshOnce(ctx, store, provider, window, fn, onRefresh)
			// Per-iteration jitter (±20% of interval).
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// refreshOnce refreshes the stored token when it expires within window and
// reports whether it did.
func refreshOnce(ctx context.Context, store *Store, provider string, window time.Duration, fn RefreshFunc, onRefresh func(Token)) bool {
	cur := store.Get()
	if cur.Refresh == "" {
		return false
	}
	if !cur.Expiry.IsZero() && time.Until(cur.Expiry) > window {
		return false
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := fn(ctx2, cur.Refresh)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
		return false
	}
	if newRT == "" {
		newRT = cur.Refresh
	}
	if newScope == "" {
		newScope = cur.Scope
	}
	next := Token{Access: newAT, Refresh: newRT, Expiry: newExp, Scope: strings.TrimSpace(newScope)}
	store.Set(next)
	slog.Info("token refreshed", slog.String("provider", provider), slog.Time("expires_at", newExp))
	if onRefresh != nil {
		onRefresh(next)
	}
	return true
}
