package bskyapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultAppViewURL serves unauthenticated profile lookups.
const DefaultAppViewURL = "https://public.api.bsky.app"

const (
	resolveTimeout   = 3 * time.Second
	resolveRetry     = 10 * time.Minute
	maxCachedHandles = 10000
	invalidHandle    = "handle.invalid"
)

// Handles maps DIDs to handles. Identity events from the firehose prime the
// cache; unknown DIDs are looked up once through app.bsky.actor.getProfile.
// A failed lookup is not retried for resolveRetry and the DID is used.
type Handles struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger

	mu      sync.Mutex
	handles map[string]string
	failed  map[string]time.Time
	now     func() time.Time
}

// NewHandles returns a resolver against the given AppView (DefaultAppViewURL
// when empty).
func NewHandles(baseURL string, logger *slog.Logger) *Handles {
	if baseURL == "" {
		baseURL = DefaultAppViewURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handles{
		BaseURL: baseURL,
		Logger:  logger.With(slog.String("component", "bsky_handles")),
		handles: make(map[string]string),
		failed:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// Learn records a handle announced for did.
func (h *Handles) Learn(did, handle string) {
	if did == "" || handle == "" || handle == invalidHandle {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.handles) >= maxCachedHandles {
		h.handles = make(map[string]string)
	}
	h.handles[did] = handle
	delete(h.failed, did)
}

// Lookup returns the handle for did, or did itself when it cannot be resolved.
func (h *Handles) Lookup(ctx context.Context, did string) string {
	h.mu.Lock()
	if handle, ok := h.handles[did]; ok {
		h.mu.Unlock()
		return handle
	}
	if at, ok := h.failed[did]; ok && h.now().Sub(at) < resolveRetry {
		h.mu.Unlock()
		return did
	}
	h.mu.Unlock()

	handle, err := h.fetch(ctx, did)
	if err != nil {
		h.Logger.Debug("handle lookup failed, using did", slog.String("did", did), slog.Any("err", err))
		h.mu.Lock()
		if len(h.failed) >= maxCachedHandles {
			h.failed = make(map[string]time.Time)
		}
		h.failed[did] = h.now()
		h.mu.Unlock()
		return did
	}
	h.Learn(did, handle)
	return handle
}

func (h *Handles) fetch(ctx context.Context, did string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	u := strings.TrimRight(h.BaseURL, "/") + "/xrpc/app.bsky.actor.getProfile?actor=" + url.QueryEscape(did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get profile: status %d", resp.StatusCode)
	}
	var body struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode profile: %w", err)
	}
	if body.Handle == "" || body.Handle == invalidHandle {
		return "", fmt.Errorf("profile has no valid handle")
	}
	return body.Handle, nil
}
