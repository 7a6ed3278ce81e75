// Package xapi implements the social transport for the X API v2 filtered
// stream. Filter rules can only change between connections, so every
// Connect replaces the stream's rule set with one rule per term.
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/feedrelay/social"
	"github.com/onnwee/feedrelay/streamerr"
)

// DefaultBaseURL is the X API host.
const DefaultBaseURL = "https://api.x.com"

const (
	rulesPath  = "/2/tweets/search/stream/rules"
	streamPath = "/2/tweets/search/stream"
	tokenPath  = "/oauth2/token"
)

// Client talks to the filtered stream endpoints with app-only auth.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

var (
	_ social.Transport     = (*Client)(nil)
	_ social.Authenticator = (*Client)(nil)
)

// NewWithBearer authenticates every request with a static bearer token.
func NewWithBearer(ctx context.Context, baseURL, bearer string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"})
	return &Client{BaseURL: baseURL, HTTPClient: oauth2.NewClient(ctx, ts)}
}

// NewWithCredentials exchanges an API key and secret for an app-only bearer
// token through the client credentials grant. The token is fetched lazily
// and cached by the oauth2 transport.
func NewWithCredentials(ctx context.Context, baseURL, key, secret string) *Client {
	cfg := clientcredentials.Config{
		ClientID:     key,
		ClientSecret: secret,
		TokenURL:     strings.TrimRight(orDefault(baseURL), "/") + tokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return &Client{BaseURL: baseURL, HTTPClient: cfg.Client(ctx)}
}

func orDefault(base string) string {
	if base == "" {
		return DefaultBaseURL
	}
	return base
}

func (c *Client) url(path string) string {
	return strings.TrimRight(orDefault(c.BaseURL), "/") + path
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Name identifies the feed in logs and relayed messages.
func (c *Client) Name() string { return "x" }

// Login verifies the credentials by listing the current stream rules.
func (c *Client) Login(ctx context.Context) error {
	_, err := c.rules(ctx)
	return err
}

// Rule is one filtered stream rule.
type Rule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

// RuleValue quotes terms containing whitespace so they match as a phrase.
func RuleValue(term string) string {
	if strings.ContainsAny(term, " \t") && !strings.HasPrefix(term, `"`) {
		return `"` + strings.ReplaceAll(term, `"`, `\"`) + `"`
	}
	return term
}

func (c *Client) rules(ctx context.Context) ([]Rule, error) {
	var body struct {
		Data []Rule `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, rulesPath, nil, &body); err != nil {
		return nil, fmt.Errorf("list stream rules: %w", err)
	}
	return body.Data, nil
}

// SyncRules replaces every existing stream rule with one rule per term.
func (c *Client) SyncRules(ctx context.Context, terms []string) error {
	existing, err := c.rules(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		ids := make([]string, 0, len(existing))
		for _, r := range existing {
			ids = append(ids, r.ID)
		}
		req := map[string]any{"delete": map[string][]string{"ids": ids}}
		if err := c.doJSON(ctx, http.MethodPost, rulesPath, req, nil); err != nil {
			return fmt.Errorf("delete stream rules: %w", err)
		}
	}
	add := make([]Rule, 0, len(terms))
	for _, term := range terms {
		add = append(add, Rule{Value: RuleValue(term), Tag: term})
	}
	if len(add) == 0 {
		return nil
	}
	var resp struct {
		Errors []apiError `json:"errors"`
	}
	if err := c.doJSON(ctx, http.MethodPost, rulesPath, map[string]any{"add": add}, &resp); err != nil {
		return fmt.Errorf("add stream rules: %w", err)
	}
	for _, e := range resp.Errors {
		c.logger().Warn("x rejected stream rule", slog.String("value", e.Value), slog.String("title", e.Title), slog.String("detail", e.Detail))
	}
	c.logger().Info("x stream rules synced", slog.Int("removed", len(existing)), slog.Int("added", len(add)))
	return nil
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Value  string `json:"value"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger().Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &streamerr.StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Connect syncs the rules for terms and opens the filtered stream.
func (c *Client) Connect(ctx context.Context, terms []string) (social.Conn, error) {
	if err := c.SyncRules(ctx, terms); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(streamPath), nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("tweet.fields", "created_at,author_id")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username")
	req.URL.RawQuery = q.Encode()
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("open x stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &streamerr.StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	return newStream(resp.Body), nil
}
