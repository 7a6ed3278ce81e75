// Package twitchapi contains minimal helpers for the Twitch identity endpoints
// used by the chat bot: validating the IRC user token at startup and
// refreshing it with a refresh token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/feedrelay/streamerr"
)

// DefaultAuthURL is the Twitch identity host.
const DefaultAuthURL = "https://id.twitch.tv"

// AuthClient calls the Twitch identity endpoints.
type AuthClient struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

func (ac *AuthClient) http() *http.Client {
	if ac.HTTPClient != nil {
		return ac.HTTPClient
	}
	return http.DefaultClient
}

func (ac *AuthClient) url(path string) string {
	base := ac.BaseURL
	if base == "" {
		base = DefaultAuthURL
	}
	return strings.TrimRight(base, "/") + path
}

// RefreshResult represents the response from a refresh_token grant.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshToken exchanges a refresh token for a new access token.
func (ac *AuthClient) RefreshToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if ac.ClientID == "" || ac.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", ac.ClientID)
	form.Set("client_secret", ac.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ac.url("/oauth2/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := ac.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch refresh failed: %w", &streamerr.StatusError{Code: resp.StatusCode, Body: string(b)})
	}
	var res RefreshResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch response")
	}
	return &res, nil
}

// Refresher adapts RefreshToken to the oauth refresh callback shape:
// (access, refresh, expiry, scope).
func (ac *AuthClient) Refresher() func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := ac.RefreshToken(ctx, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	}
}
