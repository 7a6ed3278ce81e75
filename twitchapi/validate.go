package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/onnwee/feedrelay/streamerr"
)

// ChatScopes are the scopes the IRC token needs.
var ChatScopes = []string{"chat:read", "chat:edit"}

// Validation describes a user access token as reported by Twitch.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// MissingScopes returns the entries of want the token was not granted.
func (v *Validation) MissingScopes(want ...string) []string {
	var missing []string
	for _, s := range want {
		if !slices.Contains(v.Scopes, s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// Validate checks an access token against /oauth2/validate. A rejected token
// yields a *streamerr.StatusError with code 401.
func (ac *AuthClient) Validate(ctx context.Context, accessToken string) (*Validation, error) {
	accessToken = strings.TrimPrefix(strings.TrimSpace(accessToken), "oauth:")
	if accessToken == "" {
		return nil, fmt.Errorf("access token empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ac.url("/oauth2/validate"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
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
		return nil, fmt.Errorf("twitch validate failed: %w", &streamerr.StatusError{Code: resp.StatusCode, Body: string(b)})
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
