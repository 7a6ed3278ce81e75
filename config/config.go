// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials, use ValidateChatReady and ValidateSocialReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/feedrelay/subscription"
)

// Social providers selectable with SOCIAL_PROVIDER.
const (
	ProviderX       = "x"
	ProviderBluesky = "bluesky"
)

type Config struct {
	// Chat (Twitch IRC)
	ChatChannel        string
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRefreshToken string
	ChatReadRetryDelay time.Duration
	ChatSendBurst      int
	ChatSendPer        time.Duration

	// Social stream
	SocialProvider      string
	XBearerToken        string
	XAPIKey             string
	XAPISecret          string
	XAPIBaseURL         string
	BlueskyJetstreamURL string
	BlueskyAppViewURL   string
	SocialRetryDelay    time.Duration

	// Initial subscription terms (SUBSCRIPTIONS plus positional args)
	Subscriptions []string

	// HTTP status surface
	HTTPAddr   string
	AdminToken string
}

// Load reads environment variables and applies defaults. extraTerms (the
// positional command-line arguments) are appended to SUBSCRIPTIONS. It
// doesn't fail when credentials are missing; use the Validate methods for that.
func Load(extraTerms ...string) (*Config, error) {
	cfg := &Config{}

	cfg.ChatChannel = os.Getenv("CHAT_CHANNEL")
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchRefreshToken = os.Getenv("TWITCH_REFRESH_TOKEN")

	var err error
	if cfg.ChatReadRetryDelay, err = duration("CHAT_READ_RETRY_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ChatSendPer, err = duration("CHAT_SEND_PER", 30*time.Second); err != nil {
		return nil, err
	}
	cfg.ChatSendBurst = 20
	if v := os.Getenv("CHAT_SEND_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAT_SEND_BURST: %w", err)
		}
		cfg.ChatSendBurst = n
	}

	cfg.SocialProvider = strings.ToLower(strings.TrimSpace(os.Getenv("SOCIAL_PROVIDER")))
	if cfg.SocialProvider == "" {
		cfg.SocialProvider = ProviderX
	}
	if cfg.SocialProvider != ProviderX && cfg.SocialProvider != ProviderBluesky {
		return nil, fmt.Errorf("invalid SOCIAL_PROVIDER %q: want %q or %q", cfg.SocialProvider, ProviderX, ProviderBluesky)
	}
	cfg.XBearerToken = os.Getenv("X_BEARER_TOKEN")
	cfg.XAPIKey = os.Getenv("X_API_KEY")
	cfg.XAPISecret = os.Getenv("X_API_SECRET")
	cfg.XAPIBaseURL = os.Getenv("X_API_BASE_URL")
	cfg.BlueskyJetstreamURL = os.Getenv("BLUESKY_JETSTREAM_URL")
	cfg.BlueskyAppViewURL = os.Getenv("BLUESKY_APPVIEW_URL")
	if cfg.SocialRetryDelay, err = duration("SOCIAL_RETRY_DELAY", time.Second); err != nil {
		return nil, err
	}

	var terms []string
	if v := os.Getenv("SUBSCRIPTIONS"); v != "" {
		terms = strings.Split(v, ",")
	}
	cfg.Subscriptions = subscription.Dedupe(append(terms, extraTerms...))

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	return cfg, nil
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ValidateChatReady checks the credentials needed to join the chat channel.
func (c *Config) ValidateChatReady() error {
	if c.ChatChannel == "" || c.TwitchBotUsername == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing chat env: require CHAT_CHANNEL, TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

// ValidateSocialReady checks the credentials needed by the selected provider.
func (c *Config) ValidateSocialReady() error {
	if c.SocialProvider == ProviderX && c.XBearerToken == "" && (c.XAPIKey == "" || c.XAPISecret == "") {
		return fmt.Errorf("missing x env: require X_BEARER_TOKEN or X_API_KEY and X_API_SECRET")
	}
	return nil
}

// CanRefreshChatToken reports whether the chat token can be renewed.
func (c *Config) CanRefreshChatToken() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != "" && c.TwitchRefreshToken != ""
}
