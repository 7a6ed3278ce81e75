// Command feedrelay relays a live social feed (X filtered stream or Bluesky
// Jetstream) into a Twitch chat channel and lets chat viewers change the
// tracked terms. It:
//   - Loads configuration and initializes structured logging.
//   - Validates the chat token and keeps it fresh when a refresh token is set.
//   - Runs the bot: social stream, chat monitor and relay bridge.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics
//     and an admin command endpoint.
//
// Positional arguments are added to the initial subscription terms.
// Shutdown is graceful on SIGINT/SIGTERM and on the exit chat command.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/feedrelay/bot"
	"github.com/onnwee/feedrelay/bskyapi"
	"github.com/onnwee/feedrelay/chat"
	"github.com/onnwee/feedrelay/config"
	"github.com/onnwee/feedrelay/oauth"
	"github.com/onnwee/feedrelay/server"
	"github.com/onnwee/feedrelay/social"
	"github.com/onnwee/feedrelay/subscription"
	"github.com/onnwee/feedrelay/telemetry"
	"github.com/onnwee/feedrelay/twitchapi"
	"github.com/onnwee/feedrelay/xapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()
	flag.Parse()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	cfg, err := config.Load(flag.Args()...)
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("chat not configured", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateSocialReady(); err != nil {
		slog.Error("social feed not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("feedrelay", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	irc := chat.NewTwitchTransport(cfg.ChatChannel, cfg.TwitchBotUsername, cfg.TwitchOAuthToken, slog.Default())
	startChatTokenRefresh(ctx, cfg, irc)

	transport := socialTransport(ctx, cfg)
	subs := subscription.New(cfg.Subscriptions...)
	soc := social.New(transport, subs,
		social.WithLogger(slog.Default()),
		social.WithRetryDelay(cfg.SocialRetryDelay),
	)
	ch := chat.New(irc, irc.Mention(),
		chat.WithLogger(slog.Default()),
		chat.WithRetryDelay(cfg.ChatReadRetryDelay),
		chat.WithSendLimit(cfg.ChatSendBurst, cfg.ChatSendPer),
	)
	b := bot.New(subs, soc, ch, transport.Name(), slog.Default())

	// The HTTP surface outlives Run so /status reflects the final summary
	// until the process exits.
	httpCtx, stopHTTP := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHTTP()
	mux := server.NewMux(httpCtx, b, b.Router(), server.Options{AdminToken: cfg.AdminToken})
	go func() {
		if err := server.Start(httpCtx, cfg.HTTPAddr, mux); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	if err := b.Run(ctx); err != nil {
		slog.Error("bot exited with error", slog.Any("err", err))
		stopHTTP()
		shutdownTracing()
		os.Exit(1)
	}
	slog.Info("shutting down")
}

func socialTransport(ctx context.Context, cfg *config.Config) social.Transport {
	switch cfg.SocialProvider {
	case config.ProviderBluesky:
		c := bskyapi.New(cfg.BlueskyJetstreamURL, slog.Default())
		c.Handles = bskyapi.NewHandles(cfg.BlueskyAppViewURL, slog.Default())
		return c
	default:
		var c *xapi.Client
		if cfg.XBearerToken != "" {
			c = xapi.NewWithBearer(ctx, cfg.XAPIBaseURL, cfg.XBearerToken)
		} else {
			c = xapi.NewWithCredentials(ctx, cfg.XAPIBaseURL, cfg.XAPIKey, cfg.XAPISecret)
		}
		c.Logger = slog.Default().With(slog.String("component", "xapi"))
		return c
	}
}

// startChatTokenRefresh validates the IRC token (best effort) and, when a
// refresh token and app credentials are configured, keeps it fresh. New
// tokens are pushed to the transport for the next (re)connect.
func startChatTokenRefresh(ctx context.Context, cfg *config.Config, irc *chat.TwitchTransport) {
	ac := &twitchapi.AuthClient{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	tok := oauth.Token{Access: cfg.TwitchOAuthToken, Refresh: cfg.TwitchRefreshToken}

	vctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	v, err := ac.Validate(vctx, cfg.TwitchOAuthToken)
	cancel()
	switch {
	case err != nil:
		slog.Warn("twitch token validation failed", slog.Any("err", err), slog.String("component", "twitch_auth"))
	default:
		tok.Expiry = twitchapi.ComputeExpiry(v.ExpiresIn)
		tok.Scope = strings.Join(v.Scopes, " ")
		if missing := v.MissingScopes(twitchapi.ChatScopes...); len(missing) > 0 {
			slog.Warn("twitch token missing chat scopes", slog.Any("missing", missing), slog.String("component", "twitch_auth"))
		}
		slog.Info("twitch token valid", slog.String("login", v.Login), slog.Time("expires", tok.Expiry), slog.String("component", "twitch_auth"))
	}

	if !cfg.CanRefreshChatToken() {
		slog.Info("twitch token refresh disabled (missing client id, secret or refresh token)")
		return
	}
	store := oauth.NewStore(tok)
	oauth.StartRefresher(ctx, store, "twitch", 5*time.Minute, 15*time.Minute, ac.Refresher(), func(t oauth.Token) {
		irc.SetToken(t.Access)
	})
}
