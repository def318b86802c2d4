// Command preview-tender is a Discord bot that replies to Spotify track links
// with the tracks' audio previews.
// It:
//   - Loads configuration and initializes structured logging.
//   - Warms up a Spotify app token (client credentials).
//   - Connects to the Discord gateway and runs every message create/update
//     through the preview pipeline.
//   - Exposes a minimal HTTP server with /healthz, /readyz, and /metrics.
//
// Missing secrets exit with status 1; a panic while handling a message exits
// with status 2. Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/onnwee/preview-tender/config"
	"github.com/onnwee/preview-tender/discord"
	"github.com/onnwee/preview-tender/pipeline"
	"github.com/onnwee/preview-tender/preview"
	"github.com/onnwee/preview-tender/server"
	"github.com/onnwee/preview-tender/spotifyapi"
	"github.com/onnwee/preview-tender/telemetry"
)

const (
	serviceName    = "preview-tender"
	serviceVersion = "1.0.0"

	exitConfig = 1
	exitPanic  = 2
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	lvl, known := parseLevel(os.Getenv("LOG_LEVEL"))
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json | tint
	slog.SetDefault(slog.New(newLogHandler(format, lvl, logWriter())))
	if !known {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(exitConfig)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(exitConfig)
	}
	defer shutdownTracing()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	catalog := &spotifyapi.Client{
		ClientID:     cfg.SpotifyClientID,
		ClientSecret: cfg.SpotifyClientSecret,
		HTTPClient:   httpClient,
		TokenURL:     cfg.SpotifyTokenURL,
		APIURL:       cfg.SpotifyAPIURL,
		Market:       cfg.SpotifyMarket,
	}
	tokens := spotifyapi.NewTokenManager(catalog)

	// Best-effort warm-up; the pipeline exchanges again on demand if this fails.
	warmCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	if tok, err := tokens.Token(warmCtx); err != nil {
		slog.Warn("spotify app token fetch failed", slog.Any("err", err))
	} else if len(tok) > 6 {
		slog.Info("spotify app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
	}
	cancel()

	handled, err := pipeline.NewHandledSet(cfg.HandledCacheSize)
	if err != nil {
		slog.Error("handled set init failed", slog.Any("err", err))
		os.Exit(exitConfig)
	}

	bot, err := discord.New(cfg.BotToken)
	if err != nil {
		slog.Error("discord session init failed", slog.Any("err", err))
		os.Exit(exitConfig)
	}
	bot.Handler = &pipeline.Pipeline{
		Platform: bot,
		Tokens:   tokens,
		Catalog:  catalog,
		Previews: &preview.Fetcher{HTTPClient: httpClient, MaxBytes: cfg.PreviewMaxBytes},
		Handled:  handled,
	}
	bot.OnPanic = func(v any) {
		slog.Error("uncaught failure while handling message", slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
		os.Exit(exitPanic)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Open(ctx); err != nil {
		slog.Error("discord gateway connect failed", slog.Any("err", err))
		os.Exit(exitConfig)
	}
	defer func() {
		if err := bot.Close(); err != nil {
			slog.Error("failed to close discord session", slog.Any("err", err))
		}
	}()

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	if cfg.HTTPAddr != "" {
		go func() {
			err := server.Start(ctx, cfg.HTTPAddr, server.Check{
				Name: "discord",
				Fn:   func(context.Context) error { return bot.Ready() },
			})
			if err != nil {
				slog.Error("http server exited with error", slog.Any("err", err))
			}
		}()
	}

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// parseLevel maps LOG_LEVEL to a slog level. Unknown values yield info and false.
func parseLevel(v string) (slog.Level, bool) {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info", "":
		return slog.LevelInfo, true
	default:
		return slog.LevelInfo, false
	}
}

// newLogHandler builds the handler for LOG_FORMAT: json, tint (colored), or text.
func newLogHandler(format string, lvl slog.Level, w io.Writer) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "tint":
		return tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	default:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
}

// logWriter returns stdout, teed into a rotating file when LOG_FILE is set.
func logWriter() io.Writer {
	path := os.Getenv("LOG_FILE")
	if path == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    envInt("LOG_FILE_MAX_MB", 50),
		MaxBackups: envInt("LOG_FILE_MAX_BACKUPS", 5),
		Compress:   true,
	})
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
