// Package config loads environment variables and provides a typed Config used across the bot.
// Optional settings have defaults; the three secrets are checked by Validate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Discord
	BotToken string

	// Spotify
	SpotifyClientID     string
	SpotifyClientSecret string
	SpotifyMarket       string
	SpotifyTokenURL     string
	SpotifyAPIURL       string

	// Outbound HTTP
	HTTPTimeout     time.Duration
	PreviewMaxBytes int64

	// Pipeline
	HandledCacheSize int

	// Ops
	HTTPAddr         string
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

// Load reads environment variables and applies defaults. It only fails on
// malformed values; use Validate for missing secrets.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.BotToken = os.Getenv("BOT_TOKEN")
	cfg.SpotifyClientID = os.Getenv("SPOTIFY_CLIENT_ID")
	cfg.SpotifyClientSecret = os.Getenv("SPOTIFY_CLIENT_SECRET")
	cfg.SpotifyMarket = strings.ToLower(os.Getenv("SPOTIFY_MARKET"))
	if cfg.SpotifyMarket == "" {
		cfg.SpotifyMarket = "us"
	}
	// Empty means the public endpoints.
	cfg.SpotifyTokenURL = os.Getenv("SPOTIFY_ACCOUNTS_URL")
	cfg.SpotifyAPIURL = os.Getenv("SPOTIFY_API_URL")

	cfg.HTTPTimeout = 30 * time.Second
	if v := os.Getenv("HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
		}
		cfg.HTTPTimeout = d
	}

	cfg.PreviewMaxBytes = 8 * 1024 * 1024
	if v := os.Getenv("PREVIEW_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid PREVIEW_MAX_BYTES %q", v)
		}
		cfg.PreviewMaxBytes = n
	}

	cfg.HandledCacheSize = 50000
	if v := os.Getenv("HANDLED_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid HANDLED_CACHE_SIZE %q", v)
		}
		cfg.HandledCacheSize = n
	}

	// HTTP_ADDR="-" disables the health/metrics server.
	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	} else if cfg.HTTPAddr == "-" {
		cfg.HTTPAddr = ""
	}

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") != "0"
	cfg.TraceSampleRatio = 1
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG %q", v)
		}
		cfg.TraceSampleRatio = f
	}

	return cfg, nil
}

// Validate checks the secrets the bot cannot start without.
func (c *Config) Validate() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "BOT_TOKEN")
	}
	if c.SpotifyClientID == "" {
		missing = append(missing, "SPOTIFY_CLIENT_ID")
	}
	if c.SpotifyClientSecret == "" {
		missing = append(missing, "SPOTIFY_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env: %s", strings.Join(missing, ", "))
	}
	return nil
}
