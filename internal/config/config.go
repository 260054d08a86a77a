package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the callbridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir          string
	HTTPPort         int
	LogLevel         string
	LogFormat        string // log output format: "text" or "json"
	JWTSecret        string // hex-encoded 32-byte secret for client JWT signing
	NotifyGatewayURL string // URL of the readiness-notification gateway
	NotifyAPIKey     string // API key for the notification gateway
	InviteTTLMinutes int    // minutes before an unclaimed invite expires (0 = never)
	RateLimitPerMin  int    // per-client API request budget per minute
}

// defaults
const (
	defaultDataDir   = "./data"
	defaultHTTPPort  = 8080
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
	defaultInviteTTL = 60
	defaultRateLimit = 120
)

// envPrefix is the prefix for all callbridge environment variables.
const envPrefix = "CALLBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for client JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.NotifyGatewayURL, "notify-gateway-url", "", "URL of the readiness-notification gateway")
	fs.StringVar(&cfg.NotifyAPIKey, "notify-api-key", "", "API key for the notification gateway")
	fs.IntVar(&cfg.InviteTTLMinutes, "invite-ttl-minutes", defaultInviteTTL, "minutes before an unclaimed invite expires (0 disables expiry)")
	fs.IntVar(&cfg.RateLimitPerMin, "rate-limit-per-min", defaultRateLimit, "per-client API request budget per minute")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":           envPrefix + "DATA_DIR",
		"http-port":          envPrefix + "HTTP_PORT",
		"log-level":          envPrefix + "LOG_LEVEL",
		"log-format":         envPrefix + "LOG_FORMAT",
		"jwt-secret":         envPrefix + "JWT_SECRET",
		"notify-gateway-url": envPrefix + "NOTIFY_GATEWAY_URL",
		"notify-api-key":     envPrefix + "NOTIFY_API_KEY",
		"invite-ttl-minutes": envPrefix + "INVITE_TTL_MINUTES",
		"rate-limit-per-min": envPrefix + "RATE_LIMIT_PER_MIN",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "notify-gateway-url":
			cfg.NotifyGatewayURL = val
		case "notify-api-key":
			cfg.NotifyAPIKey = val
		case "invite-ttl-minutes":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.InviteTTLMinutes = v
			}
		case "rate-limit-per-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RateLimitPerMin = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.InviteTTLMinutes < 0 {
		return fmt.Errorf("invite-ttl-minutes must not be negative, got %d", c.InviteTTLMinutes)
	}
	if c.RateLimitPerMin < 1 {
		return fmt.Errorf("rate-limit-per-min must be at least 1, got %d", c.RateLimitPerMin)
	}

	return nil
}

// InviteTTL returns the invite expiry as a duration. Zero means no expiry.
func (c *Config) InviteTTL() time.Duration {
	return time.Duration(c.InviteTTLMinutes) * time.Minute
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
