package config

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		DataDir:          defaultDataDir,
		HTTPPort:         defaultHTTPPort,
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		InviteTTLMinutes: defaultInviteTTL,
		RateLimitPerMin:  defaultRateLimit,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"port too low", func(c *Config) { c.HTTPPort = 0 }, "http-port"},
		{"port too high", func(c *Config) { c.HTTPPort = 70000 }, "http-port"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log-level"},
		{"level case folded", func(c *Config) { c.LogLevel = "DEBUG" }, ""},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log-format"},
		{"negative ttl", func(c *Config) { c.InviteTTLMinutes = -1 }, "invite-ttl-minutes"},
		{"zero ttl allowed", func(c *Config) { c.InviteTTLMinutes = 0 }, ""},
		{"zero rate limit", func(c *Config) { c.RateLimitPerMin = 0 }, "rate-limit-per-min"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNormalizesCase(t *testing.T) {
	cfg := baseConfig()
	cfg.LogLevel = "WARN"
	cfg.LogFormat = "JSON"
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate() = %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.LogFormat != "json" {
		t.Errorf("not normalized: level=%q format=%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(envPrefix+"HTTP_PORT", "9090")
	t.Setenv(envPrefix+"LOG_LEVEL", "debug")
	t.Setenv(envPrefix+"INVITE_TTL_MINUTES", "15")

	cfg := baseConfig()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "")
	fs.IntVar(&cfg.InviteTTLMinutes, "invite-ttl-minutes", defaultInviteTTL, "")

	// The flag wins over the environment; unset flags fall back to env.
	if err := fs.Parse([]string{"-http-port", "7070"}); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}
	applyEnvOverrides(fs, cfg)

	if cfg.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want flag value 7070", cfg.HTTPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want env value debug", cfg.LogLevel)
	}
	if cfg.InviteTTLMinutes != 15 {
		t.Errorf("InviteTTLMinutes = %d, want env value 15", cfg.InviteTTLMinutes)
	}
}

func TestInviteTTL(t *testing.T) {
	cfg := baseConfig()
	cfg.InviteTTLMinutes = 30
	if got := cfg.InviteTTL(); got != 30*time.Minute {
		t.Errorf("InviteTTL() = %v, want 30m", got)
	}
	cfg.InviteTTLMinutes = 0
	if got := cfg.InviteTTL(); got != 0 {
		t.Errorf("InviteTTL() = %v, want 0", got)
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := baseConfig()

	// Empty secret generates an ephemeral key and persists its encoding.
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes() = %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("generated key is %d bytes, want 32", len(key))
	}
	if cfg.JWTSecret == "" {
		t.Error("generated key not stored back in config")
	}
	again, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("second JWTSecretBytes() = %v", err)
	}
	if string(again) != string(key) {
		t.Error("key changed between calls within the same process")
	}

	cfg.JWTSecret = "not-hex"
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Error("non-hex secret accepted")
	}

	cfg.JWTSecret = "abcd" // too short
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Error("short secret accepted")
	}
}
