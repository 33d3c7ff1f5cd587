// Package config loads runtime settings for the chat server from the
// environment and applies safe defaults to anything missing or invalid.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/crypto/bcrypt"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST"   envDefault:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL"  envDefault:"1s"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string   `env:"PORT"             envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"  envDefault:"http://localhost:8080,http://localhost:5173" envSeparator:","`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	SendBuffer     int      `env:"SEND_BUFFER"      envDefault:"256"`
	RateLimit      RateLimitConfig

	DBPath         string        `env:"DB_PATH"`
	JWTSecret      string        `env:"JWT_SECRET"`
	SessionTTL     time.Duration `env:"SESSION_TTL"      envDefault:"168h"`
	SessionPurge   time.Duration `env:"SESSION_PURGE"    envDefault:"10m"`
	BcryptCost     int           `env:"BCRYPT_COST"      envDefault:"10"`
	SecureCookies  bool          `env:"SECURE_COOKIES"   envDefault:"false"`
	ShutdownPeriod time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Prefix is prepended to every environment variable name.
const Prefix = "CHAT_"

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Port:           ":8080",
		AllowedOrigins: []string{"http://localhost:8080", "http://localhost:5173"},
		MaxMessageSize: 4096,
		SendBuffer:     256,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		SessionTTL:     7 * 24 * time.Hour,
		SessionPurge:   10 * time.Minute,
		BcryptCost:     bcrypt.DefaultCost,
		ShutdownPeriod: 10 * time.Second,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads configuration from CHAT_-prefixed environment variables.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom reads configuration from environment. A nil map reads the process
// environment.
func LoadFrom(environment map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: Prefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return Sanitize(cfg), nil
}

// Sanitize replaces missing or out-of-range values with defaults and
// normalises the origin allow-list.
func Sanitize(cfg Config) Config {
	def := Default()

	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.SessionPurge <= 0 {
		cfg.SessionPurge = def.SessionPurge
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		cfg.BcryptCost = def.BcryptCost
	}
	if cfg.ShutdownPeriod <= 0 {
		cfg.ShutdownPeriod = def.ShutdownPeriod
	}
	cfg.DBPath = strings.TrimSpace(cfg.DBPath)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.LogFormat != "json" {
		cfg.LogFormat = "text"
	}
	cfg.AllowedOrigins = NormalizeOrigins(cfg.AllowedOrigins)
	return cfg
}

// NormalizeOrigins trims, lowercases and deduplicates origins, dropping
// entries that are not scheme://host. "*" is kept as-is.
func NormalizeOrigins(origins []string) []string {
	normalized := make([]string, 0, len(origins))
	seen := make(map[string]struct{}, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		value := trimmed
		if trimmed != "*" {
			n, ok := NormalizeOrigin(trimmed)
			if !ok {
				slog.Warn("ignoring invalid origin in configuration", "origin", origin)
				continue
			}
			value = n
		}

		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		normalized = append(normalized, value)
	}

	return normalized
}

// NormalizeOrigin returns origin as lowercase scheme://host.
func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
