// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vgrid/tokengate/internal/audit"
	"github.com/vgrid/tokengate/internal/auth/exchange"
	"github.com/vgrid/tokengate/internal/auth/provider"
	"github.com/vgrid/tokengate/internal/auth/session"
	"github.com/vgrid/tokengate/internal/observability"
	"github.com/vgrid/tokengate/internal/ratelimit"
	"github.com/vgrid/tokengate/internal/server"
)

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// Config is the root gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Mode controls dev fallback behavior: strict, auto, or dev.
	Mode string `yaml:"mode,omitempty"`

	// Providers is the ordered list of accepted identity providers.
	Providers []provider.Config `yaml:"providers"`

	// RateLimit configures the exchange rate limiter.
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// Session configures minted session tokens.
	Session SessionConfig `yaml:"session"`

	// JWKS configures key set caching.
	JWKS JWKSConfig `yaml:"jwks"`

	// Verification configures claim validation.
	Verification VerificationConfig `yaml:"verification"`

	// Audit configures audit logging.
	Audit audit.Config `yaml:"audit"`

	// Logging configures diagnostic logging.
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address        string   `yaml:"address,omitempty"`
	Port           int      `yaml:"port,omitempty"`
	ReadTimeout    Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout   Duration `yaml:"writeTimeout,omitempty"`
	IdleTimeout    Duration `yaml:"idleTimeout,omitempty"`
	TrustedProxies []string `yaml:"trustedProxies,omitempty"`
}

// RateLimitConfig configures the exchange rate limiter.
type RateLimitConfig struct {
	Enabled         bool        `yaml:"enabled"`
	Requests        int         `yaml:"requests,omitempty"`
	Window          Duration    `yaml:"window,omitempty"`
	MaxKeys         int         `yaml:"maxKeys,omitempty"`
	CleanupInterval Duration    `yaml:"cleanupInterval,omitempty"`
	Store           string      `yaml:"store,omitempty"`
	Redis           RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the optional Redis limiter store.
type RedisConfig struct {
	Address  string `yaml:"address,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// SessionConfig configures minted session tokens.
type SessionConfig struct {
	Secret string   `yaml:"secret"`
	Issuer string   `yaml:"issuer,omitempty"`
	TTL    Duration `yaml:"ttl,omitempty"`
}

// JWKSConfig configures key set caching.
type JWKSConfig struct {
	TTL Duration `yaml:"ttl,omitempty"`
}

// VerificationConfig configures claim validation.
type VerificationConfig struct {
	ClockSkew Duration `yaml:"clockSkew,omitempty"`
}

// LoggingConfig configures diagnostic logging.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	Output string `yaml:"output,omitempty"`
}

// Store kinds for the rate limiter.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Load reads, expands, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadFromReader loads configuration from an io.Reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns with
// environment variable values. "$$" escapes a literal dollar sign.
func substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00ESCAPED_DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		varName := submatches[1]
		defaultValue := ""
		if len(submatches) >= 3 {
			defaultValue = submatches[2]
		}
		if value, ok := os.LookupEnv(varName); ok {
			return value
		}
		return defaultValue
	})

	return strings.ReplaceAll(result, "\x00ESCAPED_DOLLAR\x00", "$")
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = string(exchange.ModeStrict)
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = ratelimit.DefaultConfig().Requests
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = Duration(ratelimit.DefaultConfig().Window)
	}
	if c.RateLimit.MaxKeys == 0 {
		c.RateLimit.MaxKeys = ratelimit.DefaultConfig().MaxKeys
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = Duration(ratelimit.DefaultConfig().CleanupInterval)
	}
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = StoreMemory
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = Duration(session.DefaultTTL)
	}
	if c.JWKS.TTL == 0 {
		c.JWKS.TTL = Duration(time.Hour)
	}
	if c.Verification.ClockSkew == 0 {
		c.Verification.ClockSkew = Duration(5 * time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
}

// Validate checks the whole configuration. Any error here is fatal at
// startup.
func (c *Config) Validate() error {
	switch exchange.Mode(c.Mode) {
	case exchange.ModeStrict, exchange.ModeAuto, exchange.ModeDev:
	default:
		return fmt.Errorf("mode must be one of strict, auto, dev; got %q", c.Mode)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	if len(c.Providers) == 0 && exchange.Mode(c.Mode) != exchange.ModeDev {
		return fmt.Errorf("at least one provider is required outside dev mode")
	}
	for i := range c.Providers {
		if err := c.Providers[i].Validate(); err != nil {
			return fmt.Errorf("provider %d: %w", i, err)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests < 1 {
			return fmt.Errorf("rateLimit.requests must be positive")
		}
		if c.RateLimit.Window.Duration() <= 0 {
			return fmt.Errorf("rateLimit.window must be positive")
		}
		switch c.RateLimit.Store {
		case StoreMemory:
		case StoreRedis:
			if c.RateLimit.Redis.Address == "" {
				return fmt.Errorf("rateLimit.redis.address is required for the redis store")
			}
		default:
			return fmt.Errorf("rateLimit.store must be memory or redis; got %q", c.RateLimit.Store)
		}
	}

	if err := c.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	return nil
}

// ServerConfig builds the HTTP server configuration.
func (c *Config) ServerConfig() *server.Config {
	base := server.DefaultConfig()
	base.Address = c.Server.Address
	base.Port = c.Server.Port
	if d := c.Server.ReadTimeout.Duration(); d > 0 {
		base.ReadTimeout = d
	}
	if d := c.Server.WriteTimeout.Duration(); d > 0 {
		base.WriteTimeout = d
	}
	if d := c.Server.IdleTimeout.Duration(); d > 0 {
		base.IdleTimeout = d
	}
	base.TrustedProxies = c.Server.TrustedProxies
	return base
}

// SessionConfig builds the session issuer configuration.
func (c *Config) SessionConfig() *session.Config {
	return &session.Config{
		Secret: c.Session.Secret,
		Issuer: c.Session.Issuer,
		TTL:    c.Session.TTL.Duration(),
	}
}

// LimiterConfig builds the in-memory limiter configuration.
func (c *Config) LimiterConfig() *ratelimit.Config {
	return &ratelimit.Config{
		Requests:        c.RateLimit.Requests,
		Window:          c.RateLimit.Window.Duration(),
		MaxKeys:         c.RateLimit.MaxKeys,
		CleanupInterval: c.RateLimit.CleanupInterval.Duration(),
	}
}

// LogConfig builds the diagnostic logging configuration.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}
