// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config is the complete server configuration. Defaults are provided via
// struct tags.
type Config struct {
	Airtable  Airtable
	Transport string `env:"MCP_TRANSPORT,default=stdio"`
	HTTP      HTTP
	Redis     Redis
	Log       Log
}

// Airtable configures the outbound API client.
type Airtable struct {
	// APIKey is a personal access token. ENV: AIRTABLE_API_KEY
	APIKey    string  `env:"AIRTABLE_API_KEY,required"`
	BaseURL   string  `env:"AIRTABLE_BASE_URL,default=https://api.airtable.com"`
	RateLimit float64 `env:"AIRTABLE_RATE_LIMIT,default=5"`
	ReadOnly  bool    `env:"AIRTABLE_READ_ONLY,default=false"`
}

// HTTP configures the streaming HTTP transport.
type HTTP struct {
	ListenAddr string        `env:"MCP_LISTEN_ADDR,default=127.0.0.1:8080"`
	Endpoint   string        `env:"MCP_PUBLIC_ENDPOINT,default=/mcp"`
	SessionTTL time.Duration `env:"MCP_SESSION_TTL,default=1h"`
}

// Redis enables the shared session store and cancellation bus when Addr is set.
type Redis struct {
	Addr      string `env:"REDIS_ADDR"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=airtable-mcp:"`
}

// Log configures the process logger.
type Log struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// Load decodes the environment into a Config. Only missing required
// variables fail here; callers apply their overrides and then Validate.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Airtable.APIKey) == "" {
		errs = append(errs, errors.New("AIRTABLE_API_KEY must not be empty"))
	}
	if u, err := url.Parse(c.Airtable.BaseURL); err != nil || !u.IsAbs() {
		errs = append(errs, fmt.Errorf("AIRTABLE_BASE_URL must be an absolute URL, got %q", c.Airtable.BaseURL))
	}
	if c.Airtable.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("AIRTABLE_RATE_LIMIT must not be negative, got %v", c.Airtable.RateLimit))
	}
	switch c.Transport {
	case TransportStdio, TransportHTTP:
	default:
		errs = append(errs, fmt.Errorf("MCP_TRANSPORT must be %q or %q, got %q", TransportStdio, TransportHTTP, c.Transport))
	}
	if !strings.HasPrefix(c.HTTP.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("MCP_PUBLIC_ENDPOINT must be a path starting with /, got %q", c.HTTP.Endpoint))
	}
	if c.HTTP.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("MCP_SESSION_TTL must not be negative, got %s", c.HTTP.SessionTTL))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case LogFormatJSON, LogFormatText:
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be %q or %q, got %q", LogFormatJSON, LogFormatText, c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses the configured level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", l.Level)
	}
	return lvl, nil
}

// RedisEnabled reports whether the shared Redis backends are configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}
