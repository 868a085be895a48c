package streaminghttp

import (
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultEndpoint     = "/mcp"
	defaultSweepEvery   = time.Minute
	defaultMaxBodyBytes = 4 << 20
)

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	endpoint     string
	registry     *prometheus.Registry
	sweepEvery   time.Duration
	maxBodyBytes int64
}

// WithLogger sets the logger used by the handler. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithEndpoint sets the path the MCP endpoint is mounted at. Defaults to "/mcp".
func WithEndpoint(path string) Option {
	return func(c *newConfig) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		c.endpoint = path
	}
}

// WithMetricsRegistry registers the transport's collectors with reg and
// serves reg at GET /metrics.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(c *newConfig) { c.registry = reg }
}

// WithSweepInterval sets how often Run drops cached sessions whose records
// have expired from the store.
func WithSweepInterval(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// WithMaxBodyBytes limits the size of a POSTed message.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}
