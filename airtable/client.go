package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public Airtable API root.
const DefaultBaseURL = "https://api.airtable.com"

const maxResponseBytes = 16 << 20

// APIError is a non-2xx response from Airtable.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "airtable: %d", e.Status)
	if e.Type != "" {
		b.WriteString(" ")
		b.WriteString(e.Type)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Client performs authenticated, rate limited calls against the Airtable
// API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL    string
	rps        float64
	httpClient *http.Client
	log        *slog.Logger
}

// WithBaseURL overrides the API root, mainly for tests.
func WithBaseURL(u string) ClientOption {
	return func(c *clientConfig) { c.baseURL = u }
}

// WithRateLimit caps outbound requests per second. Zero disables pacing.
func WithRateLimit(rps float64) ClientOption {
	return func(c *clientConfig) { c.rps = rps }
}

// WithHTTPClient sets the underlying HTTP client. Its transport is wrapped
// to add the bearer token.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *clientConfig) { c.httpClient = h }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.log = l }
}

// NewClient builds a Client authenticating with the personal access token.
func NewClient(token string, opts ...ClientOption) (*Client, error) {
	if token == "" {
		return nil, errors.New("airtable: api token required")
	}
	cfg := clientConfig{baseURL: DefaultBaseURL, rps: 5}
	for _, opt := range opts {
		opt(&cfg)
	}
	base, err := url.Parse(strings.TrimRight(cfg.baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("airtable: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("airtable: base url %q must be absolute", cfg.baseURL)
	}

	hc := &http.Client{Timeout: 60 * time.Second}
	if cfg.httpClient != nil {
		cp := *cfg.httpClient
		hc = &cp
	}
	hc.Transport = &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		Base:   hc.Transport,
	}

	limit := rate.Inf
	if cfg.rps > 0 {
		limit = rate.Limit(cfg.rps)
	}
	log := cfg.log
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		baseURL: base,
		http:    hc,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}, nil
}

// Do sends one request. path is already escaped. A non-nil body is encoded
// as JSON. The raw response body is returned for 2xx responses; anything
// else yields an *APIError.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("airtable: rate limit: %w", err)
	}

	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return nil, fmt.Errorf("airtable: bad path %q: %w", path, err)
	}
	u := *c.baseURL
	u.Path = c.baseURL.Path + unescaped
	u.RawPath = c.baseURL.EscapedPath() + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("airtable: encode body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("airtable: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		c.log.WarnContext(ctx, "airtable.request.fail", slog.String("method", method), slog.String("path", path), slog.String("err", err.Error()))
		return nil, fmt.Errorf("airtable: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("airtable: read response: %w", err)
	}

	dur := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, raw)
		c.log.WarnContext(ctx, "airtable.request.fail",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("err", apiErr.Error()),
			slog.Int64("dur_ms", dur.Milliseconds()),
		)
		return nil, apiErr
	}

	c.log.DebugContext(ctx, "airtable.request.ok",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Int64("dur_ms", dur.Milliseconds()),
	)
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}
	return raw, nil
}

// parseAPIError understands both error shapes Airtable produces:
// {"error":{"type":..,"message":..}} and {"error":"TYPE"}.
func parseAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{Status: status}
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Error) == 0 {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
		return apiErr
	}
	var typed struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Error, &typed); err == nil {
		apiErr.Type = typed.Type
		apiErr.Message = typed.Message
		return apiErr
	}
	var code string
	if err := json.Unmarshal(env.Error, &code); err == nil {
		apiErr.Type = code
	}
	return apiErr
}
