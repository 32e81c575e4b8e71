// Package upstream provides the HTTP client for the distributor catalog API
// with API key injection, per-request timeouts, error classification, a
// bounded retry policy and an optional error budget.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/catalog-gateway/pkg/budget"
	"github.com/Sternrassler/catalog-gateway/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for upstream client operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"endpoint"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_errors_total",
		Help: "Total upstream errors by kind",
	}, []string{"kind"})
)

const (
	// DefaultBaseURL is the catalog API base URL.
	DefaultBaseURL = "https://connector.b2b.ocs.ru/api/v2"

	// DefaultUserAgent is sent when Config.UserAgent is empty.
	DefaultUserAgent = "catalog-gateway/1.0"

	// DefaultConnectTimeout applies when a request sets no connect timeout.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReadTimeout applies when a request sets no read timeout.
	DefaultReadTimeout = 60 * time.Second

	// APIKeyHeader carries the upstream API key.
	APIKeyHeader = "X-API-Key"

	// maxResponseBytes bounds the size of a decoded upstream document.
	maxResponseBytes = 64 << 20

	// maxErrorSnippet bounds the upstream error body quoted in errors.
	maxErrorSnippet = 256
)

// Timeouts bounds a single upstream attempt.
type Timeouts struct {
	// Connect bounds establishing the TCP connection
	Connect time.Duration

	// Read bounds the whole exchange, response body included
	Read time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Read <= 0 {
		t.Read = DefaultReadTimeout
	}
	return t
}

// Request describes one logical upstream call.
type Request struct {
	// Name labels metrics and logs (default: Path)
	Name string

	Method string
	Path   string
	Query  url.Values

	// Body is JSON-encoded for methods that carry one
	Body any

	Timeouts Timeouts
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the catalog API root, e.g. https://connector.b2b.ocs.ru/api/v2
	BaseURL string

	// APIKey is sent as X-API-Key. Empty makes every Fetch fail with KindNotConfigured.
	APIKey string

	// UserAgent header
	UserAgent string

	// Retry is the bounded retry policy
	Retry RetryPolicy

	// Budget, when set, gates requests and records failures
	Budget *budget.Tracker

	// Transport overrides the HTTP transport (for testing)
	Transport http.RoundTripper

	// Logger (default: global logger with component=upstream)
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration with the default retry policy.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		UserAgent: DefaultUserAgent,
		Retry:     DefaultRetryPolicy(),
	}
}

// Client is the catalog API client.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

type connectTimeoutKey struct{}

// New creates a new catalog API client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("base url must be an absolute http(s) url (got %q)", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = newTransport()
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = logging.NewLogger(logging.ComponentUpstream)
	}

	if cfg.APIKey == "" {
		logger.Warn().Msg("No upstream API key configured, upstream requests will fail")
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    base,
		config:     cfg,
		logger:     logger,
	}, nil
}

// newTransport clones the default transport and enforces the per-request
// connect timeout carried in the request context.
func newTransport() *http.Transport {
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if d, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return dialer.DialContext(ctx, network, addr)
	}
	return transport
}

// APIKeyConfigured reports whether an API key is set.
func (c *Client) APIKeyConfigured() bool {
	return c.config.APIKey != ""
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Fetch performs req with retries and returns the decoded JSON document.
// Failures are *Error values (possibly wrapped with ErrRetryExhausted).
func (c *Client) Fetch(ctx context.Context, req Request) (any, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Name == "" {
		req.Name = req.Path
	}

	if !c.APIKeyConfigured() {
		upstreamErrorsTotal.WithLabelValues(string(KindNotConfigured)).Inc()
		return nil, &Error{
			Kind:     KindNotConfigured,
			Endpoint: req.Path,
			Message:  "API key is not configured",
		}
	}

	target := c.resolve(req)

	var body []byte
	if req.Body != nil && req.Method != http.MethodGet {
		var err error
		if body, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	logger := c.logger.With().Str("endpoint", req.Name).Logger()

	var value any
	err := retryWithBackoff(ctx, c.config.Retry, logger, func(attempt int) error {
		if c.config.Budget != nil {
			allowed, err := c.config.Budget.ShouldAllowRequest(ctx)
			if err != nil {
				return fmt.Errorf("error budget: %w", err)
			}
			if !allowed {
				upstreamRequestsTotal.WithLabelValues(req.Name, "budget_blocked").Inc()
				return &Error{
					Kind:     KindUnavailable,
					Endpoint: req.Path,
					Message:  "request blocked",
					Err:      ErrBudgetExhausted,
				}
			}
		}

		v, err := c.do(ctx, req, target, body)
		if err != nil {
			upstreamErrorsTotal.WithLabelValues(string(KindOf(err))).Inc()
			if c.config.Budget != nil && shouldRetry(err) {
				if berr := c.config.Budget.RecordFailure(ctx); berr != nil {
					logger.Warn().Err(berr).Msg("Failed to record upstream failure")
				}
			}
			return err
		}

		value = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// resolve builds the absolute upstream URL of req.
func (c *Client) resolve(req Request) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(req.Path, "/")
	u.RawPath = ""
	u.RawQuery = req.Query.Encode()
	return u.String()
}

// do performs a single attempt.
func (c *Client) do(ctx context.Context, req Request, target string, body []byte) (any, error) {
	timeouts := req.Timeouts.withDefaults()

	ctx = context.WithValue(ctx, connectTimeoutKey{}, timeouts.Connect)
	ctx, cancel := context.WithTimeout(ctx, timeouts.Read)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set(APIKeyHeader, c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().
		Str("endpoint", req.Name).
		Str("method", req.Method).
		Msg("Executing upstream request")

	start := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(req.Name).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		e := classifyTransportError(req.Path, err)
		upstreamRequestsTotal.WithLabelValues(req.Name, string(e.Kind)).Inc()
		return nil, e
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		e := classifyTransportError(req.Path, err)
		upstreamRequestsTotal.WithLabelValues(req.Name, string(e.Kind)).Inc()
		return nil, e
	}

	upstreamRequestsTotal.WithLabelValues(req.Name, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().
			Str("endpoint", req.Name).
			Int("status", resp.StatusCode).
			Msg("Upstream request error")

		return nil, &Error{
			Kind:       KindHTTPStatus,
			StatusCode: resp.StatusCode,
			Endpoint:   req.Path,
			Message:    snippet(data),
		}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &Error{
			Kind:       KindMalformedResponse,
			StatusCode: resp.StatusCode,
			Endpoint:   req.Path,
			Message:    "empty response body",
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, &Error{
			Kind:     KindMalformedResponse,
			Endpoint: req.Path,
			Message:  "decode response body",
			Err:      err,
		}
	}

	return value, nil
}

// classifyTransportError maps a client or body read error to the taxonomy.
func classifyTransportError(endpoint string, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Err: err}
	}
	return &Error{Kind: KindUnavailable, Endpoint: endpoint, Err: err}
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	return s
}
