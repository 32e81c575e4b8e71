// Package gateway serves the catalog routes over HTTP.
//
// Every catalog route is answered through the response cache; the cache
// refreshes entries through the upstream client, which applies the retry
// policy and the error budget.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/catalog-gateway/pkg/budget"
	"github.com/Sternrassler/catalog-gateway/pkg/cache"
	"github.com/Sternrassler/catalog-gateway/pkg/logging"
	"github.com/Sternrassler/catalog-gateway/pkg/metrics"
	"github.com/Sternrassler/catalog-gateway/pkg/upstream"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// ServiceName is reported by the info endpoint.
const ServiceName = "catalog-gateway"

// Response headers set on catalog responses.
const (
	HeaderCache = "X-Cache"
	HeaderAge   = "Age"
)

// X-Cache values.
const (
	CacheHit      = "HIT"
	CacheStale    = "STALE"
	CacheError    = "ERROR"
	CacheMiss     = "MISS"
	CacheFallback = "FALLBACK"
	CacheBypass   = "BYPASS"
)

// maxBodyBytes bounds request bodies forwarded to the upstream.
const maxBodyBytes = 1 << 20

// Config holds the server configuration.
type Config struct {
	// Routes are the catalog routes (default: DefaultRoutes)
	Routes []Route

	// Policies resolves TTL and timeouts per resource class (default: cache.DefaultPolicies)
	Policies cache.PolicyTable

	// CORSAllowOrigins (default: any origin)
	CORSAllowOrigins []string

	// Logger for request logs (default: global logger with component=http)
	Logger *zerolog.Logger

	// Now is the clock used to tell misses from hits (default: time.Now)
	Now func() time.Time
}

// Server is the HTTP front of the gateway.
type Server struct {
	echo     *echo.Echo
	cache    *cache.Cache
	client   *upstream.Client
	budget   *budget.Tracker
	routes   []Route
	policies cache.PolicyTable
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a server. tracker may be nil.
func New(c *cache.Cache, client *upstream.Client, tracker *budget.Tracker, cfg Config) (*Server, error) {
	if c == nil {
		return nil, errors.New("cache must not be nil")
	}
	if client == nil {
		return nil, errors.New("upstream client must not be nil")
	}

	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes()
	}
	if cfg.Policies == nil {
		cfg.Policies = cache.DefaultPolicies()
	}
	if err := cfg.Policies.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policies: %w", err)
	}
	if len(cfg.CORSAllowOrigins) == 0 {
		cfg.CORSAllowOrigins = []string{"*"}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := logging.NewLogger(logging.ComponentHTTP)
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Server{
		echo:     echo.New(),
		cache:    c,
		client:   client,
		budget:   tracker,
		routes:   cfg.Routes,
		policies: cfg.Policies,
		logger:   logger,
		now:      cfg.Now,
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  cfg.CORSAllowOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		ExposeHeaders: []string{HeaderCache, HeaderAge},
	}))
	s.echo.Use(requestLogger(logger))

	if err := s.register(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Server) register() error {
	s.echo.GET("/", s.handleInfo)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ready", s.handleReady)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	s.echo.GET("/api/cache/stats", s.handleCacheStats)
	s.echo.DELETE("/api/cache", s.handleCacheClear)

	seen := make(map[string]bool, len(s.routes))
	for _, rt := range s.routes {
		if rt.Name == "" || rt.Path == "" || rt.Upstream == "" {
			return fmt.Errorf("route %q: name, path and upstream are required", rt.Name)
		}
		if seen[rt.Name] {
			return fmt.Errorf("duplicate route %q", rt.Name)
		}
		seen[rt.Name] = true

		h := s.handleCatalog(rt)
		s.echo.Add(rt.Method, rt.Path, h)

		// The first public version served the category tree at /categories.
		if rt.Name == RouteCategories {
			s.echo.Add(rt.Method, "/categories", h)
		}
	}
	return nil
}

// Routes returns the catalog routes.
func (s *Server) Routes() []Route {
	return s.routes
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleError renders echo errors with the gateway error body.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := err.Error()

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, ErrorResponse{Error: msg})
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to write error response")
	}
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := logger.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				event = logger.Warn().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("cache", c.Response().Header().Get(HeaderCache)).
				Msg("Request")
			return nil
		},
	})
}
