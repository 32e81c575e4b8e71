package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/catalog-gateway/pkg/cache"
	"github.com/Sternrassler/catalog-gateway/pkg/upstream"
	"github.com/labstack/echo/v4"
)

// InfoResponse is returned by GET /.
type InfoResponse struct {
	Service          string   `json:"service"`
	Endpoints        []string `json:"endpoints"`
	APIKeyConfigured bool     `json:"api_key_configured"`
}

// StatsResponse is returned by GET /api/cache/stats.
type StatsResponse struct {
	Size                  int          `json:"size"`
	Capacity              int          `json:"capacity"`
	InFlight              int          `json:"in_flight"`
	OldestEntryAgeSeconds float64      `json:"oldest_entry_age_seconds"`
	KeysSample            []string     `json:"keys_sample"`
	Budget                *BudgetStats `json:"budget,omitempty"`
}

// BudgetStats is the error budget part of StatsResponse.
type BudgetStats struct {
	ErrorsRemaining int     `json:"errors_remaining"`
	ResetInSeconds  float64 `json:"reset_in_seconds"`
	Healthy         bool    `json:"healthy"`
}

// ClearResponse is returned by DELETE /api/cache.
type ClearResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleInfo(c echo.Context) error {
	endpoints := make([]string, 0, len(s.routes)+5)
	for _, rt := range s.routes {
		endpoints = append(endpoints, rt.Method+" "+rt.Path)
	}
	endpoints = append(endpoints,
		"GET /api/cache/stats",
		"DELETE /api/cache",
		"GET /health",
		"GET /ready",
		"GET /metrics",
	)

	return c.JSON(http.StatusOK, InfoResponse{
		Service:          ServiceName,
		Endpoints:        endpoints,
		APIKeyConfigured: s.client.APIKeyConfigured(),
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether the error budget store is reachable.
func (s *Server) handleReady(c echo.Context) error {
	if s.budget != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := s.budget.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "error budget store unreachable: " + err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCacheStats(c echo.Context) error {
	stats := s.cache.Stats()
	resp := StatsResponse{
		Size:                  stats.Size,
		Capacity:              stats.Capacity,
		InFlight:              stats.InFlight,
		OldestEntryAgeSeconds: stats.OldestEntryAge.Seconds(),
		KeysSample:            stats.KeysSample,
	}

	if s.budget != nil {
		state, err := s.budget.GetState(c.Request().Context())
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to read error budget state")
		} else {
			resp.Budget = &BudgetStats{
				ErrorsRemaining: state.ErrorsRemaining,
				ResetInSeconds:  state.TimeUntilReset().Seconds(),
				Healthy:         state.IsHealthy,
			}
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// handleCacheClear removes every entry, or only the keys given as ?key=.
func (s *Server) handleCacheClear(c echo.Context) error {
	keys := c.QueryParams()["key"]
	if _, ok := c.QueryParams()["key"]; ok && len(nonEmpty(keys)) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "key must not be empty"})
	}

	removed := s.cache.Clear(nonEmpty(keys)...)
	return c.JSON(http.StatusOK, ClearResponse{Removed: removed})
}

// pathParam returns the decoded route parameter. echo keeps the escaped form
// when the request path carries an encoded slash.
func pathParam(c echo.Context, name string) string {
	v := c.Param(name)
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

// handleCatalog answers a catalog route through the cache.
func (s *Server) handleCatalog(rt Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		query, err := rt.Query(c.QueryParams())
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		}

		path, err := rt.UpstreamPath(func(name string) string { return pathParam(c, name) })
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		}

		var body any
		if rt.Body {
			if body, err = readItemList(c.Request().Body); err != nil {
				return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			}
		}

		start := s.now()
		res, err := s.fetch(c.Request().Context(), rt, path, query, body)
		if err != nil {
			if errors.Is(err, errBadKey) {
				return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			}
			return c.JSON(statusFor(err), newErrorResponse(err))
		}

		header := c.Response().Header()
		header.Set(HeaderCache, cacheHeader(res, start))
		if !res.StoredAt.IsZero() {
			age := s.now().Sub(res.StoredAt)
			header.Set(HeaderAge, strconv.Itoa(max(int(age/time.Second), 0)))
		}

		return c.JSON(http.StatusOK, res.Value)
	}
}

var errBadKey = errors.New("request cannot be keyed")

// fetch resolves rt's policy and reads the resource through the cache.
func (s *Server) fetch(ctx context.Context, rt Route, path string, query url.Values, body any) (cache.Result, error) {
	key, err := rt.Key(path, query, body)
	if err != nil {
		return cache.Result{}, fmt.Errorf("%w: %w", errBadKey, err)
	}

	policy := s.policies.Lookup(rt.Class)
	req := upstream.Request{
		Name:   rt.Name,
		Method: rt.Method,
		Path:   path,
		Query:  query,
		Body:   body,
		Timeouts: upstream.Timeouts{
			Connect: policy.ConnectTimeout,
			Read:    policy.ReadTimeout,
		},
	}

	return s.cache.Fetch(ctx, key, policy.TTL, func(ctx context.Context) (any, error) {
		return s.client.Fetch(ctx, req)
	})
}

// cacheHeader derives the X-Cache value. A fresh value stored after the
// request started was fetched for it.
func cacheHeader(res cache.Result, start time.Time) string {
	switch res.State {
	case cache.StateFresh:
		if !res.StoredAt.Before(start) {
			return CacheMiss
		}
		return CacheHit
	case cache.StateStale:
		return CacheStale
	case cache.StateError:
		return CacheError
	case cache.StateFallback:
		return CacheFallback
	default:
		return CacheBypass
	}
}

// readItemList decodes a non-empty JSON array body.
func readItemList(r io.Reader) (any, error) {
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.UseNumber()

	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("body must be a JSON array: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("body must list at least one item")
	}
	return items, nil
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
