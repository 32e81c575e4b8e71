package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/catalog-gateway/pkg/logging"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrCacheMiss indicates there is no entry and no way to refresh it
	ErrCacheMiss = errors.New("cache miss")

	// ErrClosed indicates the cache was shut down and no longer refreshes
	ErrClosed = errors.New("cache is closed")
)

const (
	// DefaultMaxEntries bounds the entry map when Config.MaxEntries is 0
	DefaultMaxEntries = 10000

	// DefaultHardTTL is the age after which a stale value is no longer served
	DefaultHardTTL = 24 * time.Hour

	// DefaultRefreshTimeout bounds a single refresh, retries included
	DefaultRefreshTimeout = 3 * time.Minute

	// DefaultFailureBackoff is the pause between background refreshes of a key whose last refresh failed
	DefaultFailureBackoff = 5 * time.Second

	// DefaultKeysSampleSize is the number of keys reported by Stats
	DefaultKeysSampleSize = 10
)

// bypassPrefix separates single-flight groups of uncached calls from cached ones.
const bypassPrefix = "bypass\x00"

// RefreshFunc fetches a fresh value from the upstream.
type RefreshFunc func(ctx context.Context) (any, error)

// Config holds the cache configuration.
type Config struct {
	// MaxEntries bounds the number of entries (least recently used go first)
	MaxEntries int

	// HardTTL is the maximum age of a value that may still be served stale.
	// 0 uses DefaultHardTTL, a negative value serves stale data indefinitely.
	HardTTL time.Duration

	// RefreshGrace is how long a caller holding a stale value waits for the
	// refresh it triggered before the stale value is returned. 0 returns immediately.
	RefreshGrace time.Duration

	// RefreshTimeout bounds each refresh
	RefreshTimeout time.Duration

	// FailureBackoff delays the next background refresh after a failed one
	FailureBackoff time.Duration

	// KeysSampleSize is the number of keys reported by Stats
	KeysSampleSize int

	// Fallback supplies placeholder data when nothing else is available
	Fallback FallbackProvider

	// Logger for cache events (default: global logger with component=cache)
	Logger *zerolog.Logger

	// Now is the clock (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns a configuration with the package defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:     DefaultMaxEntries,
		HardTTL:        DefaultHardTTL,
		RefreshTimeout: DefaultRefreshTimeout,
		FailureBackoff: DefaultFailureBackoff,
		KeysSampleSize: DefaultKeysSampleSize,
	}
}

// Result is a value returned by Fetch together with its provenance.
type Result struct {
	Value any
	State State

	// StoredAt is zero when the value did not come from a cache entry
	StoredAt time.Time
}

// Stats is a point-in-time view of the cache for operational introspection.
type Stats struct {
	Size           int
	Capacity       int
	InFlight       int
	OldestEntryAge time.Duration
	KeysSample     []string
}

// outcome is what a refresh leader hands to every caller of the flight.
type outcome struct {
	entry *Entry
	err   error
}

// Cache is a process-local TTL response cache with stale-while-refresh,
// single-flight refreshes and fallback data.
//
// Stored entries are never mutated; a refresh replaces the entry pointer.
type Cache struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[string, *Entry]
	inFlight int
	closed   bool

	group singleflight.Group

	cfg      Config
	fallback FallbackProvider
	logger   zerolog.Logger
	now      func() time.Time

	// Background refreshes are owned by the cache and stopped by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries < 0 {
		return nil, fmt.Errorf("max_entries must be >= 0 (got %d)", cfg.MaxEntries)
	}
	if cfg.RefreshGrace < 0 {
		return nil, fmt.Errorf("refresh_grace must be >= 0 (got %s)", cfg.RefreshGrace)
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.HardTTL == 0 {
		cfg.HardTTL = DefaultHardTTL
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.FailureBackoff < 0 {
		cfg.FailureBackoff = 0
	}
	if cfg.KeysSampleSize <= 0 {
		cfg.KeysSampleSize = DefaultKeysSampleSize
	}

	entries, err := simplelru.NewLRU[string, *Entry](cfg.MaxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("create entry map: %w", err)
	}

	c := &Cache{
		entries:  entries,
		cfg:      cfg,
		fallback: cfg.Fallback,
		now:      cfg.Now,
	}
	if c.fallback == nil {
		c.fallback = NoFallback{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.Logger != nil {
		c.logger = *cfg.Logger
	} else {
		c.logger = logging.NewLogger(logging.ComponentCache)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	return c, nil
}

// GetOrRefresh returns the value for key, refreshing it through refresh when
// needed. See Fetch for the exact policy.
func (c *Cache) GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh RefreshFunc) (any, State, error) {
	res, err := c.Fetch(ctx, key, ttl, refresh)
	if err != nil {
		return nil, "", err
	}
	return res.Value, res.State, nil
}

// Fetch returns the value for key.
//
//   - fresh entry: returned as is, no upstream call
//   - expired entry within the hard TTL: returned at once (stale, or error if
//     the last refresh failed) while a background refresh updates it
//   - no entry, or entry beyond the hard TTL: the caller blocks on the refresh
//   - ttl <= 0: nothing is read or stored, concurrent calls share one refresh
//
// Concurrent refreshes of one key are collapsed into a single call. A failed
// refresh with no servable value falls back to the FallbackProvider and
// otherwise returns the refresh error.
func (c *Cache) Fetch(ctx context.Context, key string, ttl time.Duration, refresh RefreshFunc) (Result, error) {
	if ttl <= 0 {
		return c.bypass(ctx, key, refresh)
	}

	now := c.now()
	entry, ok := c.lookup(key)
	if ok && !entry.IsBeyondHardTTL(now, c.cfg.HardTTL) {
		if entry.IsFresh(now, ttl) {
			CacheHits.WithLabelValues(string(StateFresh)).Inc()
			c.logger.Debug().Str("key", key).Dur("age", entry.Age(now)).Msg("Cache hit")
			return Result{Value: entry.Value, State: StateFresh, StoredAt: entry.StoredAt}, nil
		}
		return c.serveStale(ctx, key, ttl, entry, refresh), nil
	}

	CacheMisses.Inc()
	if ok {
		c.logger.Debug().Str("key", key).Dur("age", entry.Age(now)).Msg("Entry beyond hard TTL, refreshing synchronously")
	} else {
		c.logger.Debug().Str("key", key).Msg("Cache miss")
	}
	if refresh == nil {
		return Result{}, ErrCacheMiss
	}

	out, err := c.await(ctx, key, c.startRefresh(key, ttl, refresh))
	if err != nil {
		return Result{}, err
	}
	if out.err != nil {
		return c.fail(ctx, key, out.err)
	}
	return Result{Value: out.entry.Value, State: StateFresh, StoredAt: out.entry.StoredAt}, nil
}

// serveStale returns an expired entry and makes sure a refresh is running.
func (c *Cache) serveStale(ctx context.Context, key string, ttl time.Duration, entry *Entry, refresh RefreshFunc) Result {
	now := c.now()
	stale := Result{Value: entry.Value, State: entry.State(now, ttl), StoredAt: entry.StoredAt}

	if refresh == nil || c.inFailureBackoff(entry, now) {
		CacheHits.WithLabelValues(string(stale.State)).Inc()
		return stale
	}

	ch := c.startRefresh(key, ttl, refresh)
	if c.cfg.RefreshGrace > 0 {
		timer := time.NewTimer(c.cfg.RefreshGrace)
		defer timer.Stop()

		select {
		case res := <-ch:
			out := res.Val.(*outcome)
			switch {
			case out.err == nil:
				CacheHits.WithLabelValues(string(StateFresh)).Inc()
				return Result{Value: out.entry.Value, State: StateFresh, StoredAt: out.entry.StoredAt}
			case !errors.Is(out.err, ErrClosed):
				stale.State = StateError
			}
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	CacheHits.WithLabelValues(string(stale.State)).Inc()
	c.logger.Debug().
		Str("key", key).
		Str("state", string(stale.State)).
		Dur("age", entry.Age(now)).
		Msg("Serving expired value")
	return stale
}

func (c *Cache) inFailureBackoff(entry *Entry, now time.Time) bool {
	return entry.LastError != nil && now.Sub(entry.LastAttempt) < c.cfg.FailureBackoff
}

// bypass runs an uncached refresh, still collapsing concurrent identical calls.
func (c *Cache) bypass(ctx context.Context, key string, refresh RefreshFunc) (Result, error) {
	if refresh == nil {
		return Result{}, ErrCacheMiss
	}

	ch := c.group.DoChan(bypassPrefix+key, c.leader(key, 0, refresh, false))
	out, err := c.await(ctx, key, ch)
	if err != nil {
		return Result{}, err
	}
	if out.err != nil {
		return c.fail(ctx, key, out.err)
	}
	return Result{Value: out.entry.Value, State: StateBypass}, nil
}

// startRefresh starts a refresh of key or joins the one in flight.
func (c *Cache) startRefresh(key string, ttl time.Duration, refresh RefreshFunc) <-chan singleflight.Result {
	return c.group.DoChan(key, c.leader(key, ttl, refresh, true))
}

// await waits for a flight result or for the caller's context.
// The refresh keeps running for other callers when ctx ends.
func (c *Cache) await(ctx context.Context, key string, ch <-chan singleflight.Result) (*outcome, error) {
	select {
	case res := <-ch:
		if res.Shared {
			CacheSharedRefreshes.Inc()
		}
		return res.Val.(*outcome), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for refresh of %q: %w", key, ctx.Err())
	}
}

// leader builds the function run once per flight.
func (c *Cache) leader(key string, ttl time.Duration, refresh RefreshFunc, store bool) func() (any, error) {
	return func() (any, error) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return &outcome{err: ErrClosed}, nil
		}
		// A flight that finished between the caller's lookup and DoChan already stored a fresh value.
		if store {
			if e, ok := c.entries.Peek(key); ok && e.IsFresh(c.now(), ttl) {
				c.mu.Unlock()
				return &outcome{entry: e}, nil
			}
		}
		c.wg.Add(1)
		c.inFlight++
		c.mu.Unlock()

		defer func() {
			c.mu.Lock()
			c.inFlight--
			c.mu.Unlock()
			c.wg.Done()
		}()

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RefreshTimeout)
		defer cancel()

		start := time.Now()
		value, err := c.runRefresh(ctx, refresh)
		c.logger.Debug().
			Str("key", key).
			Dur("duration", time.Since(start)).
			Bool("ok", err == nil).
			Msg("Refresh finished")

		return c.complete(key, ttl, value, err, store), nil
	}
}

// runRefresh calls refresh and turns a panic into an error, since a panic
// inside a single-flight goroutine would take the process down.
func (c *Cache) runRefresh(ctx context.Context, refresh RefreshFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
	}()
	return refresh(ctx)
}

// complete records a refresh result.
func (c *Cache) complete(key string, ttl time.Duration, value any, err error, store bool) *outcome {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		CacheRefreshes.WithLabelValues("failure").Inc()
		if !store {
			return &outcome{err: err}
		}

		existing, ok := c.entries.Peek(key)
		if !ok {
			return &outcome{err: err}
		}

		marked := *existing
		marked.LastError = err
		marked.LastAttempt = now
		c.entries.Add(key, &marked)

		c.logger.Warn().
			Err(err).
			Str("key", key).
			Dur("age", marked.Age(now)).
			Msg("Refresh failed, keeping previous value")

		return &outcome{entry: &marked, err: err}
	}

	CacheRefreshes.WithLabelValues("success").Inc()
	entry := &Entry{Key: key, Value: value, StoredAt: now, TTL: ttl}
	if !store {
		return &outcome{entry: entry}
	}

	if c.entries.Add(key, entry) {
		CacheEvictions.Inc()
	}
	CacheEntries.Set(float64(c.entries.Len()))

	return &outcome{entry: entry}
}

// fail handles a refresh error when no cached value can be served.
func (c *Cache) fail(ctx context.Context, key string, err error) (Result, error) {
	if !errors.Is(err, ErrClosed) {
		if doc, ok := c.fallback.Fallback(ctx, key); ok {
			CacheFallbacks.Inc()
			c.logger.Warn().Err(err).Str("key", key).Msg("Refresh failed, serving fallback data")
			return Result{Value: doc, State: StateFallback}, nil
		}
	}

	c.logger.Error().Err(err).Str("key", key).Msg("Refresh failed with no cached value")
	return Result{}, fmt.Errorf("refresh %q: %w", key, err)
}

func (c *Cache) lookup(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(key)
}

// Peek returns a copy of the entry for key without touching its recency.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(key)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Clear removes the given keys, or every entry when called without keys,
// and returns the number of entries removed.
// A refresh already in flight for a removed key still stores its result.
func (c *Cache) Clear(keys ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	if len(keys) == 0 {
		removed = c.entries.Len()
		c.entries.Purge()
	} else {
		for _, key := range keys {
			if c.entries.Remove(key) {
				removed++
			}
		}
	}

	CacheClears.Add(float64(removed))
	CacheEntries.Set(float64(c.entries.Len()))

	if removed > 0 {
		c.logger.Info().Int("removed", removed).Strs("keys", keys).Msg("Cache cleared")
	}
	return removed
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns size, oldest entry age and a sample of keys (oldest first).
func (c *Cache) Stats() Stats {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	type keyAge struct {
		key      string
		storedAt time.Time
	}

	keys := c.entries.Keys()
	all := make([]keyAge, 0, len(keys))
	for _, key := range keys {
		if e, ok := c.entries.Peek(key); ok {
			all = append(all, keyAge{key: key, storedAt: e.StoredAt})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].storedAt.Equal(all[j].storedAt) {
			return all[i].key < all[j].key
		}
		return all[i].storedAt.Before(all[j].storedAt)
	})

	stats := Stats{
		Size:       len(all),
		Capacity:   c.cfg.MaxEntries,
		InFlight:   c.inFlight,
		KeysSample: make([]string, 0, min(len(all), c.cfg.KeysSampleSize)),
	}
	if len(all) > 0 {
		stats.OldestEntryAge = now.Sub(all[0].storedAt)
	}
	for i := 0; i < len(all) && i < c.cfg.KeysSampleSize; i++ {
		stats.KeysSample = append(stats.KeysSample, all[i].key)
	}

	return stats
}

// Shutdown stops new refreshes, cancels running ones and waits for them to
// return or for ctx to end. Calling it more than once is safe.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info().Msg("Cache shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight refreshes: %w", ctx.Err())
	}
}
