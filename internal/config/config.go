// Package config loads the gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/catalog-gateway/pkg/budget"
	"github.com/Sternrassler/catalog-gateway/pkg/cache"
	"github.com/Sternrassler/catalog-gateway/pkg/logging"
	"github.com/Sternrassler/catalog-gateway/pkg/upstream"
	"github.com/joho/godotenv"
)

// Config is the complete gateway configuration.
type Config struct {
	Port string

	// Upstream
	BaseURL string
	APIKey  string
	Retry   upstream.RetryPolicy

	// Logging
	LogLevel  logging.LogLevel
	LogPretty bool

	// RedisURL enables the shared error budget (redis://host:port/db). Empty keeps it in memory.
	RedisURL string

	// Cache
	MaxEntries     int
	HardTTL        time.Duration
	RefreshGrace   time.Duration
	RefreshTimeout time.Duration
	Policies       cache.PolicyTable

	// Error budget
	BudgetMaxErrors int
	BudgetWindow    time.Duration

	CORSAllowOrigins []string
	DemoFallback     bool
	WarmupInterval   time.Duration
	ShutdownTimeout  time.Duration
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		Port:             "10000",
		BaseURL:          upstream.DefaultBaseURL,
		Retry:            upstream.DefaultRetryPolicy(),
		LogLevel:         logging.LevelInfo,
		MaxEntries:       cache.DefaultMaxEntries,
		HardTTL:          cache.DefaultHardTTL,
		RefreshTimeout:   cache.DefaultRefreshTimeout,
		Policies:         cache.DefaultPolicies(),
		BudgetMaxErrors:  budget.DefaultMaxErrors,
		BudgetWindow:     budget.DefaultWindow,
		CORSAllowOrigins: []string{"*"},
		DemoFallback:     true,
		WarmupInterval:   30 * time.Minute,
		ShutdownTimeout:  15 * time.Second,
	}
}

// Load reads .env files (default ".env", missing files are ignored) into the
// process environment without overriding set variables, then parses it.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup parses the configuration from lookup (os.LookupEnv in production).
// All invalid values are reported together.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := &parser{lookup: lookup}

	cfg.Port = p.str("PORT", cfg.Port)
	cfg.BaseURL = p.str("OCS_BASE_URL", cfg.BaseURL)
	cfg.APIKey = p.str("OCS_API_KEY", "")

	if v, ok := p.get("LOG_LEVEL"); ok {
		level, err := logging.ParseLogLevel(v)
		p.check("LOG_LEVEL", err)
		cfg.LogLevel = level
	}
	cfg.LogPretty = p.boolean("LOG_PRETTY", cfg.LogPretty)

	cfg.RedisURL = p.str("REDIS_URL", "")

	cfg.MaxEntries = p.integer("CACHE_MAX_ENTRIES", cfg.MaxEntries)
	cfg.HardTTL = p.duration("CACHE_HARD_TTL", cfg.HardTTL)
	cfg.RefreshGrace = p.duration("CACHE_REFRESH_GRACE", cfg.RefreshGrace)
	cfg.RefreshTimeout = p.duration("CACHE_REFRESH_TIMEOUT", cfg.RefreshTimeout)

	ttls := []struct {
		env   string
		class cache.ResourceClass
	}{
		{"TTL_STATIC", cache.ClassStatic},
		{"TTL_SEMI_VOLATILE", cache.ClassSemiVolatile},
		{"TTL_VOLATILE", cache.ClassVolatile},
		{"TTL_SEARCH", cache.ClassSearch},
	}
	for _, t := range ttls {
		if _, ok := p.get(t.env); ok {
			cfg.Policies = cfg.Policies.WithTTL(t.class, p.duration(t.env, 0))
		}
	}

	cfg.Retry.MaxAttempts = p.integer("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.Backoff = upstream.Backoff(strings.ToLower(p.str("RETRY_BACKOFF", string(cfg.Retry.Backoff))))
	cfg.Retry.Delay = p.duration("RETRY_DELAY", cfg.Retry.Delay)

	cfg.BudgetMaxErrors = p.integer("BUDGET_MAX_ERRORS", cfg.BudgetMaxErrors)
	cfg.BudgetWindow = p.duration("BUDGET_WINDOW", cfg.BudgetWindow)

	if v, ok := p.get("CORS_ALLOW_ORIGINS"); ok {
		cfg.CORSAllowOrigins = splitList(v)
	}
	cfg.DemoFallback = p.boolean("DEMO_FALLBACK", cfg.DemoFallback)
	cfg.WarmupInterval = p.duration("WARMUP_INTERVAL", cfg.WarmupInterval)
	cfg.ShutdownTimeout = p.duration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	if len(p.errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %w", errors.Join(p.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error

	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a port number (got %q)", c.Port))
	}
	if c.BaseURL == "" {
		errs = append(errs, errors.New("OCS_BASE_URL must not be empty"))
	}
	if c.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_MAX_ENTRIES must be > 0 (got %d)", c.MaxEntries))
	}
	if c.RefreshGrace < 0 {
		errs = append(errs, fmt.Errorf("CACHE_REFRESH_GRACE must be >= 0 (got %s)", c.RefreshGrace))
	}
	if err := c.Policies.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if c.BudgetMaxErrors <= 0 {
		errs = append(errs, fmt.Errorf("BUDGET_MAX_ERRORS must be > 0 (got %d)", c.BudgetMaxErrors))
	}
	if c.BudgetWindow <= 0 {
		errs = append(errs, fmt.Errorf("BUDGET_WINDOW must be > 0 (got %s)", c.BudgetWindow))
	}
	if len(c.CORSAllowOrigins) == 0 {
		errs = append(errs, errors.New("CORS_ALLOW_ORIGINS must not be empty"))
	}
	if c.WarmupInterval < 0 {
		errs = append(errs, fmt.Errorf("WARMUP_INTERVAL must be >= 0 (got %s)", c.WarmupInterval))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0 (got %s)", c.ShutdownTimeout))
	}

	return errors.Join(errs...)
}

// APIKeyConfigured reports whether OCS_API_KEY is set.
func (c Config) APIKeyConfigured() bool {
	return c.APIKey != ""
}

// parser reads typed values and collects every parse error.
type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) check(key string, err error) {
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
}

func (p *parser) str(key, def string) string {
	if v, ok := p.get(key); ok {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v, ok := p.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	p.check(key, err)
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v, ok := p.get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	p.check(key, err)
	return b
}

// duration accepts Go durations ("45m") and plain seconds ("2700").
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.get(key)
	if !ok {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	p.check(key, err)
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
