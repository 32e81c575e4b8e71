package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for error budget tracking.
var (
	budgetErrorsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_upstream_errors_remaining",
		Help: "Number of upstream failures remaining in the current budget window",
	})

	budgetBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_budget_blocks_total",
		Help: "Total number of upstream requests blocked by the exhausted error budget",
	})

	budgetThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_budget_throttles_total",
		Help: "Total number of upstream requests throttled by the error budget",
	})

	budgetStoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_budget_store_errors_total",
		Help: "Total number of failed error budget store operations",
	})
)

// Config holds the error budget configuration.
type Config struct {
	// MaxErrors is the number of upstream failures allowed per window
	MaxErrors int

	// Window is the budget window length
	Window time.Duration

	// CriticalThreshold blocks requests when fewer errors remain
	CriticalThreshold int

	// WarningThreshold throttles requests when fewer errors remain
	WarningThreshold int

	// ThrottleDelay is the pause per request in the warning zone
	ThrottleDelay time.Duration
}

// DefaultConfig returns the default error budget configuration.
func DefaultConfig() Config {
	return Config{
		MaxErrors:         DefaultMaxErrors,
		Window:            DefaultWindow,
		CriticalThreshold: DefaultCriticalThreshold,
		WarningThreshold:  DefaultWarningThreshold,
		ThrottleDelay:     DefaultThrottleDelay,
	}
}

// Tracker monitors upstream failures and gates requests.
type Tracker struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
}

// NewTracker creates a new error budget tracker.
func NewTracker(store Store, cfg Config, logger zerolog.Logger) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MaxErrors <= 0 {
		return nil, fmt.Errorf("max_errors must be > 0 (got %d)", cfg.MaxErrors)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window must be > 0 (got %s)", cfg.Window)
	}
	if cfg.CriticalThreshold < 0 || cfg.WarningThreshold < cfg.CriticalThreshold {
		return nil, fmt.Errorf("thresholds must satisfy 0 <= critical <= warning (got %d, %d)",
			cfg.CriticalThreshold, cfg.WarningThreshold)
	}
	if cfg.WarningThreshold > cfg.MaxErrors {
		return nil, fmt.Errorf("warning_threshold must be <= max_errors (got %d > %d)",
			cfg.WarningThreshold, cfg.MaxErrors)
	}
	if cfg.ThrottleDelay < 0 {
		cfg.ThrottleDelay = 0
	}

	budgetErrorsRemaining.Set(float64(cfg.MaxErrors))

	return &Tracker{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// GetState reads the current budget from the store.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	count, resetAt, err := t.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("get budget state: %w", err)
	}
	return t.newState(count, resetAt), nil
}

func (t *Tracker) newState(count int, resetAt time.Time) *State {
	remaining := t.cfg.MaxErrors - count
	if remaining < 0 {
		remaining = 0
	}

	state := &State{
		ErrorsRemaining:   remaining,
		ResetAt:           resetAt,
		LastUpdate:        time.Now(),
		criticalThreshold: t.cfg.CriticalThreshold,
		warningThreshold:  t.cfg.WarningThreshold,
	}
	state.UpdateHealth()
	return state
}

// RecordFailure spends one unit of the budget.
func (t *Tracker) RecordFailure(ctx context.Context) error {
	count, resetAt, err := t.store.Incr(ctx, t.cfg.Window)
	if err != nil {
		budgetStoreErrorsTotal.Inc()
		return fmt.Errorf("record upstream failure: %w", err)
	}

	state := t.newState(count, resetAt)
	budgetErrorsRemaining.Set(float64(state.ErrorsRemaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("errors_remaining", state.ErrorsRemaining).
			Time("reset_at", state.ResetAt).
			Msg("Upstream error budget CRITICAL - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("errors_remaining", state.ErrorsRemaining).
			Time("reset_at", state.ResetAt).
			Msg("Upstream error budget WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("errors_remaining", state.ErrorsRemaining).
			Msg("Upstream failure recorded")
	}

	return nil
}

// ShouldAllowRequest checks if an upstream request should be made.
// Returns false if the budget is exhausted. In the warning zone it waits
// ThrottleDelay (or until ctx ends) before allowing the request.
// Store failures allow the request.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		budgetStoreErrorsTotal.Inc()
		t.logger.Warn().Err(err).Msg("Error budget unavailable, allowing request")
		return true, nil
	}
	budgetErrorsRemaining.Set(float64(state.ErrorsRemaining))

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("errors_remaining", state.ErrorsRemaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Upstream error budget critical - blocking request")

		budgetBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() && t.cfg.ThrottleDelay > 0 {
		t.logger.Warn().
			Int("errors_remaining", state.ErrorsRemaining).
			Msg("Upstream error budget warning - throttling request")

		budgetThrottlesTotal.Inc()

		timer := time.NewTimer(t.cfg.ThrottleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	return true, nil
}

// Ping checks that the budget store is reachable.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.store.Ping(ctx)
}
