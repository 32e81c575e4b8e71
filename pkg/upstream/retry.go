package upstream

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	upstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_retries_total",
		Help: "Total number of upstream retry attempts by error kind",
	}, []string{"kind"})

	upstreamRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_upstream_retry_backoff_seconds",
		Help:    "Backoff duration for upstream retries by error kind",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"kind"})

	upstreamRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_retry_exhausted_total",
		Help: "Total number of times upstream retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// MaxRetryAttempts caps RetryPolicy.MaxAttempts.
const MaxRetryAttempts = 3

// Backoff is the delay growth between attempts.
type Backoff string

const (
	// BackoffFixed waits Delay before every retry.
	BackoffFixed Backoff = "fixed"

	// BackoffLinear waits Delay times the number of failed attempts.
	BackoffLinear Backoff = "linear"
)

// RetryPolicy is the single bounded retry policy of the client.
type RetryPolicy struct {
	// MaxAttempts is the number of attempts including the first one (1..3).
	MaxAttempts int

	// Backoff selects fixed or linear delay growth.
	Backoff Backoff

	// Delay is the base delay between attempts.
	Delay time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Backoff:     BackoffLinear,
		Delay:       500 * time.Millisecond,
	}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > MaxRetryAttempts {
		return fmt.Errorf("max_attempts must be between 1 and %d (got %d)", MaxRetryAttempts, p.MaxAttempts)
	}
	if p.Backoff != BackoffFixed && p.Backoff != BackoffLinear {
		return fmt.Errorf("backoff must be %q or %q (got %q)", BackoffFixed, BackoffLinear, p.Backoff)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay must be >= 0 (got %s)", p.Delay)
	}
	return nil
}

// normalized clamps the policy into its valid range.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxAttempts > MaxRetryAttempts {
		p.MaxAttempts = MaxRetryAttempts
	}
	if p.Backoff != BackoffLinear {
		p.Backoff = BackoffFixed
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// delayAfter returns the base delay after the given failed attempt (1-based).
func (p RetryPolicy) delayAfter(attempt int) time.Duration {
	if p.Backoff == BackoffLinear {
		return p.Delay * time.Duration(attempt)
	}
	return p.Delay
}

// retryWithBackoff executes fn until it succeeds, fails with a non-retryable
// error, or the policy runs out of attempts. It respects context cancellation
// and adds jitter to prevent thundering herd.
func retryWithBackoff(ctx context.Context, policy RetryPolicy, logger zerolog.Logger, fn func(attempt int) error) error {
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Upstream request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		kind := string(KindOf(err))

		if !shouldRetry(err) || ctx.Err() != nil {
			return lastErr
		}

		if attempt >= policy.MaxAttempts {
			break
		}

		upstreamRetriesTotal.WithLabelValues(kind).Inc()

		// ±20% jitter
		base := policy.delayAfter(attempt)
		wait := time.Duration(float64(base) * (0.8 + rand.Float64()*0.4))
		upstreamRetryBackoffSeconds.WithLabelValues(kind).Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying upstream request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (retry interrupted: %v)", lastErr, ctx.Err())
		case <-timer.C:
		}
	}

	upstreamRetryExhaustedTotal.WithLabelValues(string(KindOf(lastErr))).Inc()
	logger.Warn().
		Err(lastErr).
		Int("max_attempts", policy.MaxAttempts).
		Msg("Upstream retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, policy.MaxAttempts, lastErr)
}
