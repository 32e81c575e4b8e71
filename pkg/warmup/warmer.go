// Package warmup pre-fetches near-static resources with a bounded worker pool
// so that the first client request after startup hits a warm cache.
package warmup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/catalog-gateway/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	warmupRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_warmup_runs_total",
		Help: "Total number of warm-up runs",
	})

	warmupTargetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_warmup_targets_total",
		Help: "Total number of warm-up target fetches by target and result",
	}, []string{"target", "result"})

	warmupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_warmup_duration_seconds",
		Help:    "Duration of warm-up runs in seconds",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
	})
)

// Config holds warmer configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int
	// Timeout per target fetch
	Timeout time.Duration
	// Interval between runs started by Start; 0 runs once
	Interval time.Duration
}

// DefaultConfig returns the default warmer configuration.
// The timeout matches the slowest upstream read timeout.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 2,
		Timeout:        2 * time.Minute,
		Interval:       30 * time.Minute,
	}
}

// Target is one resource to pre-fetch.
type Target struct {
	Name  string
	Fetch func(ctx context.Context) error
}

// Report summarizes a run.
type Report struct {
	Succeeded []string
	Failed    map[string]error
	Duration  time.Duration
}

// Err returns an error describing failed targets, or nil.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("warm-up failed for %d of %d targets", len(r.Failed), len(r.Failed)+len(r.Succeeded))
}

type targetResult struct {
	name string
	err  error
}

// Warmer runs warm-up targets once or periodically.
type Warmer struct {
	targets []Target
	config  Config
	logger  zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New creates a warmer for targets.
func New(targets []Target, config Config) *Warmer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Interval < 0 {
		config.Interval = 0
	}

	return &Warmer{
		targets: targets,
		config:  config,
		logger:  logging.NewLogger(logging.ComponentWarmup),
	}
}

// Run fetches every target once using the worker pool and waits for all of them.
func (w *Warmer) Run(ctx context.Context) Report {
	start := time.Now()
	warmupRunsTotal.Inc()

	report := Report{Failed: make(map[string]error)}
	if len(w.targets) == 0 {
		return report
	}

	queue := make(chan Target, len(w.targets))
	for _, t := range w.targets {
		queue <- t
	}
	close(queue)

	results := make(chan targetResult, len(w.targets))

	workers := min(w.config.MaxConcurrency, len(w.targets))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go w.worker(ctx, queue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			warmupTargetsTotal.WithLabelValues(res.name, "failure").Inc()
			report.Failed[res.name] = res.err
			continue
		}
		warmupTargetsTotal.WithLabelValues(res.name, "success").Inc()
		report.Succeeded = append(report.Succeeded, res.name)
	}

	report.Duration = time.Since(start)
	warmupDuration.Observe(report.Duration.Seconds())

	event := w.logger.Info()
	if len(report.Failed) > 0 {
		event = w.logger.Warn()
	}
	event.
		Int("succeeded", len(report.Succeeded)).
		Int("failed", len(report.Failed)).
		Dur("duration", report.Duration).
		Msg("Warm-up complete")

	return report
}

// worker processes targets from the queue
func (w *Warmer) worker(ctx context.Context, queue <-chan Target, results chan<- targetResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for t := range queue {
		if err := ctx.Err(); err != nil {
			results <- targetResult{name: t.Name, err: err}
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
		err := t.Fetch(fetchCtx)
		cancel()

		if err != nil {
			w.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("target", t.Name).
				Msg("Warm-up fetch failed")
		} else {
			w.logger.Debug().
				Int("worker_id", workerID).
				Str("target", t.Name).
				Msg("Warm-up fetch done")
		}

		results <- targetResult{name: t.Name, err: err}
	}
}

// Start runs the targets in the background, immediately and then every
// Interval, until Stop is called or ctx ends. Calling Start twice is an error.
func (w *Warmer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return fmt.Errorf("warmer is stopped")
	}
	if w.done != nil {
		return fmt.Errorf("warmer already started")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.loop(ctx, w.done)
	return nil
}

func (w *Warmer) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	w.Run(ctx)
	if w.config.Interval == 0 {
		return
	}

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Run(ctx)
		}
	}
}

// Stop cancels the background loop and waits for the current run to return.
// Calling it more than once, or without Start, is safe.
func (w *Warmer) Stop() {
	w.mu.Lock()
	w.stopped = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
