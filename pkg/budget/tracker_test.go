package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Incr(context.Context, time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, errStoreDown
}

func (brokenStore) Count(context.Context) (int, time.Time, error) {
	return 0, time.Time{}, errStoreDown
}

func (brokenStore) Ping(context.Context) error { return errStoreDown }

func testConfig() Config {
	return Config{
		MaxErrors:         10,
		Window:            time.Minute,
		CriticalThreshold: 2,
		WarningThreshold:  5,
		ThrottleDelay:     time.Millisecond,
	}
}

func TestNewTracker_Validation(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name    string
		store   Store
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", store: NewMemoryStore()},
		{name: "nil store", store: nil, wantErr: true},
		{name: "zero max errors", store: NewMemoryStore(), mutate: func(c *Config) { c.MaxErrors = 0 }, wantErr: true},
		{name: "zero window", store: NewMemoryStore(), mutate: func(c *Config) { c.Window = 0 }, wantErr: true},
		{name: "warning below critical", store: NewMemoryStore(), mutate: func(c *Config) { c.WarningThreshold = 1 }, wantErr: true},
		{name: "warning above max", store: NewMemoryStore(), mutate: func(c *Config) { c.WarningThreshold = 11 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			_, err := NewTracker(tt.store, cfg, logger)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTracker_BudgetLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	tracker, err := NewTracker(store, testConfig(), zerolog.Nop())
	require.NoError(t, err)

	state, err := tracker.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, state.ErrorsRemaining)
	assert.True(t, state.IsHealthy)

	allowed, err := tracker.ShouldAllowRequest(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)

	// 6 failures: 4 remaining, throttled but allowed
	for i := 0; i < 6; i++ {
		require.NoError(t, tracker.RecordFailure(ctx))
	}
	state, err = tracker.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, state.ErrorsRemaining)
	assert.True(t, state.NeedsThrottling())

	allowed, err = tracker.ShouldAllowRequest(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)

	// 3 more: 1 remaining, blocked
	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.RecordFailure(ctx))
	}
	allowed, err = tracker.ShouldAllowRequest(ctx)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Window reset restores the budget
	now = now.Add(time.Minute)
	allowed, err = tracker.ShouldAllowRequest(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)

	state, err = tracker.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, state.ErrorsRemaining)
}

func TestTracker_ThrottleRespectsContext(t *testing.T) {
	cfg := testConfig()
	cfg.ThrottleDelay = time.Hour

	tracker, err := NewTracker(NewMemoryStore(), cfg, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, tracker.RecordFailure(context.Background()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	allowed, err := tracker.ShouldAllowRequest(ctx)
	assert.False(t, allowed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTracker_FailsOpen(t *testing.T) {
	ctx := context.Background()
	tracker, err := NewTracker(brokenStore{}, testConfig(), zerolog.Nop())
	require.NoError(t, err)

	allowed, err := tracker.ShouldAllowRequest(ctx)
	assert.NoError(t, err)
	assert.True(t, allowed, "store failures must not block requests")

	assert.ErrorIs(t, tracker.RecordFailure(ctx), errStoreDown)
	assert.ErrorIs(t, tracker.Ping(ctx), errStoreDown)
}

func TestMemoryStore_Window(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	count, _, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, resetAt, err := store.Incr(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, now.Add(time.Minute), resetAt)

	now = now.Add(30 * time.Second)
	count, resetAt2, err := store.Incr(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, resetAt, resetAt2, "later failures do not extend the window")

	now = now.Add(30 * time.Second)
	count, _, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
