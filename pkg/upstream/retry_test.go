package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if p.MaxAttempts > MaxRetryAttempts {
		t.Errorf("MaxAttempts = %d, want <= %d", p.MaxAttempts, MaxRetryAttempts)
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"single attempt", RetryPolicy{MaxAttempts: 1, Backoff: BackoffFixed}, false},
		{"max attempts", RetryPolicy{MaxAttempts: 3, Backoff: BackoffLinear, Delay: time.Second}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0, Backoff: BackoffFixed}, true},
		{"too many attempts", RetryPolicy{MaxAttempts: 4, Backoff: BackoffFixed}, true},
		{"unknown backoff", RetryPolicy{MaxAttempts: 2, Backoff: "exponential"}, true},
		{"negative delay", RetryPolicy{MaxAttempts: 2, Backoff: BackoffFixed, Delay: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_Normalized(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, Backoff: "bogus", Delay: -1}.normalized()

	if p.MaxAttempts != MaxRetryAttempts {
		t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, MaxRetryAttempts)
	}
	if p.Backoff != BackoffFixed {
		t.Errorf("Backoff = %q, want %q", p.Backoff, BackoffFixed)
	}
	if p.Delay != 0 {
		t.Errorf("Delay = %v, want 0", p.Delay)
	}

	if got := (RetryPolicy{MaxAttempts: 0}).normalized().MaxAttempts; got != 1 {
		t.Errorf("MaxAttempts = %d, want 1", got)
	}
}

func TestRetryPolicy_DelayAfter(t *testing.T) {
	fixed := RetryPolicy{Backoff: BackoffFixed, Delay: 100 * time.Millisecond}
	linear := RetryPolicy{Backoff: BackoffLinear, Delay: 100 * time.Millisecond}

	for attempt := 1; attempt <= 3; attempt++ {
		if got := fixed.delayAfter(attempt); got != 100*time.Millisecond {
			t.Errorf("fixed delayAfter(%d) = %v, want 100ms", attempt, got)
		}
		want := time.Duration(attempt) * 100 * time.Millisecond
		if got := linear.delayAfter(attempt); got != want {
			t.Errorf("linear delayAfter(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestRetryWithBackoff(t *testing.T) {
	logger := zerolog.Nop()
	policy := RetryPolicy{MaxAttempts: 3, Backoff: BackoffFixed, Delay: time.Millisecond}
	retryable := &Error{Kind: KindTimeout}

	t.Run("success on first attempt", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(context.Background(), policy, logger, func(int) error {
			calls++
			return nil
		})
		if err != nil || calls != 1 {
			t.Errorf("err = %v, calls = %d; want nil, 1", err, calls)
		}
	})

	t.Run("retries retryable errors", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(context.Background(), policy, logger, func(attempt int) error {
			calls++
			if attempt < 3 {
				return retryable
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("err = %v, calls = %d; want nil, 3", err, calls)
		}
	})

	t.Run("never exceeds max attempts", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(context.Background(), RetryPolicy{MaxAttempts: 50, Delay: time.Millisecond}, logger, func(int) error {
			calls++
			return retryable
		})
		if !errors.Is(err, ErrRetryExhausted) || !errors.Is(err, ErrTimeout) {
			t.Errorf("err = %v, want ErrRetryExhausted wrapping ErrTimeout", err)
		}
		if calls != MaxRetryAttempts {
			t.Errorf("calls = %d, want %d", calls, MaxRetryAttempts)
		}
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		calls := 0
		notFound := &Error{Kind: KindHTTPStatus, StatusCode: 404}
		err := retryWithBackoff(context.Background(), policy, logger, func(int) error {
			calls++
			return notFound
		})
		if err != notFound || calls != 1 {
			t.Errorf("err = %v, calls = %d; want the 404 error, 1", err, calls)
		}
	})

	t.Run("context cancelled during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retryWithBackoff(ctx, RetryPolicy{MaxAttempts: 3, Delay: time.Hour}, logger, func(int) error {
			calls++
			cancel()
			return retryable
		})
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("err = %v, want the last attempt's error", err)
		}
	})
}
