// Package budget implements an upstream error budget.
// Every failed upstream call spends one unit of a per-window budget; when the
// budget runs low requests are throttled, and when it is nearly exhausted they
// are rejected before they reach the upstream until the window resets.
package budget

import (
	"time"
)

// Defaults for Config.
const (
	// DefaultMaxErrors is the number of upstream failures allowed per window.
	DefaultMaxErrors = 50

	// DefaultWindow is the length of a budget window.
	DefaultWindow = time.Minute

	// DefaultCriticalThreshold blocks requests when fewer errors remain.
	// This stops hammering an upstream that is clearly down.
	DefaultCriticalThreshold = 5

	// DefaultWarningThreshold throttles requests when fewer errors remain.
	DefaultWarningThreshold = 15

	// DefaultThrottleDelay is the pause applied to each request in the warning zone.
	DefaultThrottleDelay = 500 * time.Millisecond
)

// State represents the current error budget.
type State struct {
	// ErrorsRemaining is the number of upstream failures left in the current window.
	ErrorsRemaining int `json:"errors_remaining"`

	// ResetAt is when the current window ends. Zero when no failure opened a window.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was read from the store.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true while no threshold is crossed.
	IsHealthy bool `json:"is_healthy"`

	criticalThreshold int
	warningThreshold  int
}

// NeedsCriticalBlock returns true if requests should be rejected.
func (s *State) NeedsCriticalBlock() bool {
	return s.ErrorsRemaining < s.criticalThreshold
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.ErrorsRemaining < s.warningThreshold && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current ErrorsRemaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.ErrorsRemaining >= s.warningThreshold
}
