package guildstate

import (
	"math"
	"time"
)

// BackoffConfig shapes the retries around storage reads.
type BackoffConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay is the pause after failed attempt n (1-based). The base grows by
// Multiplier per attempt and stops at MaxDelay. With Jitter set, frac in
// [0,1) places the pause in [base/2, base) so concurrent misses for the
// same guild do not hit storage in lockstep.
func (b BackoffConfig) Delay(attempt int, frac float64) time.Duration {
	if attempt < 1 || b.InitialDelay <= 0 {
		return 0
	}
	base := float64(b.InitialDelay) * math.Pow(max(b.Multiplier, 1), float64(attempt-1))
	if b.MaxDelay > 0 {
		base = min(base, float64(b.MaxDelay))
	}
	if b.Jitter {
		frac = min(max(frac, 0), 1)
		base = base/2 + base/2*frac
	}
	return time.Duration(base)
}

// outlives reports whether waiting d still leaves the caller's deadline
// ahead of the next attempt.
func outlives(deadline time.Time, ok bool, d time.Duration) bool {
	return !ok || time.Until(deadline) > d
}
