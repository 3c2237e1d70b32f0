package realtime

import (
	"math"
	"math/rand"
	"time"
)

const (
	// ChannelErrorRetryDelay is the base delay before reopening a failed channel.
	ChannelErrorRetryDelay = 2 * time.Second
	// TimeoutRetryDelay is the base delay before reopening a timed out channel.
	TimeoutRetryDelay = 3 * time.Second
)

// RetryPolicy bounds automatic resubscription. MaxAttempts <= 0 disables the ceiling.
type RetryPolicy struct {
	MaxAttempts int
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      time.Duration
	// Random returns a value in [0,1); defaults to math/rand.
	Random func() float64
}

// DefaultRetryPolicy allows five attempts with doubling delays capped at thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      time.Second,
	}
}

// Exhausted reports whether attempt exceeds the ceiling.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Delay returns the wait before the given 1-based attempt.
func (p RetryPolicy) Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		random := p.Random
		if random == nil {
			random = rand.Float64
		}
		delay += random() * float64(p.Jitter)
	}
	return time.Duration(delay)
}
