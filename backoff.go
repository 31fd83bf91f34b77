package sagaflow

import "time"

// BackoffStrategy decides when a failed attempt should be tried again.
type BackoffStrategy interface {
	CalculateNextAttempt(attempt int) time.Time
}

// ExponentialBackoff doubles the delay on every attempt, capped at MaxDelay.
type ExponentialBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoffStrategy returns an exponential backoff starting at one
// minute and capped at thirty minutes.
func DefaultBackoffStrategy() BackoffStrategy {
	return &ExponentialBackoff{
		BaseDelay: 1 * time.Minute,
		MaxDelay:  30 * time.Minute,
	}
}

// CalculateNextAttempt implements the BackoffStrategy interface.
func (b *ExponentialBackoff) CalculateNextAttempt(attempt int) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.MaxDelay {
			delay = b.MaxDelay
			break
		}
	}
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return time.Now().UTC().Add(delay)
}
