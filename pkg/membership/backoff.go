package membership

import (
	"math/rand"
	"time"
)

// BackoffCalculator calculates exponential backoff delays with jitter.
type BackoffCalculator struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewBackoffCalculator creates a new backoff calculator.
func NewBackoffCalculator(baseDelay, maxDelay time.Duration) *BackoffCalculator {
	return &BackoffCalculator{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
	}
}

// NextDelay calculates the delay after the given number of previous
// failures: BaseDelay * 2^attempt, capped at MaxDelay, with ±10% jitter.
func (bc *BackoffCalculator) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := bc.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= bc.MaxDelay {
			delay = bc.MaxDelay
			break
		}
	}
	if delay > bc.MaxDelay {
		delay = bc.MaxDelay
	}

	jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	delay += jitter

	if delay < 0 {
		delay = bc.BaseDelay
	}
	return delay
}

// cooldown tracks failed handshake attempts with one remote instance.
type cooldown struct {
	attempts int
	until    time.Time
}
