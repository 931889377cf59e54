package task

import (
	"fmt"
	"time"
)

// BackoffStrategy selects how the delay between task retries grows.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Backoff defaults
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Backoff computes the wait before a task retry.
type Backoff struct {
	Strategy BackoffStrategy
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff returns exponential backoff from one second, capped at 30s.
func DefaultBackoff() Backoff {
	return Backoff{Strategy: BackoffExponential, Base: DefaultBackoffBase, Max: DefaultBackoffMax}
}

// Validate checks the policy.
func (b Backoff) Validate() error {
	switch b.Strategy {
	case BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff strategy %q", b.Strategy)
	}
	if b.Base < 0 || b.Max < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if b.Max > 0 && b.Max < b.Base {
		return fmt.Errorf("backoff max %s is less than base %s", b.Max, b.Base)
	}
	return nil
}

// Delay returns the wait before the given retry (1-based): base×n for
// linear, base×2^(n−1) for exponential, capped at Max when Max is set.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 || b.Base <= 0 {
		return 0
	}

	var d time.Duration
	switch b.Strategy {
	case BackoffLinear:
		d = b.Base * time.Duration(retry)
	default:
		d = b.Base
		for i := 1; i < retry; i++ {
			d *= 2
			if b.Max > 0 && d >= b.Max {
				break
			}
		}
	}

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
