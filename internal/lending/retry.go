package lending

import (
	"time"
)

const maxBackoffShift = 62

// RetryPolicy bounds how many times a whole Acquire/Release transaction
// is re-run on transient contention and how long to pause in between.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       int
}

// DefaultRetryPolicy yields delays of 50ms and 100ms between the three
// attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		Factor:       2,
	}
}

// Delay returns the pause after the given 1-based attempt:
// InitialDelay * Factor^(attempt-1), clamped against overflow.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := p.InitialDelay
	for i := 1; i < attempt && i <= maxBackoffShift; i++ {
		next := delay * time.Duration(p.Factor)
		if next < delay {
			return delay
		}
		delay = next
	}
	return delay
}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p.MaxAttempts < 1 {
		return DefaultRetryPolicy()
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	return p
}
