package transfer

import "time"

// RetryPolicy governs how long a receiver waits for chunks before asking for
// a resend, and how many consecutive unanswered resends it tolerates.
type RetryPolicy struct {
	// Interval is the inactivity timeout before the first resend request.
	Interval time.Duration
	// MaxAttempts is the number of consecutive resend requests allowed
	// before the transfer is abandoned.
	MaxAttempts int
	// Multiplier grows the wait after each unanswered request. Values
	// below 1 mean a constant interval.
	Multiplier float64
	// MaxInterval caps the grown interval when positive.
	MaxInterval time.Duration
}

// DefaultRetryPolicy waits 5 s between requests and gives up after 5.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: 5 * time.Second, MaxAttempts: 5, Multiplier: 1}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// Delay returns the wait after attempt unanswered requests.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.Interval
	if p.Multiplier > 1 {
		for i := 0; i < attempt; i++ {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxInterval > 0 && delay >= p.MaxInterval {
				return p.MaxInterval
			}
		}
	}
	return delay
}

// Exhausted reports whether attempt requests have used up the budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
