package util

import "time"

// Backoff is a bounded exponential backoff policy shared by the
// registration, submission retry, and webhook paths.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff matches the retry curve used against the challenge
// server: 2s, 4s, 8s, ... capped at 60s.
var DefaultBackoff = Backoff{
	Base:   2 * time.Second,
	Max:    60 * time.Second,
	Factor: 2.0,
}

// Delay returns the wait before the given attempt. Attempt 0 returns
// zero so first tries are immediate.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2.0
	}

	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}

	delay := time.Duration(d)
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}
