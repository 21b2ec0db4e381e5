package crawler

import (
	"math"
	"time"
)

// maxBackoff caps the computed retry delay so large attempt counts cannot overflow.
const maxBackoff = time.Hour

// RetryPolicy is the retry/backoff slice of an execution profile.
type RetryPolicy struct {
	Retries           int
	Delay             time.Duration
	BackoffMultiplier float64
}

// ShouldRetry reports whether an entry with failures transient failures
// still has budget left. Challenge suspensions are not counted.
func (p RetryPolicy) ShouldRetry(failures int) bool {
	return failures <= p.Retries
}

// Backoff returns delay * multiplier^failures, where failures is the
// entry's transient failure count rather than its dispatch count. The two
// diverge once a challenge has been resolved with continue or retry.
func (p RetryPolicy) Backoff(failures int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.Delay) * math.Pow(mult, float64(failures))
	if math.IsInf(delay, 0) || delay > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(delay)
}
