// Package ratelimit spaces requests to the same domain using one token
// bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/metrics"
)

// Limiter manages per-domain request spacing. The interval is supplied on
// every call so a profile switch takes effect on the next capture.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a new Limiter.
func New() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until rawURL's domain may be contacted again, then sleeps a
// random share of jitter. It returns early with the context's error.
func (l *Limiter) Wait(ctx context.Context, rawURL string, interval, jitter time.Duration) error {
	domain := crawler.Domain(rawURL)
	if domain == "" {
		domain = "unknown"
	}
	limiter := l.limiterFor(domain, interval)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if err := sleepJitter(ctx, jitter); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePolitenessDelay(domain, waited)
	}
	return nil
}

// Domains reports how many hosts currently have a bucket.
func (l *Limiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiterFor(domain string, interval time.Duration) *rate.Limiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(limit, 1)
		l.limiters[domain] = limiter
		return limiter
	}
	if limiter.Limit() != limit {
		limiter.SetLimit(limit)
	}
	return limiter
}

func sleepJitter(ctx context.Context, jitter time.Duration) error {
	if jitter <= 0 {
		return nil
	}
	d := time.Duration(rand.Int64N(int64(jitter)))
	if d == 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit jitter: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
