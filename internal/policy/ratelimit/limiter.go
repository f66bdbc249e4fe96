// Package ratelimit implements the politeness delay shared by every request
// of a discovery run.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/editalwatch/discovery/internal/metrics"
)

// Config holds limiter configuration.
type Config struct {
	BaseDelay time.Duration
	Jitter    time.Duration
}

// Limiter spaces the requests of a run at least base + random(0, jitter)
// apart. Callers are serialized and each draws a fresh jittered interval that
// becomes the bucket's refill period, so a single instance shared by all
// requests of a run never lets two of them through back to back.
type Limiter struct {
	mu     sync.Mutex
	bucket *rate.Limiter
	base   time.Duration
	jitter time.Duration
	rnd    func(n int64) int64
}

// New creates a new Limiter. Its bucket starts empty so the first request of
// a run waits too.
func New(cfg Config) *Limiter {
	base := max(cfg.BaseDelay, 0)
	jitter := max(cfg.Jitter, 0)
	bucket := rate.NewLimiter(rate.Every(max(base, time.Millisecond)), 1)
	bucket.AllowN(time.Now(), 1)
	return &Limiter{bucket: bucket, base: base, jitter: jitter, rnd: rand.Int64N}
}

// Delay returns the next delay without sleeping.
func (l *Limiter) Delay() time.Duration {
	d := l.base
	if l.jitter > 0 {
		d += time.Duration(l.rnd(int64(l.jitter)))
	}
	return d
}

// Wait blocks until the next request may go out, respecting the context.
// Concurrent callers queue behind each other.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	delay := l.Delay()
	if delay <= 0 {
		return nil
	}
	now := time.Now()
	l.bucket.SetLimitAt(now, rate.Every(delay))
	r := l.bucket.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limit wait: reservation refused")
	}
	wait := r.DelayFrom(now)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			r.CancelAt(time.Now())
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	metrics.ObserveRateLimitDelay(wait)
	return nil
}
