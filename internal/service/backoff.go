package service

import (
	"context"
	"math/rand"
	"time"
)

const (
	DefaultBackoffMin = 3 * time.Second
	DefaultBackoffMax = 60 * time.Second
)

// Backoff grows the retry delay geometrically from Min up to Max.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool

	current time.Duration
}

// Next returns the delay before the next attempt and grows the base.
func (b *Backoff) Next() time.Duration {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = DefaultBackoffMin
	}
	if hi < lo {
		hi = max(lo, DefaultBackoffMax)
	}
	if b.current <= 0 {
		b.current = lo
	} else {
		b.current = nextBackoff(b.current, hi, b.Multiplier)
	}
	d := b.current
	if b.Jitter && d > 1 {
		d += time.Duration(rand.Int63n(int64(d / 2)))
	}
	return min(d, hi)
}

func (b *Backoff) Reset() {
	b.current = 0
}

func nextBackoff(current, max time.Duration, multiplier float64) time.Duration {
	if multiplier <= 1 {
		multiplier = 2
	}
	next := time.Duration(float64(current) * multiplier)
	if max > 0 && next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
