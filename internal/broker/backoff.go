package broker

import (
	"math"
	"time"
)

// Backoff computes reconnect delays. The n-th delay is
//
//	min(Initial * Multiplier^(n-1) * (1 + Jitter*r), Max)
//
// with r in [0, 1). Jitter is clamped to Multiplier-1 so the sequence stays
// non-decreasing until it reaches Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}
	if r < 0 {
		r = 0
	} else if r >= 1 {
		r = math.Nextafter(1, 0)
	}

	base := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	d := base * (1 + b.Jitter*r)
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Bounds returns the smallest and largest delay attempt n can produce.
func (b Backoff) Bounds(attempt int) (lo, hi time.Duration) {
	return b.Delay(attempt, 0), b.Delay(attempt, 1)
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if limit := b.Multiplier - 1; b.Jitter > limit {
		b.Jitter = limit
	}
	return b
}
