package proxy

import (
	"sync"
	"time"
)

// tokenBucket gates new connection acceptance at connections_per_second
// (spec.md §4.F, §5), with burst equal to the configured rate so a quiet
// proxy can absorb a short spike without rejecting. Hand-rolled rather than
// reaching for a rate-limiting library: none of the example pack's
// dependencies cover this narrow a need, and the algorithm is a dozen lines.
type tokenBucket struct {
	mu       sync.Mutex
	rate     float64 // tokens added per second
	burst    float64
	tokens   float64
	lastFill time.Time
}

func newTokenBucket(ratePerSecond int) *tokenBucket {
	r := float64(ratePerSecond)
	if r <= 0 {
		r = 1
	}
	return &tokenBucket{
		rate:     r,
		burst:    r,
		tokens:   r,
		lastFill: time.Now(),
	}
}

// Allow reports whether a new connection may be accepted right now,
// consuming one token if so.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.lastFill = now

	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
