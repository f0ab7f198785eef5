// Package ratelimit holds the token buckets guarding signaling connections
// and per-user operations such as match requests and call initiation.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket that allows Burst events immediately and refills
// at a fixed rate. A nil *Limiter allows everything.
type Limiter struct {
	clock Clock
	lim   *rate.Limiter
}

// NewLimiter allows n events per window with a burst of n. n <= 0 returns nil
// (unlimited).
func NewLimiter(clock Clock, n int, window time.Duration) *Limiter {
	if n <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Limiter{
		clock: clock,
		lim:   rate.NewLimiter(rate.Every(window/time.Duration(n)), n),
	}
}

func PerSecond(clock Clock, n int) *Limiter { return NewLimiter(clock, n, time.Second) }

func PerMinute(clock Clock, n int) *Limiter { return NewLimiter(clock, n, time.Minute) }

// Allow consumes one token if available.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.lim.AllowN(l.clock.Now(), 1)
}
