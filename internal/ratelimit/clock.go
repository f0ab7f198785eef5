package ratelimit

import "time"

// Clock lets tests drive limiters deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
