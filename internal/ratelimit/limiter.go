// Package ratelimit spaces calls to a single external service.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter releases at most one call per interval. Each external service gets
// its own instance.
type Limiter struct {
	name     string
	interval time.Duration
	lim      *rate.Limiter
}

// New returns a limiter allowing callsPerMinute calls, evenly spaced.
// A non-positive rate disables limiting.
func New(name string, callsPerMinute int) *Limiter {
	if callsPerMinute <= 0 {
		return &Limiter{name: name, lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return NewWithInterval(name, time.Minute/time.Duration(callsPerMinute))
}

func NewWithInterval(name string, interval time.Duration) *Limiter {
	if interval <= 0 {
		return &Limiter{name: name, lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Limiter{
		name:     name,
		interval: interval,
		lim:      rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Wait blocks until the next call may be made or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

func (l *Limiter) Interval() time.Duration { return l.interval }

func (l *Limiter) Name() string { return l.name }
