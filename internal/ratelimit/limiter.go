// Package ratelimit enforces the API's request quotas on the client side.
//
// Two quotas apply to every call:
//   - a burst quota: at most Burst requests in any trailing Window
//   - a daily quota: at most Daily requests per 24h epoch
//
// Wait blocks until a call is permitted and records it. A single Limiter is
// shared by every worker; its state is guarded by a mutex and re-evaluated
// after each sleep, so concurrent callers can never push the trailing window
// above Burst.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ligustah/harvest/internal/clock"
)

const day = 24 * time.Hour

// Defaults published by the vendor.
const (
	DefaultBurst  = 50
	DefaultWindow = 10 * time.Second
	DefaultDaily  = 10000

	// safetyMargin is added to burst waits so the oldest request has
	// definitely left the window when the caller wakes.
	safetyMargin = 100 * time.Millisecond
)

// Options configures a Limiter.
type Options struct {
	// Burst is the maximum number of requests within Window.
	// Default: 50
	Burst int

	// Window is the trailing window for the burst quota.
	// Default: 10s
	Window time.Duration

	// Daily is the maximum number of requests per 24h epoch.
	// Default: 10000
	Daily int

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger receives wait notices. Default: disabled.
	Logger *zerolog.Logger

	// OnWait is called with every delay the limiter imposes.
	OnWait func(d time.Duration)
}

// Limiter is a sliding-window plus daily-quota rate limiter.
type Limiter struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	requests   []time.Time // most recent last, all within Window
	dailyCount int
	dailyReset time.Time
}

// New creates a Limiter.
func New(opts Options) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Daily <= 0 {
		opts.Daily = DefaultDaily
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	l := &Limiter{opts: opts, log: zerolog.Nop()}
	if opts.Logger != nil {
		l.log = opts.Logger.With().Str("component", "ratelimit").Logger()
	}
	return l
}

// Wait blocks until a request may be issued, then records it. The only
// error it returns is ctx.Err() when the context ends during a wait.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		delay := l.reserve()
		if delay == 0 {
			return nil
		}
		if l.opts.OnWait != nil {
			l.opts.OnWait(delay)
		}
		if err := l.opts.Clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// reserve records a request and returns 0 if one is permitted now,
// otherwise it returns how long to wait before asking again.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.Clock.Now()

	if l.dailyReset.IsZero() {
		l.dailyReset = now.Add(day)
	}
	if !now.Before(l.dailyReset) {
		for !now.Before(l.dailyReset) {
			l.dailyReset = l.dailyReset.Add(day)
		}
		l.dailyCount = 0
		l.log.Info().Time("next_reset", l.dailyReset).Msg("daily request counter reset")
	}
	if l.dailyCount >= l.opts.Daily {
		wait := l.dailyReset.Sub(now)
		l.log.Warn().
			Int("daily_limit", l.opts.Daily).
			Dur("wait", wait).
			Msg("daily limit reached, waiting for reset")
		return wait
	}

	l.evict(now)
	if len(l.requests) >= l.opts.Burst {
		wait := l.requests[0].Add(l.opts.Window).Sub(now) + safetyMargin
		l.log.Debug().Dur("wait", wait).Msg("burst limit reached")
		return wait
	}

	l.requests = append(l.requests, now)
	l.dailyCount++
	return 0
}

// evict drops timestamps that are at least Window old.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.opts.Window)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.requests = append(l.requests[:0], l.requests[i:]...)
	}
}

// Stats is a snapshot of limiter state.
type Stats struct {
	InWindow   int
	DailyCount int
	DailyReset time.Time
}

// Stats returns the current counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.opts.Clock.Now())
	return Stats{
		InWindow:   len(l.requests),
		DailyCount: l.dailyCount,
		DailyReset: l.dailyReset,
	}
}
