// Package ratelimit bounds authenticated SMTP traffic: messages per sliding
// window, messages per session and concurrent sessions.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/lattiq/dualmailer/internal/core"
)

// Limiter enforces core.PoolSettings for one transporter.
// All methods are safe for concurrent use.
type Limiter struct {
	settings core.PoolSettings
	clock    clockwork.Clock
	sessions *semaphore.Weighted

	mu     sync.Mutex
	stamps []time.Time
}

// New creates a limiter. A nil clock uses the real clock.
func New(settings core.PoolSettings, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	maxConns := settings.MaxConnections
	if maxConns < 1 {
		maxConns = 1
	}
	return &Limiter{
		settings: settings,
		clock:    clock,
		sessions: semaphore.NewWeighted(int64(maxConns)),
	}
}

// Allow records a message in the current window, or returns an error
// wrapping core.ErrRateLimited if the window is full.
func (l *Limiter) Allow() error {
	if l.settings.RateLimit <= 0 || l.settings.RateDelta <= 0 {
		return nil
	}

	now := l.clock.Now()
	cutoff := now.Add(-l.settings.RateDelta)

	l.mu.Lock()
	defer l.mu.Unlock()

	// drop timestamps that fell out of the window
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	l.stamps = l.stamps[i:]

	if len(l.stamps) >= l.settings.RateLimit {
		return fmt.Errorf("%w: %d messages per %s", core.ErrRateLimited, l.settings.RateLimit, l.settings.RateDelta)
	}

	l.stamps = append(l.stamps, now)
	return nil
}

// InWindow returns the number of messages counted in the current window.
func (l *Limiter) InWindow() int {
	cutoff := l.clock.Now().Add(-l.settings.RateDelta)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, s := range l.stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}

// Acquire reserves one session slot, blocking until one is free or ctx ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.sessions.Acquire(ctx, 1)
}

// Release frees a session slot obtained with Acquire.
func (l *Limiter) Release() {
	l.sessions.Release(1)
}

// Exhausted reports whether a session that has sent n messages must be recycled.
func (l *Limiter) Exhausted(n int) bool {
	return l.settings.MaxMessages > 0 && n >= l.settings.MaxMessages
}
