package ratelimit

import (
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/lattiq/dualmailer/internal/core"
)

// Registry hands out one Limiter per backend key, so the send window and the
// session bound outlive the transporters that share them.
type Registry struct {
	clock clockwork.Clock

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty registry. A nil clock uses the real clock.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:    clock,
		limiters: make(map[string]*Limiter),
	}
}

// For returns the limiter for key, creating it with settings on first use.
// Later calls for the same key ignore settings.
func (r *Registry) For(key string, settings core.PoolSettings) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := New(settings, r.clock)
	r.limiters[key] = l
	return l
}
