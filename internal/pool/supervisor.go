package pool

import (
	"fmt"
	"sync"

	"github.com/lattiq/dualmailer/internal/core"
)

// Supervisor periodically sweeps a Pool on its clock.
type Supervisor struct {
	pool *Pool

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSupervisor creates a supervisor for p. It does nothing until Start.
func NewSupervisor(p *Pool) *Supervisor {
	return &Supervisor{
		pool: p,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the background sweep loop. Calling Start more than once,
// or after Stop, has no effect.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true

	// the ticker is created before Start returns so that callers advancing
	// a fake clock never race the loop's setup
	ticker := s.pool.clock.NewTicker(s.pool.settings.SweepInterval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.Chan():
				s.sweep()
			}
		}
	}()
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish.
// It is safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stop)
	s.mu.Unlock()

	if started {
		<-s.done
	}
}

// Running reports whether the sweep loop is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

func (s *Supervisor) sweep() {
	defer func() {
		if r := recover(); r != nil {
			s.pool.log(core.LevelError, "transporter cleanup failed", map[string]any{
				"error": fmt.Sprint(r),
			})
		}
	}()

	if n := s.pool.Sweep(); n > 0 {
		s.pool.log(core.LevelInfo, "transporter cleanup finished", map[string]any{
			"evicted":   n,
			"remaining": s.pool.Len(),
		})
	}
}
