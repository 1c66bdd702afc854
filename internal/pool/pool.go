// Package pool owns the cache of live transporters: it creates, verifies,
// ages, retires and closes them, and runs the periodic sweep that evicts
// stale entries.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/lattiq/dualmailer/internal/core"
)

// Settings configures the pool.
type Settings struct {
	Limits

	// SweepInterval is how often the supervisor evicts stale entries.
	SweepInterval time.Duration

	// ConnectTimeout bounds transporter creation and verification, each.
	ConnectTimeout time.Duration

	// CloseTimeout bounds a single close; exceeding it is only logged.
	CloseTimeout time.Duration
}

// DefaultSettings returns the standard pool settings.
func DefaultSettings() Settings {
	return Settings{
		Limits:         DefaultLimits(),
		SweepInterval:  5 * time.Minute,
		ConnectTimeout: 5 * time.Second,
		CloseTimeout:   5 * time.Second,
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the clock used for ages, idle times and timeouts.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the logger. The logger must already be panic safe.
func WithLogger(log core.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// WithSettings overrides the default settings.
func WithSettings(s Settings) Option {
	return func(p *Pool) {
		p.settings = s
	}
}

type entry struct {
	key         string
	transporter core.Transporter
	health      Health
	closing     atomic.Bool
}

// Stat is a snapshot of one cached transporter.
type Stat struct {
	Key    string
	Health Health
}

// Pool is a keyed cache of transporters. It is safe for concurrent use:
// check-and-delete happens under one mutex, so a lazy refresh and a sweep
// never close the same entry twice.
type Pool struct {
	factory  core.TransportFactory
	settings Settings
	clock    clockwork.Clock
	log      core.Logger
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New creates an empty pool that builds transporters with factory.
func New(factory core.TransportFactory, opts ...Option) *Pool {
	p := &Pool{
		factory:  factory,
		settings: DefaultSettings(),
		clock:    clockwork.NewRealClock(),
		log:      func(core.Level, string, map[string]any) {},
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Settings returns the pool settings.
func (p *Pool) Settings() Settings {
	return p.settings
}

// Acquire returns the cached transporter for backend if it is healthy and
// not due for refresh. Otherwise the stale entry is closed and evicted and a
// new transporter is created, verified and cached. Concurrent acquires for
// the same key share one creation, which outlives a caller that gives up.
// After Drain every acquire fails with core.ErrClientClosed.
func (p *Pool) Acquire(ctx context.Context, backend core.Backend) (core.Transporter, error) {
	if p.isClosed() {
		return nil, errPoolClosed()
	}

	key := backend.Key()
	if t, ok := p.cached(key); ok {
		return t, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(key, func() (any, error) {
		// another caller may have finished a creation in between
		if t, ok := p.cached(key); ok {
			return t, nil
		}

		t, err := p.create(shared, backend)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.closeEntry(&entry{key: key, transporter: t})
			return nil, errPoolClosed()
		}
		p.entries[key] = &entry{key: key, transporter: t, health: NewHealth(p.clock.Now())}
		p.mu.Unlock()

		return t, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(core.Transporter), nil
	case <-ctx.Done():
		return nil, core.NewConnectionError("transporter acquisition abandoned", ctx.Err())
	}
}

// Release records the outcome of one dispatch attempt on t. Outcomes for a
// transporter that has since been evicted are dropped.
func (p *Pool) Release(key string, t core.Transporter, success bool) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok || e.transporter != t {
		return
	}
	if success {
		e.health = e.health.RecordSuccess(now)
	} else {
		e.health = e.health.RecordFailure(now)
	}
}

// Sweep evicts every entry that meets the refresh predicate and returns how
// many were evicted. A failing close is logged and does not stop the sweep.
func (p *Pool) Sweep() int {
	now := p.clock.Now()

	type eviction struct {
		e      *entry
		reason string
	}
	var stale []eviction

	p.mu.Lock()
	for key, e := range p.entries {
		if refresh, reason := e.health.NeedsRefresh(now, p.settings.Limits, e.transporter.Ready()); refresh {
			delete(p.entries, key)
			stale = append(stale, eviction{e: e, reason: reason})
		}
	}
	p.mu.Unlock()

	for _, ev := range stale {
		p.log(core.LevelInfo, "evicting stale transporter", p.entryMeta(ev.e, now, ev.reason))
		p.closeEntry(ev.e)
	}
	return len(stale)
}

// Drain closes every cached transporter, empties the cache and closes the
// pool. A creation still in flight is closed instead of cached.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.closed = true
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			p.closeEntry(e)
		}(e)
	}
	wg.Wait()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func errPoolClosed() error {
	return core.NewTransportError("transporter pool is closed", core.ErrClientClosed)
}

// Len returns the number of cached transporters.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats returns a snapshot of every cached transporter.
func (p *Pool) Stats() []Stat {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]Stat, 0, len(p.entries))
	for key, e := range p.entries {
		stats = append(stats, Stat{Key: key, Health: e.health})
	}
	return stats
}

// cached returns the healthy transporter for key. A stale entry is removed
// and closed before returning false.
func (p *Pool) cached(key string) (core.Transporter, bool) {
	now := p.clock.Now()

	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return nil, false
	}
	refresh, reason := e.health.NeedsRefresh(now, p.settings.Limits, e.transporter.Ready())
	if !refresh {
		p.mu.Unlock()
		return e.transporter, true
	}
	delete(p.entries, key)
	p.mu.Unlock()

	p.log(core.LevelInfo, "refreshing transporter", p.entryMeta(e, now, reason))
	p.closeEntry(e)
	return nil, false
}

func (p *Pool) create(ctx context.Context, backend core.Backend) (core.Transporter, error) {
	key := backend.Key()
	p.log(core.LevelInfo, "creating transporter", map[string]any{
		"key":     key,
		"backend": backend.Kind.String(),
	})

	t, err := p.handshake(ctx, backend)
	if err != nil {
		p.log(core.LevelError, "transporter creation failed", map[string]any{"key": key, "error": err.Error()})
		if errors.Is(err, core.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, core.NewConnectionError("transporter handshake failed", err)
		}
		return nil, core.NewTransportError("failed to create transporter", err)
	}

	if err := p.bounded(ctx, t.Verify); err != nil {
		p.log(core.LevelError, "transporter verification failed", map[string]any{"key": key, "error": err.Error()})
		p.closeEntry(&entry{key: key, transporter: t})
		return nil, core.NewConnectionError("transporter verification failed", err)
	}

	return t, nil
}

// handshake runs the factory under ConnectTimeout. A transporter that shows
// up after the deadline is closed in the background.
func (p *Pool) handshake(ctx context.Context, backend core.Backend) (core.Transporter, error) {
	type result struct {
		t   core.Transporter
		err error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		t, err := p.factory(ctx, backend)
		ch <- result{t: t, err: err}
	}()

	timer := p.clock.NewTimer(p.settings.ConnectTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if r := <-ch; r.t != nil {
				_ = r.t.Close()
			}
		}()
	}

	select {
	case r := <-ch:
		if r.err == nil && r.t == nil {
			return nil, errors.New("transport factory returned no transporter")
		}
		return r.t, r.err
	case <-timer.Chan():
		abandon()
		return nil, fmt.Errorf("%w after %s", core.ErrTimeout, p.settings.ConnectTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// bounded runs fn under ConnectTimeout.
func (p *Pool) bounded(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	timer := p.clock.NewTimer(p.settings.ConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.Chan():
		return fmt.Errorf("%w after %s", core.ErrTimeout, p.settings.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeEntry closes e at most once. Errors, panics and timeouts are logged
// as warnings; closing never blocks longer than CloseTimeout.
func (p *Pool) closeEntry(e *entry) {
	if !e.closing.CompareAndSwap(false, true) {
		return
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic while closing transporter: %v", r)
			}
		}()
		done <- e.transporter.Close()
	}()

	timer := p.clock.NewTimer(p.settings.CloseTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			p.log(core.LevelWarn, "failed to close transporter", map[string]any{"key": e.key, "error": err.Error()})
		}
	case <-timer.Chan():
		p.log(core.LevelWarn, "transporter close timed out", map[string]any{
			"key":     e.key,
			"timeout": p.settings.CloseTimeout.String(),
		})
	}
}

func (p *Pool) entryMeta(e *entry, now time.Time, reason string) map[string]any {
	return map[string]any{
		"key":                  e.key,
		"reason":               reason,
		"emails":               e.health.Emails,
		"consecutive_failures": e.health.ConsecutiveFailures,
		"age":                  now.Sub(e.health.CreatedAt).String(),
		"idle":                 now.Sub(e.health.LastUsed).String(),
	}
}
