// Package listener bounds the number of simultaneous live subscriptions the
// client holds against the remote store. Every consumer that wants push
// updates for an entity must route through a Pool; opening subscriptions
// directly would make the capacity ceiling meaningless.
package listener

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stuschach/bunkr-sub005/pkg/constants"
)

// OpenFunc opens the underlying live subscription for a key and returns the
// detach callback that tears it down. The detach callback must tolerate
// being invoked more than once: eviction, explicit deactivation and pool
// teardown can all race to call it.
type OpenFunc func() (func(), error)

// Entry is one active subscription. Exactly one Entry exists per key.
type Entry struct {
	Key         string
	ActivatedAt time.Time
	// Priority is recorded as supplied at activation but is not consulted
	// by the eviction comparator, which is oldest-first only.
	Priority int

	detach func()
}

// Stats is a read-only snapshot of pool activity.
type Stats struct {
	Created           uint64
	Destroyed         uint64
	CurrentActive     int
	MaxConcurrentSeen int
	AverageLifetime   time.Duration
}

// Config sizes the pool. Zero values fall back to the defaults in
// pkg/constants.
type Config struct {
	MaxConcurrent     int
	DeactivationGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = constants.MaxConcurrentListeners
	}
	if c.DeactivationGrace <= 0 {
		c.DeactivationGrace = constants.DeactivationGrace
	}
	return c
}

// Pool manages the capacity-bounded set of active listeners. A single
// pool-wide mutex serializes all transitions; call frequency is low (UI
// visibility changes), so finer locking buys nothing.
//
// Per-key state machine: absent -> active -> pending-deactivation -> absent,
// with pending-deactivation -> active as the valid back-transition when the
// consumer reappears before the grace timer fires.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	timers  map[string]*time.Timer

	created       uint64
	destroyed     uint64
	maxSeen       int
	totalLifetime time.Duration
}

func NewPool(cfg Config, logger zerolog.Logger) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		entries: make(map[string]*Entry),
		timers:  make(map[string]*time.Timer),
	}
}

// Option adjusts a single activation.
type Option func(*Entry)

// WithPriority records a priority on the entry.
func WithPriority(p int) Option {
	return func(e *Entry) { e.Priority = p }
}

// Activate ensures a live subscription exists for key.
//
// If key is already active this is a no-op. If a deactivation timer is
// pending for key, the timer is cancelled and the existing subscription kept;
// open is not called again. Otherwise, when the pool is at capacity the
// entry with the earliest activation time is evicted, then open() is called
// and its detach callback stored.
func (p *Pool) Activate(key string, open OpenFunc, opts ...Option) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.timers[key]; ok {
		// Still wanted: cancel the pending teardown, keep the live
		// subscription as-is.
		t.Stop()
		delete(p.timers, key)
	}

	if _, ok := p.entries[key]; ok {
		return nil
	}

	if len(p.entries) >= p.cfg.MaxConcurrent {
		p.evictOldestLocked()
	}

	detach, err := open()
	if err != nil {
		return err
	}

	entry := &Entry{
		Key:         key,
		ActivatedAt: time.Now(),
		detach:      detach,
	}
	for _, opt := range opts {
		opt(entry)
	}

	p.entries[key] = entry
	p.created++
	if len(p.entries) > p.maxSeen {
		p.maxSeen = len(p.entries)
	}

	p.logger.Debug().Str("key", key).Int("active", len(p.entries)).Msg("listener activated")
	return nil
}

// ScheduleDeactivate arms a one-shot grace timer for key; when it fires the
// listener is torn down. Activating the key again before expiry cancels the
// timer, which absorbs rapid show/hide cycles such as fast scrolling. No-op
// if key is not active. A grace of zero or less uses the pool default.
func (p *Pool) ScheduleDeactivate(key string, grace time.Duration) {
	if grace <= 0 {
		grace = p.cfg.DeactivationGrace
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[key]; !ok {
		return
	}

	if prev, ok := p.timers[key]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(grace, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		// A Stop that loses the race with firing still wins here: the
		// timer is only honored if it is the one currently armed.
		if cur, ok := p.timers[key]; !ok || cur != t {
			return
		}
		delete(p.timers, key)
		p.deactivateLocked(key)
	})
	p.timers[key] = t
}

// Deactivate tears down the listener for key immediately: the stored detach
// callback is invoked, the entry removed, any pending grace timer cancelled.
// No-op for an unknown key.
func (p *Pool) Deactivate(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.timers[key]; ok {
		t.Stop()
		delete(p.timers, key)
	}
	p.deactivateLocked(key)
}

// DeactivateAll tears down every active listener, e.g. when the app is
// backgrounded.
func (p *Pool) DeactivateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, t := range p.timers {
		t.Stop()
		delete(p.timers, key)
	}
	for key := range p.entries {
		p.deactivateLocked(key)
	}
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Created:           p.created,
		Destroyed:         p.destroyed,
		CurrentActive:     len(p.entries),
		MaxConcurrentSeen: p.maxSeen,
	}
	if p.destroyed > 0 {
		s.AverageLifetime = p.totalLifetime / time.Duration(p.destroyed)
	}
	return s
}

// Active reports whether key currently holds a live subscription, counting
// pending-deactivation as still active.
func (p *Pool) Active(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// evictOldestLocked removes the entry with the earliest activation time.
// Eviction is silent, expected steady-state behavior under capacity
// pressure, not an error.
func (p *Pool) evictOldestLocked() {
	var oldest *Entry
	for _, e := range p.entries {
		if oldest == nil || e.ActivatedAt.Before(oldest.ActivatedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return
	}

	p.logger.Debug().Str("key", oldest.Key).Msg("listener evicted at capacity")
	if t, ok := p.timers[oldest.Key]; ok {
		t.Stop()
		delete(p.timers, oldest.Key)
	}
	p.deactivateLocked(oldest.Key)
}

func (p *Pool) deactivateLocked(key string) {
	entry, ok := p.entries[key]
	if !ok {
		return
	}

	if entry.detach != nil {
		entry.detach()
	}

	delete(p.entries, key)
	p.destroyed++
	p.totalLifetime += time.Since(entry.ActivatedAt)

	p.logger.Debug().Str("key", key).Int("active", len(p.entries)).Msg("listener deactivated")
}
