// Package breaker implements the per-model circuit breaker: a
// sync.Mutex-guarded struct with a full Closed/Open/HalfOpen machine and
// a sliding failure window. HalfOpen admits every call; it closes after
// SuccessThreshold successes and reopens on any failure. The number of
// concurrent half-open probes is not bounded.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's three-state machine, with HalfOpen as a
// genuine third state rather than an internal-only detail.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config is the per-model breaker configuration.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	TimeWindow       time.Duration
	OpenDuration     time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		TimeWindow:       60 * time.Second,
		OpenDuration:     30 * time.Second,
	}
}

// Breaker is one model's circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config
	mu  sync.Mutex

	state            State
	failureTimes     []time.Time // sliding window of failures while Closed
	halfOpenSuccess  int
	openedAt         time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed, transitioning Open→HalfOpen
// if OpenDuration has elapsed. Call this before every attempt.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = HalfOpen
			b.halfOpenSuccess = 0
			return true
		}
		return false
	default:
		return true
	}
}

// State returns the current state for inspection/metrics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordSuccess is called after a successful call. In HalfOpen, enough
// consecutive successes (SuccessThreshold) closes the breaker; in
// Closed, it prunes the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failureTimes = nil
			b.halfOpenSuccess = 0
		}
	case Closed:
		b.pruneWindow(time.Now())
	}
}

// RecordFailure is called after a failed call. In Closed, a failure is
// added to the sliding window; crossing FailureThreshold within
// TimeWindow opens the breaker. Any failure in HalfOpen reopens it
// immediately and resets the open timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case HalfOpen:
		b.open(now)
	case Closed:
		b.pruneWindow(now)
		b.failureTimes = append(b.failureTimes, now)
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.open(now)
		}
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.failureTimes = nil
	b.halfOpenSuccess = 0
}

// pruneWindow drops failures older than TimeWindow. Caller holds b.mu.
func (b *Breaker) pruneWindow(now time.Time) {
	if len(b.failureTimes) == 0 {
		return
	}
	cutoff := now.Add(-b.cfg.TimeWindow)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept
}

// Reset forces the breaker back to Closed with an empty history.
// Used by admin tooling, not by the request path.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureTimes = nil
	b.halfOpenSuccess = 0
}

// Registry maps model id to its Breaker, mirroring ratelimit.Registry —
// one breaker per model, created lazily with cfg on first use so a
// model added by a Registry reload gets a breaker without a separate
// provisioning step.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns modelID's breaker, creating one with the registry's
// default Config on first reference.
func (r *Registry) Get(modelID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[modelID]
	if !ok {
		b = New(r.cfg)
		r.breakers[modelID] = b
	}
	return b
}

// Snapshot returns the current state of every breaker that has been
// referenced so far, keyed by model id, for /admin/status reporting.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State()
	}
	return out
}
