// Package ratelimit implements the optional per-model token-bucket
// limiter: golang.org/x/time/rate backs the bucket itself, wrapped with
// allowed/denied stats bookkeeping. One limiter per model is enough —
// the model id already partitions the bucket, so there's no need for a
// per-key map or a cleanup goroutine.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config holds one model's token-bucket parameters. A model with no
// limiter configured is simply not rate limited (default: off).
type Config struct {
	RefillRate float64 // tokens per second
	Capacity   int
}

// stats tracks allow/deny counts, exposed for /metrics wiring.
type stats struct {
	mu      sync.Mutex
	allowed int64
	denied  int64
}

// Limiter is one model's token bucket.
type Limiter struct {
	limiter *rate.Limiter
	stats   stats
}

func New(cfg Config) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity)}
}

// Allow reports whether one token is available, consuming it if so.
// Never blocks — an exhausted bucket fails the call immediately with
// rate_limited/429 rather than waiting.
func (l *Limiter) Allow() bool {
	ok := l.limiter.Allow()
	l.stats.mu.Lock()
	if ok {
		l.stats.allowed++
	} else {
		l.stats.denied++
	}
	l.stats.mu.Unlock()
	return ok
}

// Stats returns the current allowed/denied counters.
func (l *Limiter) Stats() (allowed, denied int64) {
	l.stats.mu.Lock()
	defer l.stats.mu.Unlock()
	return l.stats.allowed, l.stats.denied
}

// Registry maps model id to its Limiter, built once at registry load
// time from each catalog entry's optional rate_limit block.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Set installs (or replaces) the limiter for a model id.
func (r *Registry) Set(modelID string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[modelID] = New(cfg)
}

// Allow reports whether modelID may proceed. A model with no limiter
// configured is always allowed.
func (r *Registry) Allow(modelID string) bool {
	r.mu.RLock()
	l, ok := r.limiters[modelID]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	return l.Allow()
}
