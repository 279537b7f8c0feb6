// Package modelcache implements the GET /v1/models response cache: the
// model list is cheap to compute from the Model Registry snapshot but
// is requested often enough by naive polling clients to deserve a TTL'd
// cache with a minimum refresh interval and a stale-but-serve grace
// window, so a Registry reload never produces a visible gap. Backed by
// redis/go-redis/v9, with alicebob/miniredis/v2 standing in as an
// in-process cache for single-worker deployments; the same *redis.Client
// works unmodified against a real Redis instance when multiple Workers
// need to share one cache.
package modelcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheKey = "aigateway:v1:models"
	// lastAttemptKey gates recomputes to at most one per MinInterval via
	// Redis SETNX, so the min-interval guarantee holds across every
	// goroutine and every Worker process sharing rdb — not just the
	// calls that happen to land in one process.
	lastAttemptKey = cacheKey + ":lastattempt"
)

// Config controls cache freshness: a Registry reload must be reflected
// in /v1/models within TTL + grace, never later.
type Config struct {
	TTL          time.Duration // how long a cached entry is served fresh
	MinInterval  time.Duration // minimum spacing between recomputes, even on a miss storm
	Grace        time.Duration // extra window a stale entry is served while a recompute is in flight
}

func DefaultConfig() Config {
	return Config{
		TTL:         5 * time.Second,
		MinInterval: 500 * time.Millisecond,
		Grace:       2 * time.Second,
	}
}

type entry struct {
	Payload    json.RawMessage `json:"payload"`
	ComputedAt time.Time       `json:"computed_at"`
}

// Cache wraps a redis.Client with the fetch-or-recompute logic. Source
// is called to recompute the payload on a miss or expiry; it must be
// cheap-ish but is never called more often than MinInterval apart.
type Cache struct {
	rdb    *redis.Client
	cfg    Config
	source func(ctx context.Context) (json.RawMessage, error)
}

func New(rdb *redis.Client, cfg Config, source func(ctx context.Context) (json.RawMessage, error)) *Cache {
	return &Cache{rdb: rdb, cfg: cfg, source: source}
}

// Get returns the current /v1/models payload, recomputing through
// source inline when the cached entry is absent or past TTL. A stale
// entry still within TTL+Grace is served instead when another caller
// holds the MinInterval recompute gate or when source fails; nothing
// is refreshed in the background.
func (c *Cache) Get(ctx context.Context) (json.RawMessage, error) {
	e, ok, err := c.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("modelcache: loading cached entry: %w", err)
	}

	now := time.Now()
	if ok && now.Sub(e.ComputedAt) <= c.cfg.TTL {
		return e.Payload, nil
	}

	if !c.acquireRecompute(ctx) {
		// Some other caller — in this process or another Worker sharing
		// rdb — already owns the recompute for this MinInterval window.
		// Ride out the grace window on the stale entry if one exists,
		// otherwise wait for that caller's result instead of piling on
		// a second probe.
		if ok && now.Sub(e.ComputedAt) <= c.cfg.TTL+c.cfg.Grace {
			return e.Payload, nil
		}
		return c.waitForRecompute(ctx)
	}

	payload, err := c.source(ctx)
	if err != nil {
		if ok && now.Sub(e.ComputedAt) <= c.cfg.TTL+c.cfg.Grace {
			return e.Payload, nil
		}
		return nil, fmt.Errorf("modelcache: recomputing payload: %w", err)
	}

	if err := c.store(ctx, entry{Payload: payload, ComputedAt: now}); err != nil {
		return nil, fmt.Errorf("modelcache: storing recomputed payload: %w", err)
	}
	return payload, nil
}

// acquireRecompute reports whether the caller won the right to call
// source for the current MinInterval window. Backed by a Redis SETNX so
// exactly one caller wins regardless of how many goroutines — in this
// process or another Worker sharing rdb — race past TTL at once.
func (c *Cache) acquireRecompute(ctx context.Context) bool {
	if c.cfg.MinInterval <= 0 {
		return true
	}
	won, err := c.rdb.SetNX(ctx, lastAttemptKey, 1, c.cfg.MinInterval).Result()
	if err != nil {
		// The gate itself is unreachable: fail open rather than block
		// /v1/models on it. Worst case is an extra probe, not an outage.
		return true
	}
	return won
}

// waitForRecompute polls for the entry the recompute winner is about to
// store, used when this caller lost acquireRecompute and had no stale
// entry worth serving in the meantime.
func (c *Cache) waitForRecompute(ctx context.Context) (json.RawMessage, error) {
	deadline := time.Now().Add(2 * c.cfg.MinInterval)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		if e, ok, err := c.load(ctx); err == nil && ok && time.Since(e.ComputedAt) <= c.cfg.TTL+c.cfg.Grace {
			return e.Payload, nil
		}
	}
	return nil, fmt.Errorf("modelcache: timed out waiting for in-flight recompute")
}

// Invalidate drops the cached entry so the next Get always recomputes,
// used when the Registry reloads and the new model set must be visible
// immediately rather than waiting out the TTL.
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.rdb.Del(ctx, cacheKey).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("modelcache: invalidating: %w", err)
	}
	return nil
}

func (c *Cache) load(ctx context.Context) (entry, bool, error) {
	raw, err := c.rdb.Get(ctx, cacheKey).Bytes()
	if err == redis.Nil {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, false, err
	}
	return e, true, nil
}

func (c *Cache) store(ctx context.Context, e entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// TTL+Grace as the Redis expiry gives us a hard backstop even if this
	// process never calls Get again; a fresh process recomputes anyway.
	return c.rdb.Set(ctx, cacheKey, raw, c.cfg.TTL+c.cfg.Grace).Err()
}
