// Package config loads the gateway's process/pool configuration: HTTP
// timeouts, pool size, ports, heartbeat intervals, and default
// retry/breaker/rate-limit parameters. The model catalog itself is a
// separate JSON document loaded by internal/registry, since it changes
// on its own schedule and independently of process-level settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Pool    PoolConfig    `koanf:"pool"`
	Retry   RetryConfig   `koanf:"retry"`
	Breaker BreakerConfig `koanf:"breaker"`
	Limiter LimiterConfig `koanf:"limiter"`
	Catalog string        `koanf:"catalog"`
}

// ServerConfig holds HTTP listener settings shared by the Supervisor and
// every Worker.
type ServerConfig struct {
	BasePort     int           `koanf:"base_port"`
	ControlPort  int           `koanf:"control_port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	RequestBody  int64         `koanf:"max_request_body"`
	ChatDeadline time.Duration `koanf:"chat_deadline"`
}

// PoolConfig controls the Supervisor's Worker pool.
type PoolConfig struct {
	Size                  int           `koanf:"size"`
	RuntimeDir            string        `koanf:"runtime_dir"`
	HeartbeatInterval     time.Duration `koanf:"heartbeat_interval"`
	HeartbeatStaleAfter   time.Duration `koanf:"heartbeat_stale_after"`
	DeepHealthInterval    time.Duration `koanf:"deep_health_interval"`
	ShutdownDrainTimeout  time.Duration `koanf:"shutdown_drain_timeout"`
	RestartCooldown       time.Duration `koanf:"restart_cooldown"`
	ModelCacheTTL         time.Duration `koanf:"model_cache_ttl"`
	ModelCacheMinInterval time.Duration `koanf:"model_cache_min_interval"`
	ModelCacheGrace       time.Duration `koanf:"model_cache_grace"`
}

// RetryConfig is the retry policy the Worker applies to every model's
// non-streaming calls. A catalog entry's "retry" block is parsed but not
// applied, so no model overrides these fields.
type RetryConfig struct {
	Enabled         bool          `koanf:"enabled"`
	MaxRetries      int           `koanf:"max_retries"`
	InitialDelay    time.Duration `koanf:"initial_delay"`
	MaxDelay        time.Duration `koanf:"max_delay"`
	ExponentialBase float64       `koanf:"exponential_base"`
	Jitter          bool          `koanf:"jitter"`
}

// BreakerConfig is the circuit-breaker policy every model's breaker is
// built with; the model catalog has no per-model breaker override.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	SuccessThreshold int           `koanf:"success_threshold"`
	OpenDuration     time.Duration `koanf:"open_duration"`
	SlidingWindow    time.Duration `koanf:"sliding_window"`
}

// LimiterConfig is loaded from the "limiter" section, but nothing reads
// it: per-model token buckets come only from catalog entries'
// "rate_limit" blocks (see cmd/aigateway's loadRateLimiters).
type LimiterConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Capacity     float64 `koanf:"capacity"`
	RefillPerSec float64 `koanf:"refill_per_sec"`
}

// Default returns the baseline configuration used when no file is
// supplied and no overrides are present — every named timeout and
// threshold's default value lives here.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BasePort:     8765,
			ControlPort:  8764,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
			RequestBody:  5 << 20,
			ChatDeadline: 300 * time.Second,
		},
		Pool: PoolConfig{
			Size:                  3,
			RuntimeDir:            "./runtime",
			HeartbeatInterval:     5 * time.Second,
			HeartbeatStaleAfter:   10 * time.Second,
			DeepHealthInterval:    60 * time.Second,
			ShutdownDrainTimeout:  10 * time.Second,
			RestartCooldown:       5 * time.Second,
			ModelCacheTTL:         5 * time.Minute,
			ModelCacheMinInterval: 30 * time.Second,
			ModelCacheGrace:       60 * time.Second,
		},
		Retry: RetryConfig{
			Enabled:         true,
			MaxRetries:      3,
			InitialDelay:    1 * time.Second,
			MaxDelay:        60 * time.Second,
			ExponentialBase: 2.0,
			Jitter:          true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     30 * time.Second,
			SlidingWindow:    60 * time.Second,
		},
		Limiter: LimiterConfig{
			Enabled:      false,
			Capacity:     10,
			RefillPerSec: 5,
		},
		Catalog: "models.json",
	}
}

// defaultsMap flattens Default() into the dotted keys koanf expects, so
// it can seed a confmap.Provider — the bottom layer of a
// defaults-then-file-then-env load order.
func defaultsMap(d *Config) map[string]interface{} {
	return map[string]interface{}{
		"server.base_port":            d.Server.BasePort,
		"server.control_port":         d.Server.ControlPort,
		"server.read_timeout":         d.Server.ReadTimeout,
		"server.write_timeout":        d.Server.WriteTimeout,
		"server.max_request_body":     d.Server.RequestBody,
		"server.chat_deadline":        d.Server.ChatDeadline,
		"pool.size":                   d.Pool.Size,
		"pool.runtime_dir":            d.Pool.RuntimeDir,
		"pool.heartbeat_interval":     d.Pool.HeartbeatInterval,
		"pool.heartbeat_stale_after":  d.Pool.HeartbeatStaleAfter,
		"pool.deep_health_interval":   d.Pool.DeepHealthInterval,
		"pool.shutdown_drain_timeout": d.Pool.ShutdownDrainTimeout,
		"pool.restart_cooldown":       d.Pool.RestartCooldown,
		"pool.model_cache_ttl":          d.Pool.ModelCacheTTL,
		"pool.model_cache_min_interval": d.Pool.ModelCacheMinInterval,
		"pool.model_cache_grace":        d.Pool.ModelCacheGrace,
		"retry.enabled":               d.Retry.Enabled,
		"retry.max_retries":           d.Retry.MaxRetries,
		"retry.initial_delay":         d.Retry.InitialDelay,
		"retry.max_delay":             d.Retry.MaxDelay,
		"retry.exponential_base":      d.Retry.ExponentialBase,
		"retry.jitter":                d.Retry.Jitter,
		"breaker.failure_threshold":   d.Breaker.FailureThreshold,
		"breaker.success_threshold":   d.Breaker.SuccessThreshold,
		"breaker.open_duration":       d.Breaker.OpenDuration,
		"breaker.sliding_window":      d.Breaker.SlidingWindow,
		"limiter.enabled":             d.Limiter.Enabled,
		"limiter.capacity":            d.Limiter.Capacity,
		"limiter.refill_per_sec":      d.Limiter.RefillPerSec,
		"catalog":                     d.Catalog,
	}
}

// Load reads configuration starting from Default(), layers in the YAML
// file at path (if non-empty), and then AIGATEWAY_-prefixed environment
// overrides on top — defaults, then file, then env, so the gateway can
// run with no file at all.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(Default()), "."), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("AIGATEWAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "AIGATEWAY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}
