// Package main is the entry point for the gateway binary. It dispatches
// to one of two roles via -mode: the default "supervisor" owns the
// Worker pool and the public-facing proxy; "worker" runs a single
// OpenAI-compatible HTTP surface bound to one port, re-exec'd by the
// Supervisor as its own process per Worker. Both roles share the same
// load-config, construct-the-one-thing-this-process-is, then serve
// shape, just split across two -mode values instead of one.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/redis/go-redis/v9"

	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/breaker"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/config"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/events"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/metrics"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/modelcache"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/ratelimit"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/registry"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/supervisor"
	"github.com/xvzhnang/netsec-toolsbox-sub003/internal/worker"
)

const (
	exitOK         = 0
	exitStartupErr = 1
	exitUsageErr   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "supervisor", "supervisor|worker")
	configPath := flag.String("config", "", "path to config.yaml")
	workerID := flag.String("id", "w0", "worker id (worker mode only)")
	workerPort := flag.Int("port", 0, "worker listen port (worker mode only)")
	redisAddr := flag.String("redis", "", "redis address for the model-list cache, shared across every Worker (empty: the supervisor starts one embedded miniredis and passes its address to every spawned Worker)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return exitStartupErr
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		return exitStartupErr
	}
	defer log.Sync()

	switch *mode {
	case "supervisor":
		return runSupervisor(cfg, log, *redisAddr)
	case "worker":
		if *workerPort == 0 {
			fmt.Fprintln(os.Stderr, "-mode=worker requires -port")
			return exitUsageErr
		}
		return runWorker(cfg, log, *workerID, *workerPort, *redisAddr)
	default:
		fmt.Fprintf(os.Stderr, "unknown -mode %q\n", *mode)
		return exitUsageErr
	}
}

func runSupervisor(cfg *config.Config, log *zap.Logger, redisAddr string) int {
	selfPath, err := os.Executable()
	if err != nil {
		log.Error("resolving own executable path", zap.Error(err))
		return exitStartupErr
	}

	// Every spawned Worker gets the same -redis address so their
	// modelcache.Cache instances share one backing store instead of
	// each Worker seeing its own private, invisible-to-its-siblings
	// cache.
	if redisAddr == "" {
		redisAddr = embeddedRedisAddr(log)
	}

	pool := supervisor.NewPool(cfg, log, supervisor.ExecSpawn(selfPath, "-redis="+redisAddr))
	svc := supervisor.NewService(pool, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.EnsureStarted(ctx); err != nil {
		log.Error("starting worker pool", zap.Error(err))
		return exitStartupErr
	}
	go pool.RunHealthLoop(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.ControlPort),
		Handler:      svc,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return serveWithGracefulShutdown(log, httpServer, cfg.Pool.ShutdownDrainTimeout)
}

func runWorker(cfg *config.Config, log *zap.Logger, id string, port int, redisAddr string) int {
	reg, err := registry.Load(cfg.Catalog)
	if err != nil {
		log.Error("loading model catalog", zap.Error(err))
		return exitStartupErr
	}

	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
	} else {
		rdb = embeddedRedisClient(log)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		TimeWindow:       cfg.Breaker.SlidingWindow,
		OpenDuration:     cfg.Breaker.OpenDuration,
	})
	limiters := ratelimit.NewRegistry()
	if err := loadRateLimiters(limiters, cfg.Catalog); err != nil {
		log.Error("loading rate limit config", zap.Error(err))
		return exitStartupErr
	}
	bus := events.NewBus()
	workerMetrics := metrics.New()

	w := worker.New(worker.Deps{
		ID:       id,
		Config:   cfg,
		Logger:   log,
		Registry: reg,
		Breakers: breakers,
		Limiters: limiters,
		Metrics:  workerMetrics,
		Bus:      bus,
	})
	cache := modelcache.New(rdb, modelcache.Config{
		TTL:         cfg.Pool.ModelCacheTTL,
		MinInterval: cfg.Pool.ModelCacheMinInterval,
		Grace:       cfg.Pool.ModelCacheGrace,
	}, w.ModelsPayload)
	w.SetModelCache(cache)

	w.StartHeartbeat()
	defer w.StopHeartbeat()

	var shuttingDown int32
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      w,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	drained := make(chan struct{})
	w.OnShutdownRequested(func() {
		if !atomic.CompareAndSwapInt32(&shuttingDown, 0, 1) {
			return
		}
		defer close(drained)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownDrainTimeout)
		defer cancel()
		httpServer.Shutdown(ctx)
	})

	code := serveWithGracefulShutdown(log, httpServer, cfg.Pool.ShutdownDrainTimeout)
	// Shutdown makes ListenAndServe return before in-flight requests
	// finish, so wait for an admin-triggered drain before exiting.
	if atomic.LoadInt32(&shuttingDown) == 1 {
		<-drained
	}
	return code
}

// loadRateLimiters reads the catalog's optional per-model rate_limit
// blocks and installs a token-bucket Limiter for each one that has one.
// A model with no rate_limit block is left unregistered, which
// Registry.Allow treats as never throttled.
func loadRateLimiters(limiters *ratelimit.Registry, catalogPath string) error {
	entries, err := registry.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.RateLimit == nil {
			continue
		}
		limiters.Set(e.ID, ratelimit.Config{
			RefillRate: e.RateLimit.RefillRate,
			Capacity:   e.RateLimit.Capacity,
		})
	}
	return nil
}

// serveWithGracefulShutdown runs httpServer until either it's asked to
// shut down (via Shutdown() called from elsewhere, e.g. the admin
// handler) or the process receives SIGINT/SIGTERM, in which case it
// drains within the given deadline before returning. A request handler
// never terminates the process directly — only an admin shutdown, an
// OS-level signal, or an unrecoverable bind failure does.
func serveWithGracefulShutdown(log *zap.Logger, httpServer *http.Server, drainTimeout time.Duration) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			return exitStartupErr
		}
		return exitOK
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warn("shutdown did not complete cleanly", zap.Error(err))
		}
		return exitOK
	}
}
