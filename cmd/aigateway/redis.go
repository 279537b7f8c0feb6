package main

import (
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// embeddedRedisClient gives a single-process deployment a working
// model-list cache with no external Redis to stand up: miniredis runs
// an actual RESP server in-process and go-redis talks to it exactly as
// it would talk to a real instance. Multi-worker or multi-host
// deployments should pass -redis to point every Worker at one shared
// instance instead, so the cache is actually shared.
func embeddedRedisClient(log *zap.Logger) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: embeddedRedisAddr(log)})
}

// embeddedRedisAddr starts one miniredis instance and returns its
// address without wrapping a client — used by the Supervisor to start
// exactly one embedded instance and hand every spawned Worker the same
// -redis address, so the model-list cache is shared pool-wide even with
// no real Redis configured.
func embeddedRedisAddr(log *zap.Logger) string {
	mr, err := miniredis.Run()
	if err != nil {
		log.Fatal("starting embedded redis for model cache", zap.Error(err))
	}
	return mr.Addr()
}
