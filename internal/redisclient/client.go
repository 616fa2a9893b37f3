// Copyright 2025 James Ross
package redisclient

import (
	"runtime"

	"github.com/codeready-toolchain/waitingroom/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured go-redis client backing the projection
// engine's idempotency ledger. The ledger is a pure key/TTL problem, so
// it lives in Redis rather than on the write-path Postgres database to
// keep contention off the event_log/outbox tables (see SPEC_FULL.md §3).
func New(cfg config.IdempotencyLedger) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10 * runtime.NumCPU(),
		MinIdleConns: 2,
	})
}
