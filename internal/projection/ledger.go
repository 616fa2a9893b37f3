// Copyright 2025 James Ross

// Package projection is the idempotent read-view engine: it consumes
// published domain events, applies them to denormalized per-queue
// views, tracks a checkpoint per projection, and can rebuild every view
// from the event log.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger is the per-projection idempotency ledger (§3, §4.5): the set of
// already-processed idempotency keys, so a handler that finds a key
// present returns without side effects. Grounded on the Redis
// CheckAndReserve Lua pattern used for dedup keys elsewhere in this
// codebase's lineage, adapted here to projection ids instead of job
// queues and without the job-centric stats/key-generator machinery that
// has no projection-engine analog.
type Ledger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLedger wraps client. ttl bounds how long a processed key is
// remembered; it should comfortably exceed the broker's maximum
// redelivery window. A zero ttl defaults to 7 days.
func NewLedger(client *redis.Client, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Ledger{client: client, ttl: ttl}
}

func (l *Ledger) keyName(projectionID, idempotencyKey string) string {
	return fmt.Sprintf("projection:%s:processed:%s", projectionID, idempotencyKey)
}

// checkAndReserveScript atomically tests for membership and, if absent,
// reserves the key in one round trip, so two concurrent redeliveries of
// the same event can never both observe "not yet processed".
const checkAndReserveScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 1
end
redis.call('SETEX', KEYS[1], ARGV[1], '1')
return 0
`

// CheckAndReserve reports whether idempotencyKey was already processed
// for projectionID. If not, it reserves the key so a concurrent redelivery
// observes it as processed immediately, even before the caller's view
// transaction commits.
func (l *Ledger) CheckAndReserve(ctx context.Context, projectionID, idempotencyKey string) (alreadyProcessed bool, err error) {
	result, err := l.client.Eval(ctx, checkAndReserveScript, []string{l.keyName(projectionID, idempotencyKey)}, int(l.ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("projection: check-and-reserve %q: %w", idempotencyKey, err)
	}
	return result == 1, nil
}

// Release removes a reservation, used when a handler fails after
// reserving the key so a retry is not permanently treated as a duplicate.
func (l *Ledger) Release(ctx context.Context, projectionID, idempotencyKey string) error {
	if err := l.client.Del(ctx, l.keyName(projectionID, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("projection: release %q: %w", idempotencyKey, err)
	}
	return nil
}

// Clear removes every processed key for projectionID, used by rebuild
// (§4.5 step (a): "clear all views and the idempotency ledger").
func (l *Ledger) Clear(ctx context.Context, projectionID string) error {
	pattern := fmt.Sprintf("projection:%s:processed:*", projectionID)
	iter := l.client.Scan(ctx, 0, pattern, 1000).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("projection: clear ledger %q: scan: %w", projectionID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := l.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("projection: clear ledger %q: %w", projectionID, err)
	}
	return nil
}
