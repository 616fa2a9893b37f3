// Copyright 2025 James Ross
package projection

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLedger(client, time.Hour)
}

func TestCheckAndReserve_FirstCallReservesSecondDetectsDuplicate(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	already, err := ledger.CheckAndReserve(ctx, "proj1", "key-1")
	require.NoError(t, err)
	assert.False(t, already)

	already, err = ledger.CheckAndReserve(ctx, "proj1", "key-1")
	require.NoError(t, err)
	assert.True(t, already)
}

func TestCheckAndReserve_DistinctProjectionsDoNotShareKeys(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	already, err := ledger.CheckAndReserve(ctx, "proj1", "key-1")
	require.NoError(t, err)
	assert.False(t, already)

	already, err = ledger.CheckAndReserve(ctx, "proj2", "key-1")
	require.NoError(t, err)
	assert.False(t, already, "a different projection namespace must not see proj1's reservation")
}

func TestRelease_AllowsReReservation(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.CheckAndReserve(ctx, "proj1", "key-1")
	require.NoError(t, err)

	require.NoError(t, ledger.Release(ctx, "proj1", "key-1"))

	already, err := ledger.CheckAndReserve(ctx, "proj1", "key-1")
	require.NoError(t, err)
	assert.False(t, already, "after release, the key must be reservable again")
}

func TestClear_RemovesAllReservationsForProjection(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.CheckAndReserve(ctx, "proj1", "key-1")
	require.NoError(t, err)
	_, err = ledger.CheckAndReserve(ctx, "proj1", "key-2")
	require.NoError(t, err)
	_, err = ledger.CheckAndReserve(ctx, "proj2", "key-1")
	require.NoError(t, err)

	require.NoError(t, ledger.Clear(ctx, "proj1"))

	already, err := ledger.CheckAndReserve(ctx, "proj1", "key-1")
	require.NoError(t, err)
	assert.False(t, already)

	already, err = ledger.CheckAndReserve(ctx, "proj2", "key-1")
	require.NoError(t, err)
	assert.True(t, already, "clearing proj1 must not affect proj2's reservations")
}
