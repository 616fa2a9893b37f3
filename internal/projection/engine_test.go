// Copyright 2025 James Ross
package projection

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/codeready-toolchain/waitingroom/internal/domain"
	"github.com/codeready-toolchain/waitingroom/internal/events"
	"github.com/codeready-toolchain/waitingroom/internal/eventstore"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEventLogDB mirrors eventstore's own sqlite-portable test schema,
// duplicated here since eventstore.schemaDDL is unexported.
func setupEventLogDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE event_log (
			global_seq INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregate_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			event_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			metadata TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			idempotency_key TEXT NOT NULL UNIQUE,
			occurred_at TIMESTAMP NOT NULL,
			UNIQUE (aggregate_id, version)
		);
		CREATE TABLE outbox (
			outbox_id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			event_name TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			global_seq INTEGER NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			correlation_id TEXT NOT NULL,
			causation_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP,
			last_error TEXT
		);
	`)
	require.NoError(t, err)
	return db
}

var engineTestSeq int

func nextMeta(now time.Time) domain.CommandMeta {
	engineTestSeq++
	id := now.Format("20060102150405") + "-engine-" + string(rune('a'+engineTestSeq%26))
	return domain.CommandMeta{EventID: id, CorrelationID: "corr-1", CausationID: "cmd-1", Actor: "nurse-1", IdempotencyKey: id, Now: now}
}

func newTestEngine(t *testing.T) (*Engine, *eventstore.Store) {
	t.Helper()
	es := eventstore.New(setupEventLogDB(t), events.NewRegistry())
	pstore := NewPortableStore(setupTestDB(t))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ledger := NewLedger(client, time.Hour)

	return NewEngine(pstore, ledger, es, nil), es
}

func seedCheckedInQueue(t *testing.T, es *eventstore.Store) (*domain.WaitingQueue, string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	agg, err := domain.NewWaitingQueue("Q1", "Front Desk", 20, nextMeta(now))
	require.NoError(t, err)
	require.NoError(t, es.Save(ctx, "Q1", agg))

	require.NoError(t, agg.CheckInPatient(domain.CheckInRequest{
		PatientID: "P1", PatientName: "Alice", Priority: domain.PriorityHigh, ConsultationType: "General",
	}, nextMeta(now)))
	require.NoError(t, es.Save(ctx, "Q1", agg))

	return agg, "Q1"
}

func TestEngineProcess_AppliesEventAndWritesCheckpoint(t *testing.T) {
	eng, es := newTestEngine(t)
	_, queueID := seedCheckedInQueue(t, es)
	ctx := context.Background()

	all, err := es.StreamAll(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 2)

	for _, stored := range all {
		require.NoError(t, eng.Process(ctx, stored.GlobalSeq, stored.AggregateID, stored.Event))
	}

	mv, found, err := eng.store.Monitor(ctx, queueID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, mv.TotalPatientsWaiting)
	assert.Equal(t, 1, mv.HighPriorityCount)

	seq, found, err := eng.store.Checkpoint(ctx, ProjectionID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, all[len(all)-1].GlobalSeq, seq)
}

func TestEngineProcess_IsIdempotentOnRedelivery(t *testing.T) {
	eng, es := newTestEngine(t)
	_, queueID := seedCheckedInQueue(t, es)
	ctx := context.Background()

	all, err := es.StreamAll(ctx, 0, 100)
	require.NoError(t, err)

	for _, stored := range all {
		require.NoError(t, eng.Process(ctx, stored.GlobalSeq, stored.AggregateID, stored.Event))
	}
	// Redeliver the same events once more.
	for _, stored := range all {
		require.NoError(t, eng.Process(ctx, stored.GlobalSeq, stored.AggregateID, stored.Event))
	}

	mv, found, err := eng.store.Monitor(ctx, queueID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, mv.TotalPatientsWaiting, "redelivery must not double-count the same check-in")
}

func TestEngineProcess_UnknownEventReturnsError(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	err := eng.Process(ctx, 1, "Q1", events.Event{Name: "SomeUnhandledEvent", Metadata: events.Metadata{EventID: "e1"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoHandler)
}

func TestEngineRebuild_ReproducesTheSameViewsAsIncrementalProcessing(t *testing.T) {
	eng, es := newTestEngine(t)
	_, queueID := seedCheckedInQueue(t, es)
	ctx := context.Background()

	all, err := es.StreamAll(ctx, 0, 100)
	require.NoError(t, err)
	for _, stored := range all {
		require.NoError(t, eng.Process(ctx, stored.GlobalSeq, stored.AggregateID, stored.Event))
	}
	incremental, _, err := eng.store.Monitor(ctx, queueID)
	require.NoError(t, err)

	require.NoError(t, eng.Rebuild(ctx))

	rebuilt, found, err := eng.store.Monitor(ctx, queueID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, incremental.TotalPatientsWaiting, rebuilt.TotalPatientsWaiting)
	assert.Equal(t, incremental.HighPriorityCount, rebuilt.HighPriorityCount)

	seq, found, err := eng.store.Checkpoint(ctx, ProjectionID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, all[len(all)-1].GlobalSeq, seq)
}
