// Copyright 2025 James Ross
package projection

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB opens an in-memory sqlite database with a schema
// equivalent to schemaDDL's Postgres one, substituting portable column
// types (TEXT for JSONB, INTEGER PRIMARY KEY for BIGSERIAL).
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE projection_checkpoints (
			projection_id   TEXT PRIMARY KEY,
			last_global_seq BIGINT NOT NULL DEFAULT 0,
			checkpointed_at TIMESTAMP NOT NULL,
			idempotency_key TEXT NOT NULL,
			status          TEXT NOT NULL
		);
		CREATE TABLE monitor_views (
			queue_id               TEXT PRIMARY KEY,
			max_capacity           INT NOT NULL,
			low_priority_count     INT NOT NULL DEFAULT 0,
			medium_priority_count  INT NOT NULL DEFAULT 0,
			high_priority_count    INT NOT NULL DEFAULT 0,
			urgent_priority_count  INT NOT NULL DEFAULT 0,
			total_patients_waiting INT NOT NULL DEFAULT 0,
			last_check_in_time     TIMESTAMP,
			updated_at             TIMESTAMP NOT NULL
		);
		CREATE TABLE queue_state_views (
			queue_id     TEXT PRIMARY KEY,
			max_capacity INT NOT NULL,
			patients     TEXT NOT NULL DEFAULT '[]',
			updated_at   TIMESTAMP NOT NULL
		);
		CREATE TABLE next_turn_views (
			queue_id   TEXT PRIMARY KEY,
			patient    TEXT,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE recent_history_views (
			queue_id    TEXT NOT NULL,
			entry_seq   INTEGER PRIMARY KEY AUTOINCREMENT,
			entry       TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

func newTestStore(t *testing.T) *Store {
	return NewPortableStore(setupTestDB(t))
}

func TestCheckpoint_ReadsZeroValueWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	seq, found, err := s.Checkpoint(context.Background(), "proj1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(0), seq)
}

func TestWriteCheckpoint_NeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writeCheckpoint(ctx, tx, s.portable, "proj1", 10, "key-1", now))
	require.NoError(t, tx.Commit())

	tx, err = s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writeCheckpoint(ctx, tx, s.portable, "proj1", 5, "key-2", now))
	require.NoError(t, tx.Commit())

	seq, found, err := s.Checkpoint(ctx, "proj1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), seq, "a stale write must not move the checkpoint backwards")
}

func TestForceWriteCheckpoint_OverwritesRegardlessOfSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writeCheckpoint(ctx, tx, s.portable, "proj1", 10, "key-1", now))
	require.NoError(t, tx.Commit())

	tx, err = s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, forceWriteCheckpoint(ctx, tx, s.portable, "proj1", 10, "key-rebuild", now))
	require.NoError(t, tx.Commit())

	seq, found, err := s.Checkpoint(ctx, "proj1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), seq)
}

func TestMonitorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, found, err := s.Monitor(ctx, "Q1")
	require.NoError(t, err)
	assert.False(t, found)

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	mv := MonitorView{QueueID: "Q1", MaxCapacity: 50, HighPriorityCount: 2, TotalPatientsWaiting: 2, LastCheckInTime: now}
	require.NoError(t, putMonitor(ctx, tx, s.portable, mv, now))
	require.NoError(t, tx.Commit())

	got, found, err := s.Monitor(ctx, "Q1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, mv.MaxCapacity, got.MaxCapacity)
	assert.Equal(t, mv.HighPriorityCount, got.HighPriorityCount)
	assert.WithinDuration(t, now, got.LastCheckInTime, time.Second)
}

func TestQueueStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	qs := QueueStateView{QueueID: "Q1", MaxCapacity: 10, Patients: []PatientSummary{
		{PatientID: "p1", PatientName: "Alice", Priority: "High", CheckInTime: now, QueuePosition: 1},
	}}
	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, putQueueState(ctx, tx, s.portable, qs, now))
	require.NoError(t, tx.Commit())

	got, found, err := s.QueueState(ctx, "Q1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got.Patients, 1)
	assert.Equal(t, "p1", got.Patients[0].PatientID)
	assert.Equal(t, "Alice", got.Patients[0].PatientName)
}

func TestNextTurnRoundTrip_AndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	patient := PatientSummary{PatientID: "p1", PatientName: "Alice"}
	require.NoError(t, putNextTurn(ctx, tx, s.portable, NextTurnView{QueueID: "Q1", Patient: &patient}, now))
	require.NoError(t, tx.Commit())

	nt, err := s.NextTurn(ctx, "Q1")
	require.NoError(t, err)
	require.NotNil(t, nt.Patient)
	assert.Equal(t, "p1", nt.Patient.PatientID)

	tx, err = s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, putNextTurn(ctx, tx, s.portable, NextTurnView{QueueID: "Q1"}, now))
	require.NoError(t, tx.Commit())

	nt, err = s.NextTurn(ctx, "Q1")
	require.NoError(t, err)
	assert.Nil(t, nt.Patient)
}

func TestAppendHistory_TrimsToRecentHistoryLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < RecentHistoryLimit+5; i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, appendHistory(ctx, tx, s.portable, "Q1", AttentionHistoryEntry{
			PatientID: "p", Outcome: "Completed", CompletedAt: now.Add(time.Duration(i) * time.Second),
		}))
		require.NoError(t, tx.Commit())
	}

	entries, err := s.RecentHistory(ctx, "Q1", RecentHistoryLimit)
	require.NoError(t, err)
	assert.Len(t, entries, RecentHistoryLimit)
}

func TestClearAll_RemovesEveryView(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, putMonitor(ctx, tx, s.portable, MonitorView{QueueID: "Q1", MaxCapacity: 5}, now))
	require.NoError(t, putQueueState(ctx, tx, s.portable, QueueStateView{QueueID: "Q1", MaxCapacity: 5}, now))
	require.NoError(t, tx.Commit())

	require.NoError(t, s.ClearAll(ctx))

	_, found, err := s.Monitor(ctx, "Q1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.QueueState(ctx, "Q1")
	require.NoError(t, err)
	assert.False(t, found)
}
