package outbox

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`
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
		)
	`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedEntry(t *testing.T, db *sql.DB, eventID string, occurredAt time.Time) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO outbox (event_id, event_name, aggregate_id, global_seq, occurred_at, correlation_id, causation_id, payload, status, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'Pending', 0)`, eventID, "PatientCheckedIn", "Q1", 1, occurredAt, "corr", "cmd", `{}`)
	require.NoError(t, err)
}

func TestFetchPendingOrdersByOccurredAt(t *testing.T) {
	db := setupTestDB(t)
	store := NewPortable(db)
	now := time.Now().UTC()
	seedEntry(t, db, "e2", now.Add(time.Second))
	seedEntry(t, db, "e1", now)

	entries, err := store.FetchPending(context.Background(), now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].EventID)
	assert.Equal(t, "e2", entries[1].EventID)
}

func TestMarkDispatchedIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	store := NewPortable(db)
	now := time.Now().UTC()
	seedEntry(t, db, "e1", now)

	require.NoError(t, store.MarkDispatched(context.Background(), []string{"e1"}))
	require.NoError(t, store.MarkDispatched(context.Background(), []string{"e1"}))

	var status string
	var attempts int
	require.NoError(t, db.QueryRow(`SELECT status, attempts FROM outbox WHERE event_id = ?`, "e1").Scan(&status, &attempts))
	assert.Equal(t, "Dispatched", status)
	assert.Equal(t, 1, attempts)
}

func TestMarkFailedPoisonsAfterMaxAttempts(t *testing.T) {
	db := setupTestDB(t)
	store := NewPortable(db)
	now := time.Now().UTC()
	seedEntry(t, db, "e1", now)

	cause := errors.New("broker unreachable")
	require.NoError(t, store.MarkFailed(context.Background(), "e1", 4, 5, time.Minute, cause))

	var status, lastError string
	require.NoError(t, db.QueryRow(`SELECT status, last_error FROM outbox WHERE event_id = ?`, "e1").Scan(&status, &lastError))
	assert.Equal(t, "Failed-Poison", status)
	assert.Equal(t, "broker unreachable", lastError)
}

func TestMarkFailedKeepsPendingBelowMaxAttempts(t *testing.T) {
	db := setupTestDB(t)
	store := NewPortable(db)
	now := time.Now().UTC()
	seedEntry(t, db, "e1", now)

	require.NoError(t, store.MarkFailed(context.Background(), "e1", 1, 5, time.Minute, errors.New("timeout")))

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM outbox WHERE event_id = ?`, "e1").Scan(&status))
	assert.Equal(t, "Pending", status)
}
