// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/waitingroom/internal/alerting"
	"github.com/codeready-toolchain/waitingroom/internal/outbox"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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

func seedEntry(t *testing.T, db *sql.DB, eventID string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO outbox (event_id, event_name, aggregate_id, global_seq, occurred_at, correlation_id, causation_id, payload, status, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'Pending', 0)`,
		eventID, "PatientCheckedIn", "Q1", 1, time.Now().UTC(), "corr", "cmd", `{}`)
	require.NoError(t, err)
}

// fakePublisher lets tests control whether publish succeeds, and records
// every entry it was asked to publish.
type fakePublisher struct {
	mu       sync.Mutex
	fail     bool
	received []string
}

func (f *fakePublisher) Publish(ctx context.Context, entry outbox.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, entry.EventID)
	if f.fail {
		return errors.New("broker unreachable")
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func testConfig() Config {
	return Config{
		PollInterval:            time.Second,
		BatchSize:               10,
		MaxRetryAttempts:        3,
		BaseRetryDelay:          time.Second,
		MaxRetryDelay:           time.Minute,
		WorkerCount:             4,
		BreakerWindow:           time.Minute,
		BreakerCooldown:         time.Second,
		BreakerFailureThreshold: 0.5,
		BreakerMinSamples:       100, // keep the breaker Closed throughout these tests
	}
}

func newTestDispatcher(t *testing.T, pub *fakePublisher) (*Dispatcher, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	store := outbox.NewPortable(db)
	log := zap.NewNop()
	d := New(store, pub, nil, alerting.NewNotifier("", ""), log, testConfig())
	return d, db
}

func TestPollOnceMarksSuccessfulPublishDispatched(t *testing.T) {
	pub := &fakePublisher{}
	d, db := newTestDispatcher(t, pub)
	seedEntry(t, db, "e1")

	require.NoError(t, d.pollOnce(context.Background()))

	var status string
	var attempts int
	require.NoError(t, db.QueryRow(`SELECT status, attempts FROM outbox WHERE event_id = ?`, "e1").Scan(&status, &attempts))
	assert.Equal(t, "Dispatched", status)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, []string{"e1"}, pub.received)
}

func TestPollOnceRetriesOnPublishFailure(t *testing.T) {
	pub := &fakePublisher{fail: true}
	d, db := newTestDispatcher(t, pub)
	seedEntry(t, db, "e1")

	require.NoError(t, d.pollOnce(context.Background()))

	var status, lastError string
	var attempts int
	require.NoError(t, db.QueryRow(`SELECT status, attempts, last_error FROM outbox WHERE event_id = ?`, "e1").Scan(&status, &attempts, &lastError))
	assert.Equal(t, "Pending", status)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "broker unreachable", lastError)
}

func TestPollOnceMovesEntryToFailedPoisonAfterMaxAttempts(t *testing.T) {
	pub := &fakePublisher{fail: true}
	d, db := newTestDispatcher(t, pub)
	d.cfg.BaseRetryDelay = time.Millisecond
	d.cfg.MaxRetryDelay = 10 * time.Millisecond
	seedEntry(t, db, "e1")

	// MaxRetryAttempts is 3: three failed polls must poison the entry.
	// Sleep past each attempt's next_attempt_at so the retry becomes due.
	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		require.NoError(t, d.pollOnce(context.Background()))
	}

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM outbox WHERE event_id = ?`, "e1").Scan(&status))
	assert.Equal(t, "Failed-Poison", status)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	d := &Dispatcher{cfg: Config{BaseRetryDelay: time.Second, MaxRetryDelay: 10 * time.Second}}
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, 10*time.Second, d.backoff(10))
}

func TestPollOnceIsANoopWhenNoEntriesPending(t *testing.T) {
	pub := &fakePublisher{}
	d, _ := newTestDispatcher(t, pub)
	require.NoError(t, d.pollOnce(context.Background()))
	assert.Empty(t, pub.received)
}
