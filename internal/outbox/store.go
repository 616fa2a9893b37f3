// Package outbox is the read/update side of the transactional outbox:
// fetching due entries for the dispatcher and recording the outcome of
// a publish attempt. Rows are written by eventstore.Store.Save in the
// same transaction as the event log insert; this package only reads and
// updates them afterwards.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Status is the lifecycle state of one outbox entry.
type Status string

const (
	StatusPending      Status = "Pending"
	StatusDispatched    Status = "Dispatched"
	StatusFailedPoison Status = "Failed-Poison"
)

// Entry is one outbox row as seen by the dispatcher.
type Entry struct {
	EventID       string
	EventName     string
	AggregateID   string
	GlobalSeq     int64
	OccurredAt    time.Time
	CorrelationID string
	CausationID   string
	Payload       []byte
	Status        Status
	Attempts      int
}

const (
	queryFetchPending = `
SELECT event_id, event_name, aggregate_id, global_seq, occurred_at, correlation_id, causation_id, payload, status, attempts
FROM outbox
WHERE status = 'Pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
ORDER BY occurred_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED`

	// sqlite has no FOR UPDATE SKIP LOCKED; tests use queryFetchPendingPortable instead.
	queryFetchPendingPortable = `
SELECT event_id, event_name, aggregate_id, global_seq, occurred_at, correlation_id, causation_id, payload, status, attempts
FROM outbox
WHERE status = 'Pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
ORDER BY occurred_at ASC
LIMIT ?`

	queryMarkDispatched = `
UPDATE outbox SET status = 'Dispatched', attempts = attempts + 1, next_attempt_at = NULL, last_error = NULL
WHERE event_id = $1 AND status <> 'Dispatched'`

	queryMarkFailedRetry = `
UPDATE outbox SET status = 'Pending', attempts = attempts + 1, next_attempt_at = $2, last_error = $3
WHERE event_id = $1`

	queryMarkFailedPoison = `
UPDATE outbox SET status = 'Failed-Poison', attempts = attempts + 1, next_attempt_at = $2, last_error = $3
WHERE event_id = $1`

	queryMarkDispatchedPortable = `
UPDATE outbox SET status = 'Dispatched', attempts = attempts + 1, next_attempt_at = NULL, last_error = NULL
WHERE event_id = ? AND status <> 'Dispatched'`

	queryMarkFailedRetryPortable = `
UPDATE outbox SET status = 'Pending', attempts = attempts + 1, next_attempt_at = ?, last_error = ?
WHERE event_id = ?`

	queryMarkFailedPoisonPortable = `
UPDATE outbox SET status = 'Failed-Poison', attempts = attempts + 1, next_attempt_at = ?, last_error = ?
WHERE event_id = ?`
)

// Store is the Postgres-backed outbox reader/updater.
type Store struct {
	db *sql.DB
	// portable switches every query to the shape used by the
	// sqlite-backed test suite: no FOR UPDATE SKIP LOCKED, which sqlite
	// does not understand, and ? placeholders.
	portable bool
}

// New wraps db for production (Postgres) use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewPortable wraps db for sqlite-backed tests.
func NewPortable(db *sql.DB) *Store {
	return &Store{db: db, portable: true}
}

// FetchPending returns up to limit due entries, oldest occurred_at first.
// The Postgres query carries FOR UPDATE SKIP LOCKED, but it runs outside
// any transaction, so its row locks end when the query completes; they do
// not keep a second concurrent dispatcher from fetching and publishing
// the same entries (see §5: multiple dispatchers require row locking).
func (s *Store) FetchPending(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	query := queryFetchPending
	if s.portable {
		query = queryFetchPendingPortable
	}
	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch pending: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var status string
		if err := rows.Scan(&e.EventID, &e.EventName, &e.AggregateID, &e.GlobalSeq, &e.OccurredAt, &e.CorrelationID, &e.CausationID, &e.Payload, &status, &e.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: fetch pending: scan: %w", err)
		}
		e.Status = Status(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: fetch pending: iterate: %w", err)
	}
	return out, nil
}

// MarkDispatched marks the given entries as successfully published.
// Idempotent: repeating the call on an already-dispatched event id is a
// no-op update.
func (s *Store) MarkDispatched(ctx context.Context, eventIDs []string) error {
	query := queryMarkDispatched
	if s.portable {
		query = queryMarkDispatchedPortable
	}
	for _, id := range eventIDs {
		if _, err := s.db.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("outbox: mark dispatched %q: %w", id, err)
		}
	}
	return nil
}

// MarkFailed records a failed publish attempt. If the resulting attempt
// count reaches maxAttempts the entry is moved to Failed-Poison with a
// far-future next_attempt_at; otherwise it stays Pending and becomes due
// again after retryAfter.
func (s *Store) MarkFailed(ctx context.Context, id string, attemptsSoFar, maxAttempts int, retryAfter time.Duration, cause error) error {
	nextAttempt := time.Now().UTC().Add(retryAfter)
	poisoned := attemptsSoFar+1 >= maxAttempts
	if poisoned {
		nextAttempt = time.Now().UTC().Add(100 * 365 * 24 * time.Hour)
	}

	query := queryMarkFailedRetry
	args := []any{id, nextAttempt, cause.Error()}
	if poisoned {
		query = queryMarkFailedPoison
	}
	if s.portable {
		if poisoned {
			query = queryMarkFailedPoisonPortable
		} else {
			query = queryMarkFailedRetryPortable
		}
		args = []any{nextAttempt, cause.Error(), id}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("outbox: mark failed %q: %w", id, err)
	}
	return nil
}
