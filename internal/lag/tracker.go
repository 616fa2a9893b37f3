// Copyright 2025 James Ross

// Package lag implements the event processing lag tracker (§4.6): one
// row per event recording when it was created, published, and
// processed, and a statistics query over those rows.
package lag

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schemaDDL = `
CREATE OR REPLACE FUNCTION millis_between(a TIMESTAMPTZ, b TIMESTAMPTZ) RETURNS BIGINT AS $$
	SELECT FLOOR(EXTRACT(EPOCH FROM (b - a)) * 1000)::BIGINT
$$ LANGUAGE SQL IMMUTABLE;

CREATE TABLE IF NOT EXISTS event_lag (
	event_id                 TEXT PRIMARY KEY,
	event_name               TEXT NOT NULL,
	aggregate_id              TEXT NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL,
	published_at              TIMESTAMPTZ,
	dispatch_duration_ms      BIGINT,
	processed_at              TIMESTAMPTZ,
	processing_duration_ms    BIGINT,
	total_lag_ms              BIGINT,
	status                    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS event_lag_name_idx ON event_lag (event_name, created_at);
`

// Status mirrors §3's lag-entry state machine.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusPublished Status = "PUBLISHED"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Tracker is the Postgres-backed lag tracker.
type Tracker struct {
	db *sql.DB
}

func NewTracker(db *sql.DB) *Tracker { return &Tracker{db: db} }

func (t *Tracker) EnsureSchema(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("lag: ensure schema: %w", err)
	}
	return nil
}

// RecordCreated inserts a CREATED row for eventID. Insert-if-absent:
// this must never overwrite a later status, since the dispatcher or
// projection consumer may observe (and re-record) the same event after
// it has already advanced past CREATED.
func (t *Tracker) RecordCreated(ctx context.Context, eventID, eventName, aggregateID string, createdAt time.Time) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO event_lag (event_id, event_name, aggregate_id, created_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventName, aggregateID, createdAt, StatusCreated)
	if err != nil {
		return fmt.Errorf("lag: record created %q: %w", eventID, err)
	}
	return nil
}

// RecordPublished updates publishedAt and the dispatch duration,
// advancing status to PUBLISHED unless the event already reached
// PROCESSED (a late/duplicate dispatch attempt after successful
// processing must not regress the status).
func (t *Tracker) RecordPublished(ctx context.Context, eventID string, publishedAt time.Time) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE event_lag SET
			published_at = $2,
			dispatch_duration_ms = millis_between(created_at, $2),
			status = CASE WHEN status = $3 THEN status ELSE $4 END
		WHERE event_id = $1`,
		eventID, publishedAt, StatusProcessed, StatusPublished)
	if err != nil {
		return fmt.Errorf("lag: record published %q: %w", eventID, err)
	}
	return nil
}

// RecordProcessed updates processedAt, computes totalLagMs using
// wide-integer millisecond math (multiply-then-truncate, not
// truncate-then-multiply, so a sub-second lag like 68ms does not round
// to zero), and advances status to PROCESSED only if it is not already
// PROCESSED, so a replayed delivery is a no-op on the recorded metric.
func (t *Tracker) RecordProcessed(ctx context.Context, eventID string, processedAt time.Time) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE event_lag SET
			processed_at = $2,
			processing_duration_ms = CASE WHEN published_at IS NOT NULL THEN millis_between(published_at, $2) ELSE NULL END,
			total_lag_ms = millis_between(created_at, $2),
			status = $3
		WHERE event_id = $1 AND status <> $3`,
		eventID, processedAt, StatusProcessed)
	if err != nil {
		return fmt.Errorf("lag: record processed %q: %w", eventID, err)
	}
	return nil
}

// Statistics summarizes lag for eventName over [from, to). A zero from
// or to leaves that bound open.
type Statistics struct {
	Count   int64
	Average float64
	P50     float64
	P95     float64
	P99     float64
	Max     float64
}

func (t *Tracker) Statistics(ctx context.Context, eventName string, from, to time.Time) (Statistics, error) {
	query := `
		SELECT
			COUNT(*) AS count,
			COALESCE(AVG(total_lag_ms), 0) AS avg_ms,
			COALESCE(percentile_cont(0.50) WITHIN GROUP (ORDER BY total_lag_ms), 0) AS p50_ms,
			COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY total_lag_ms), 0) AS p95_ms,
			COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY total_lag_ms), 0) AS p99_ms,
			COALESCE(MAX(total_lag_ms), 0) AS max_ms
		FROM event_lag
		WHERE event_name = $1 AND total_lag_ms IS NOT NULL
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)`

	var fromArg, toArg any
	if !from.IsZero() {
		fromArg = from
	}
	if !to.IsZero() {
		toArg = to
	}

	var stats Statistics
	row := t.db.QueryRowContext(ctx, query, eventName, fromArg, toArg)
	if err := row.Scan(&stats.Count, &stats.Average, &stats.P50, &stats.P95, &stats.P99, &stats.Max); err != nil {
		return Statistics{}, fmt.Errorf("lag: statistics %q: %w", eventName, err)
	}
	return stats, nil
}
