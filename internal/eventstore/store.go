// Package eventstore is the append-only event log: it loads an
// aggregate's history, and persists newly produced events together with
// their outbox rows in one transaction so the two can never drift apart.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeready-toolchain/waitingroom/internal/domain"
	"github.com/codeready-toolchain/waitingroom/internal/events"
	"github.com/codeready-toolchain/waitingroom/internal/lag"
	"github.com/codeready-toolchain/waitingroom/internal/obs"
	_ "github.com/lib/pq"
)

const (
	schemaDDL = `
CREATE TABLE IF NOT EXISTS event_log (
	global_seq     BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	version        BIGINT NOT NULL,
	event_name     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	metadata       JSONB NOT NULL,
	event_id       TEXT NOT NULL UNIQUE,
	idempotency_key TEXT NOT NULL UNIQUE,
	occurred_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS event_log_aggregate_idx ON event_log (aggregate_id);
CREATE INDEX IF NOT EXISTS event_log_name_idx ON event_log (event_name);

CREATE TABLE IF NOT EXISTS outbox (
	outbox_id       BIGSERIAL PRIMARY KEY,
	event_id        TEXT NOT NULL UNIQUE,
	event_name      TEXT NOT NULL,
	aggregate_id    TEXT NOT NULL,
	global_seq      BIGINT NOT NULL,
	occurred_at     TIMESTAMPTZ NOT NULL,
	correlation_id  TEXT NOT NULL,
	causation_id    TEXT NOT NULL,
	payload         JSONB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'Pending',
	attempts        INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ,
	last_error      TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (status, next_attempt_at);
`

	queryMaxVersion = `SELECT COALESCE(MAX(version), 0) FROM event_log WHERE aggregate_id = $1`

	queryInsertEvent = `
INSERT INTO event_log (aggregate_id, version, event_name, payload, metadata, event_id, idempotency_key, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO NOTHING
RETURNING global_seq`

	queryInsertOutbox = `
INSERT INTO outbox (event_id, event_name, aggregate_id, global_seq, occurred_at, correlation_id, causation_id, payload, status, attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'Pending', 0)
ON CONFLICT (event_id) DO NOTHING`

	queryEventGlobalSeq = `SELECT global_seq FROM event_log WHERE event_id = $1`

	queryLoadHistory = `
SELECT version, event_name, payload, event_id, metadata, occurred_at
FROM event_log
WHERE aggregate_id = $1
ORDER BY version ASC`

	queryStreamAll = `
SELECT global_seq, aggregate_id, version, event_name, payload, event_id, metadata, occurred_at
FROM event_log
WHERE global_seq > $1
ORDER BY global_seq ASC
LIMIT $2`
)

// ErrConcurrencyConflict is returned by Save when the aggregate's
// expected base version no longer matches the log's current max
// version for that aggregate — another writer committed first.
var ErrConcurrencyConflict = fmt.Errorf("eventstore: concurrency conflict")

// Store is the Postgres-backed event log and outbox.
type Store struct {
	db       *sql.DB
	registry *events.Registry
	lag      *lag.Tracker
}

// New wraps db. EnsureSchema must be called once at process start before
// Load/Save are used against a fresh database.
func New(db *sql.DB, registry *events.Registry) *Store {
	return &Store{db: db, registry: registry}
}

// SetLagTracker attaches the event processing lag tracker (§4.6): once
// set, Save records a CREATED row for every event it persists. Lag
// tracking is observability, not a correctness dependency, so a nil
// tracker (the default) simply skips it.
func (s *Store) SetLagTracker(t *lag.Tracker) {
	s.lag = t
}

// EnsureSchema creates the event_log and outbox tables if they do not
// already exist. Idempotent; safe to call from every process at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("eventstore: ensure schema: %w", err)
	}
	return nil
}

// StoredEvent is one row as read back from the log, with its global
// ordering position attached for streaming/rebuild.
type StoredEvent struct {
	GlobalSeq   int64
	AggregateID string
	events.Event
}

// Load reads an aggregate's full history and folds it via domain.LoadWaitingQueue.
// Returns (nil, nil) if the aggregate has no events yet.
func (s *Store) Load(ctx context.Context, aggregateID string) (*domain.WaitingQueue, error) {
	rows, err := s.db.QueryContext(ctx, queryLoadHistory, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load %q: %w", aggregateID, err)
	}
	defer rows.Close()

	var history []events.Event
	for rows.Next() {
		var (
			version     int64
			eventName   string
			payloadJSON []byte
			eventID     string
			metaJSON    []byte
			occurredAt  time.Time
		)
		if err := rows.Scan(&version, &eventName, &payloadJSON, &eventID, &metaJSON, &occurredAt); err != nil {
			return nil, fmt.Errorf("eventstore: scan row for %q: %w", aggregateID, err)
		}
		payload, err := s.registry.Decode(eventName, payloadJSON)
		if err != nil {
			return nil, fmt.Errorf("eventstore: decode event %q for %q: %w", eventName, aggregateID, err)
		}
		var meta events.Metadata
		if err := unmarshalMetadata(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("eventstore: decode metadata for %q: %w", aggregateID, err)
		}
		meta.Version = version
		meta.EventID = eventID
		meta.AggregateID = aggregateID
		meta.OccurredAt = occurredAt
		history = append(history, events.Event{Name: eventName, Metadata: meta, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: iterate history for %q: %w", aggregateID, err)
	}
	return domain.LoadWaitingQueue(aggregateID, history), nil
}

// Save persists an aggregate's uncommitted events and their outbox rows
// in a single transaction, after verifying no other writer has advanced
// the aggregate's version in the meantime. On success it clears the
// aggregate's uncommitted buffer.
func (s *Store) Save(ctx context.Context, aggregateID string, agg *domain.WaitingQueue) error {
	pending := agg.UncommittedEvents()
	if len(pending) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: save %q: begin tx: %w", aggregateID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var currentMax int64
	if err := tx.QueryRowContext(ctx, queryMaxVersion, aggregateID).Scan(&currentMax); err != nil {
		return fmt.Errorf("eventstore: save %q: read current version: %w", aggregateID, err)
	}
	expectedBase := agg.Version - int64(len(pending))
	if currentMax != expectedBase {
		return fmt.Errorf("eventstore: save %q: %w (expected base %d, found %d)", aggregateID, ErrConcurrencyConflict, expectedBase, currentMax)
	}

	for i, e := range pending {
		version := expectedBase + int64(i) + 1
		payloadJSON, err := events.Encode(e.Payload)
		if err != nil {
			return fmt.Errorf("eventstore: save %q: %w", aggregateID, err)
		}
		metaJSON, err := marshalMetadata(e.Metadata)
		if err != nil {
			return fmt.Errorf("eventstore: save %q: encode metadata: %w", aggregateID, err)
		}
		var globalSeq int64
		err = tx.QueryRowContext(ctx, queryInsertEvent,
			aggregateID, version, e.Name, payloadJSON, metaJSON, e.Metadata.EventID, e.Metadata.IdempotencyKey, e.Metadata.OccurredAt,
		).Scan(&globalSeq)
		if err == sql.ErrNoRows {
			// ON CONFLICT DO NOTHING fired: this event_id was already
			// persisted by an earlier, presumably crashed, attempt at the
			// same command. Recover its global_seq so the outbox row (also
			// idempotent below) carries the real position.
			if err := tx.QueryRowContext(ctx, queryEventGlobalSeq, e.Metadata.EventID).Scan(&globalSeq); err != nil {
				return fmt.Errorf("eventstore: save %q: recover global_seq for %s: %w", aggregateID, e.Metadata.EventID, err)
			}
		} else if err != nil {
			return fmt.Errorf("eventstore: save %q: insert event %s: %w", aggregateID, e.Name, err)
		}
		if _, err := tx.ExecContext(ctx, queryInsertOutbox,
			e.Metadata.EventID, e.Name, aggregateID, globalSeq, e.Metadata.OccurredAt, e.Metadata.CorrelationID, e.Metadata.CausationID, payloadJSON,
		); err != nil {
			return fmt.Errorf("eventstore: save %q: insert outbox row %s: %w", aggregateID, e.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventstore: save %q: commit: %w", aggregateID, err)
	}
	agg.ClearUncommitted()

	for _, e := range pending {
		obs.EventsAppended.WithLabelValues(e.Name).Inc()
		if s.lag != nil {
			if err := s.lag.RecordCreated(ctx, e.Metadata.EventID, e.Name, aggregateID, e.Metadata.OccurredAt); err != nil {
				return fmt.Errorf("eventstore: save %q: record lag created: %w", aggregateID, err)
			}
		}
	}
	return nil
}

// StreamAll iterates every event in the log in total order, starting
// strictly after afterSeq, for projection rebuild. Callers page through
// by passing back the last GlobalSeq observed.
func (s *Store) StreamAll(ctx context.Context, afterSeq int64, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, queryStreamAll, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("eventstore: stream all: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			globalSeq   int64
			aggregateID string
			version     int64
			eventName   string
			payloadJSON []byte
			eventID     string
			metaJSON    []byte
			occurredAt  time.Time
		)
		if err := rows.Scan(&globalSeq, &aggregateID, &version, &eventName, &payloadJSON, &eventID, &metaJSON, &occurredAt); err != nil {
			return nil, fmt.Errorf("eventstore: stream all: scan: %w", err)
		}
		payload, err := s.registry.Decode(eventName, payloadJSON)
		if err != nil {
			return nil, fmt.Errorf("eventstore: stream all: decode %q: %w", eventName, err)
		}
		var meta events.Metadata
		if err := unmarshalMetadata(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("eventstore: stream all: decode metadata: %w", err)
		}
		meta.Version = version
		meta.EventID = eventID
		meta.AggregateID = aggregateID
		meta.OccurredAt = occurredAt
		out = append(out, StoredEvent{
			GlobalSeq:   globalSeq,
			AggregateID: aggregateID,
			Event:       events.Event{Name: eventName, Metadata: meta, Payload: payload},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: stream all: iterate: %w", err)
	}
	return out, nil
}
