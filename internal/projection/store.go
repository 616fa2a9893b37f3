// Copyright 2025 James Ross
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS projection_checkpoints (
	projection_id      TEXT PRIMARY KEY,
	last_global_seq     BIGINT NOT NULL DEFAULT 0,
	checkpointed_at     TIMESTAMPTZ NOT NULL,
	idempotency_key     TEXT NOT NULL,
	status              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS monitor_views (
	queue_id               TEXT PRIMARY KEY,
	max_capacity           INT NOT NULL,
	low_priority_count     INT NOT NULL DEFAULT 0,
	medium_priority_count  INT NOT NULL DEFAULT 0,
	high_priority_count    INT NOT NULL DEFAULT 0,
	urgent_priority_count  INT NOT NULL DEFAULT 0,
	total_patients_waiting INT NOT NULL DEFAULT 0,
	last_check_in_time     TIMESTAMPTZ,
	updated_at             TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_state_views (
	queue_id     TEXT PRIMARY KEY,
	max_capacity INT NOT NULL,
	patients     JSONB NOT NULL DEFAULT '[]',
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS next_turn_views (
	queue_id   TEXT PRIMARY KEY,
	patient    JSONB,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS recent_history_views (
	queue_id    TEXT NOT NULL,
	entry_seq   BIGSERIAL,
	entry       JSONB NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (queue_id, entry_seq)
);
CREATE INDEX IF NOT EXISTS recent_history_queue_idx ON recent_history_views (queue_id, entry_seq DESC);
`

// Store is the Postgres-backed read-view and checkpoint store. All view
// mutations for a single event go through one sql.Tx (see Engine.Process)
// so "update view, mark idempotency key" is atomic within the
// relational store; the Redis ledger reservation brackets that
// transaction (see Ledger).
type Store struct {
	db *sql.DB
	// portable switches every query to the $N-free, TRUNCATE-free shape
	// used by the sqlite-backed test suite (see outbox.Store.portable).
	portable bool
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// NewPortableStore wraps db for sqlite-backed tests.
func NewPortableStore(db *sql.DB) *Store { return &Store{db: db, portable: true} }

// EnsureSchema creates the projection tables if absent. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("projection: ensure schema: %w", err)
	}
	return nil
}

// Checkpoint reads the current checkpoint for projectionID, or the zero
// value if none has been written yet.
func (s *Store) Checkpoint(ctx context.Context, projectionID string) (lastGlobalSeq int64, found bool, err error) {
	query := `SELECT last_global_seq FROM projection_checkpoints WHERE projection_id = $1`
	if s.portable {
		query = `SELECT last_global_seq FROM projection_checkpoints WHERE projection_id = ?`
	}
	row := s.db.QueryRowContext(ctx, query, projectionID)
	if err := row.Scan(&lastGlobalSeq); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("projection: read checkpoint %q: %w", projectionID, err)
	}
	return lastGlobalSeq, true, nil
}

// writeCheckpoint upserts the checkpoint row within tx, rejecting a
// stale write (globalSeq less than or equal to what's already recorded)
// so an out-of-order redelivery can never move the checkpoint backwards.
func writeCheckpoint(ctx context.Context, tx *sql.Tx, portable bool, projectionID string, globalSeq int64, idempotencyKey string, now time.Time) error {
	query := `
		INSERT INTO projection_checkpoints (projection_id, last_global_seq, checkpointed_at, idempotency_key, status)
		VALUES ($1, $2, $3, $4, 'active')
		ON CONFLICT (projection_id) DO UPDATE
		SET last_global_seq = EXCLUDED.last_global_seq, checkpointed_at = EXCLUDED.checkpointed_at, idempotency_key = EXCLUDED.idempotency_key
		WHERE projection_checkpoints.last_global_seq < EXCLUDED.last_global_seq`
	if portable {
		query = `
		INSERT INTO projection_checkpoints (projection_id, last_global_seq, checkpointed_at, idempotency_key, status)
		VALUES (?, ?, ?, ?, 'active')
		ON CONFLICT (projection_id) DO UPDATE
		SET last_global_seq = excluded.last_global_seq, checkpointed_at = excluded.checkpointed_at, idempotency_key = excluded.idempotency_key
		WHERE projection_checkpoints.last_global_seq < excluded.last_global_seq`
	}
	_, err := tx.ExecContext(ctx, query, projectionID, globalSeq, now, idempotencyKey)
	if err != nil {
		return fmt.Errorf("projection: write checkpoint %q: %w", projectionID, err)
	}
	return nil
}

// forceWriteCheckpoint upserts the checkpoint unconditionally, used only
// by rebuild's final step: after a full rebuild the new checkpoint is
// authoritative regardless of what was previously recorded.
func forceWriteCheckpoint(ctx context.Context, tx *sql.Tx, portable bool, projectionID string, globalSeq int64, idempotencyKey string, now time.Time) error {
	query := `
		INSERT INTO projection_checkpoints (projection_id, last_global_seq, checkpointed_at, idempotency_key, status)
		VALUES ($1, $2, $3, $4, 'active')
		ON CONFLICT (projection_id) DO UPDATE
		SET last_global_seq = EXCLUDED.last_global_seq, checkpointed_at = EXCLUDED.checkpointed_at, idempotency_key = EXCLUDED.idempotency_key`
	if portable {
		query = `
		INSERT INTO projection_checkpoints (projection_id, last_global_seq, checkpointed_at, idempotency_key, status)
		VALUES (?, ?, ?, ?, 'active')
		ON CONFLICT (projection_id) DO UPDATE
		SET last_global_seq = excluded.last_global_seq, checkpointed_at = excluded.checkpointed_at, idempotency_key = excluded.idempotency_key`
	}
	_, err := tx.ExecContext(ctx, query, projectionID, globalSeq, now, idempotencyKey)
	if err != nil {
		return fmt.Errorf("projection: force write checkpoint %q: %w", projectionID, err)
	}
	return nil
}

func (s *Store) getMonitor(ctx context.Context, q querier, queueID string) (MonitorView, bool, error) {
	query := `
		SELECT queue_id, max_capacity, low_priority_count, medium_priority_count, high_priority_count, urgent_priority_count, total_patients_waiting, last_check_in_time
		FROM monitor_views WHERE queue_id = $1`
	if s.portable {
		query = `
		SELECT queue_id, max_capacity, low_priority_count, medium_priority_count, high_priority_count, urgent_priority_count, total_patients_waiting, last_check_in_time
		FROM monitor_views WHERE queue_id = ?`
	}
	row := q.QueryRowContext(ctx, query, queueID)
	var v MonitorView
	var lastCheckIn sql.NullTime
	if err := row.Scan(&v.QueueID, &v.MaxCapacity, &v.LowPriorityCount, &v.MediumPriorityCount, &v.HighPriorityCount, &v.UrgentPriorityCount, &v.TotalPatientsWaiting, &lastCheckIn); err != nil {
		if err == sql.ErrNoRows {
			return MonitorView{}, false, nil
		}
		return MonitorView{}, false, fmt.Errorf("projection: get monitor %q: %w", queueID, err)
	}
	if lastCheckIn.Valid {
		v.LastCheckInTime = lastCheckIn.Time
	}
	return v, true, nil
}

func putMonitor(ctx context.Context, tx *sql.Tx, portable bool, v MonitorView, now time.Time) error {
	query := `
		INSERT INTO monitor_views (queue_id, max_capacity, low_priority_count, medium_priority_count, high_priority_count, urgent_priority_count, total_patients_waiting, last_check_in_time, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (queue_id) DO UPDATE SET
			max_capacity = EXCLUDED.max_capacity,
			low_priority_count = EXCLUDED.low_priority_count,
			medium_priority_count = EXCLUDED.medium_priority_count,
			high_priority_count = EXCLUDED.high_priority_count,
			urgent_priority_count = EXCLUDED.urgent_priority_count,
			total_patients_waiting = EXCLUDED.total_patients_waiting,
			last_check_in_time = EXCLUDED.last_check_in_time,
			updated_at = EXCLUDED.updated_at`
	if portable {
		query = `
		INSERT INTO monitor_views (queue_id, max_capacity, low_priority_count, medium_priority_count, high_priority_count, urgent_priority_count, total_patients_waiting, last_check_in_time, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (queue_id) DO UPDATE SET
			max_capacity = excluded.max_capacity,
			low_priority_count = excluded.low_priority_count,
			medium_priority_count = excluded.medium_priority_count,
			high_priority_count = excluded.high_priority_count,
			urgent_priority_count = excluded.urgent_priority_count,
			total_patients_waiting = excluded.total_patients_waiting,
			last_check_in_time = excluded.last_check_in_time,
			updated_at = excluded.updated_at`
	}
	_, err := tx.ExecContext(ctx, query,
		v.QueueID, v.MaxCapacity, v.LowPriorityCount, v.MediumPriorityCount, v.HighPriorityCount, v.UrgentPriorityCount, v.TotalPatientsWaiting, nullableTime(v.LastCheckInTime), now)
	if err != nil {
		return fmt.Errorf("projection: put monitor %q: %w", v.QueueID, err)
	}
	return nil
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func (s *Store) getQueueState(ctx context.Context, q querier, queueID string) (QueueStateView, bool, error) {
	query := `SELECT queue_id, max_capacity, patients FROM queue_state_views WHERE queue_id = $1`
	if s.portable {
		query = `SELECT queue_id, max_capacity, patients FROM queue_state_views WHERE queue_id = ?`
	}
	row := q.QueryRowContext(ctx, query, queueID)
	var v QueueStateView
	var patientsJSON []byte
	if err := row.Scan(&v.QueueID, &v.MaxCapacity, &patientsJSON); err != nil {
		if err == sql.ErrNoRows {
			return QueueStateView{}, false, nil
		}
		return QueueStateView{}, false, fmt.Errorf("projection: get queue state %q: %w", queueID, err)
	}
	if err := json.Unmarshal(patientsJSON, &v.Patients); err != nil {
		return QueueStateView{}, false, fmt.Errorf("projection: decode queue state patients %q: %w", queueID, err)
	}
	return v, true, nil
}

func putQueueState(ctx context.Context, tx *sql.Tx, portable bool, v QueueStateView, now time.Time) error {
	patientsJSON, err := json.Marshal(v.Patients)
	if err != nil {
		return fmt.Errorf("projection: encode queue state patients %q: %w", v.QueueID, err)
	}
	query := `
		INSERT INTO queue_state_views (queue_id, max_capacity, patients, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (queue_id) DO UPDATE SET max_capacity = EXCLUDED.max_capacity, patients = EXCLUDED.patients, updated_at = EXCLUDED.updated_at`
	if portable {
		query = `
		INSERT INTO queue_state_views (queue_id, max_capacity, patients, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT (queue_id) DO UPDATE SET max_capacity = excluded.max_capacity, patients = excluded.patients, updated_at = excluded.updated_at`
	}
	_, err = tx.ExecContext(ctx, query, v.QueueID, v.MaxCapacity, patientsJSON, now)
	if err != nil {
		return fmt.Errorf("projection: put queue state %q: %w", v.QueueID, err)
	}
	return nil
}

func (s *Store) getNextTurn(ctx context.Context, q querier, queueID string) (NextTurnView, error) {
	query := `SELECT patient FROM next_turn_views WHERE queue_id = $1`
	if s.portable {
		query = `SELECT patient FROM next_turn_views WHERE queue_id = ?`
	}
	row := q.QueryRowContext(ctx, query, queueID)
	var patientJSON []byte
	if err := row.Scan(&patientJSON); err != nil {
		if err == sql.ErrNoRows {
			return NextTurnView{QueueID: queueID}, nil
		}
		return NextTurnView{}, fmt.Errorf("projection: get next turn %q: %w", queueID, err)
	}
	v := NextTurnView{QueueID: queueID}
	if len(patientJSON) > 0 {
		var p PatientSummary
		if err := json.Unmarshal(patientJSON, &p); err != nil {
			return NextTurnView{}, fmt.Errorf("projection: decode next turn %q: %w", queueID, err)
		}
		v.Patient = &p
	}
	return v, nil
}

func putNextTurn(ctx context.Context, tx *sql.Tx, portable bool, v NextTurnView, now time.Time) error {
	var patientJSON []byte
	if v.Patient != nil {
		b, err := json.Marshal(v.Patient)
		if err != nil {
			return fmt.Errorf("projection: encode next turn %q: %w", v.QueueID, err)
		}
		patientJSON = b
	}
	query := `
		INSERT INTO next_turn_views (queue_id, patient, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (queue_id) DO UPDATE SET patient = EXCLUDED.patient, updated_at = EXCLUDED.updated_at`
	if portable {
		query = `
		INSERT INTO next_turn_views (queue_id, patient, updated_at)
		VALUES (?,?,?)
		ON CONFLICT (queue_id) DO UPDATE SET patient = excluded.patient, updated_at = excluded.updated_at`
	}
	_, err := tx.ExecContext(ctx, query, v.QueueID, patientJSON, now)
	if err != nil {
		return fmt.Errorf("projection: put next turn %q: %w", v.QueueID, err)
	}
	return nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, portable bool, queueID string, entry AttentionHistoryEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("projection: encode history entry %q: %w", queueID, err)
	}
	insertQuery := `INSERT INTO recent_history_views (queue_id, entry, occurred_at) VALUES ($1,$2,$3)`
	trimQuery := `
		DELETE FROM recent_history_views
		WHERE queue_id = $1 AND entry_seq NOT IN (
			SELECT entry_seq FROM recent_history_views WHERE queue_id = $1 ORDER BY entry_seq DESC LIMIT $2
		)`
	if portable {
		insertQuery = `INSERT INTO recent_history_views (queue_id, entry, occurred_at) VALUES (?,?,?)`
		trimQuery = `
		DELETE FROM recent_history_views
		WHERE queue_id = ? AND entry_seq NOT IN (
			SELECT entry_seq FROM recent_history_views WHERE queue_id = ? ORDER BY entry_seq DESC LIMIT ?
		)`
	}
	if _, err := tx.ExecContext(ctx, insertQuery, queueID, entryJSON, entry.CompletedAt); err != nil {
		return fmt.Errorf("projection: append history %q: %w", queueID, err)
	}
	// Trim to RecentHistoryLimit so the bounded ring never grows unbounded.
	trimArgs := []any{queueID, RecentHistoryLimit}
	if portable {
		trimArgs = []any{queueID, queueID, RecentHistoryLimit}
	}
	if _, err := tx.ExecContext(ctx, trimQuery, trimArgs...); err != nil {
		return fmt.Errorf("projection: trim history %q: %w", queueID, err)
	}
	return nil
}

// RecentHistory returns up to limit of the most recent completed
// attentions for queueID, newest first.
func (s *Store) RecentHistory(ctx context.Context, queueID string, limit int) ([]AttentionHistoryEntry, error) {
	if limit <= 0 || limit > RecentHistoryLimit {
		limit = RecentHistoryLimit
	}
	query := `SELECT entry FROM recent_history_views WHERE queue_id = $1 ORDER BY entry_seq DESC LIMIT $2`
	if s.portable {
		query = `SELECT entry FROM recent_history_views WHERE queue_id = ? ORDER BY entry_seq DESC LIMIT ?`
	}
	rows, err := s.db.QueryContext(ctx, query, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("projection: recent history %q: %w", queueID, err)
	}
	defer rows.Close()
	var out []AttentionHistoryEntry
	for rows.Next() {
		var entryJSON []byte
		if err := rows.Scan(&entryJSON); err != nil {
			return nil, fmt.Errorf("projection: recent history %q: scan: %w", queueID, err)
		}
		var e AttentionHistoryEntry
		if err := json.Unmarshal(entryJSON, &e); err != nil {
			return nil, fmt.Errorf("projection: recent history %q: decode: %w", queueID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Monitor returns the monitor view for queueID.
func (s *Store) Monitor(ctx context.Context, queueID string) (MonitorView, bool, error) {
	return s.getMonitor(ctx, s.db, queueID)
}

// QueueState returns the queue-state view for queueID.
func (s *Store) QueueState(ctx context.Context, queueID string) (QueueStateView, bool, error) {
	return s.getQueueState(ctx, s.db, queueID)
}

// NextTurn returns the next-turn view for queueID.
func (s *Store) NextTurn(ctx context.Context, queueID string) (NextTurnView, error) {
	return s.getNextTurn(ctx, s.db, queueID)
}

// ClearAll truncates every view table, used by rebuild's "clear all
// views" step. sqlite has no TRUNCATE; portable mode deletes the rows
// from each table individually instead.
func (s *Store) ClearAll(ctx context.Context) error {
	if s.portable {
		for _, table := range []string{"monitor_views", "queue_state_views", "next_turn_views", "recent_history_views"} {
			if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("projection: clear all views: %w", err)
			}
		}
		return nil
	}
	const stmt = `TRUNCATE monitor_views, queue_state_views, next_turn_views, recent_history_views`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("projection: clear all views: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting read helpers
// run either standalone or inside the mutation transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
