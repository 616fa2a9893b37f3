// Copyright 2025 James Ross
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/waitingroom/internal/eventstore"
	"github.com/codeready-toolchain/waitingroom/internal/events"
	"github.com/codeready-toolchain/waitingroom/internal/lag"
	"github.com/codeready-toolchain/waitingroom/internal/obs"
	"github.com/google/uuid"
)

// ProjectionID identifies this engine's checkpoint and idempotency
// ledger namespace. There is one read-view projection in this system,
// updating all four views from the same event stream.
const ProjectionID = "waiting_room_read_views"

// Engine subscribes to published domain events, applies them to the
// denormalized read views idempotently, tracks a checkpoint, and can
// rebuild every view from the event log (§4.5).
type Engine struct {
	store    *Store
	ledger   *Ledger
	events   *eventstore.Store
	lag      *lag.Tracker
	rebuildBatch int
}

func NewEngine(store *Store, ledger *Ledger, es *eventstore.Store, lagTracker *lag.Tracker) *Engine {
	return &Engine{store: store, ledger: ledger, events: es, lag: lagTracker, rebuildBatch: 500}
}

// idempotencyKey derives the deterministic key §4.5 step 1 specifies:
// "<logicalKind>:<queueId>:<aggregateId>:<eventId>". In this system the
// aggregate id and queueId are the same string, but both are included to
// match the contract literally.
func idempotencyKey(aggregateID string, e events.Event) string {
	return fmt.Sprintf("%s:%s:%s:%s", e.Name, aggregateID, aggregateID, e.Metadata.EventID)
}

// Process applies one event from the bus to the read views. It is safe
// to call more than once for the same event (duplicate broker delivery,
// dispatcher retry): the idempotency ledger absorbs the replay and the
// resulting view state after N deliveries equals the state after one.
func (eng *Engine) Process(ctx context.Context, globalSeq int64, aggregateID string, e events.Event) error {
	if !handlerFor(e.Name) {
		return fmt.Errorf("projection: %w: %q", errNoHandler, e.Name)
	}
	key := idempotencyKey(aggregateID, e)
	already, err := eng.ledger.CheckAndReserve(ctx, ProjectionID, key)
	if err != nil {
		return fmt.Errorf("projection: reserve idempotency key: %w", err)
	}
	if already {
		return nil
	}

	now := time.Now().UTC()
	tx, err := eng.store.db.BeginTx(ctx, nil)
	if err != nil {
		_ = eng.ledger.Release(ctx, ProjectionID, key)
		return fmt.Errorf("projection: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := applyEvent(ctx, tx, eng.store, aggregateID, e, now); err != nil {
		_ = eng.ledger.Release(ctx, ProjectionID, key)
		return fmt.Errorf("projection: apply %q: %w", e.Name, err)
	}
	if err := writeCheckpoint(ctx, tx, eng.store.portable, ProjectionID, globalSeq, key, now); err != nil {
		_ = eng.ledger.Release(ctx, ProjectionID, key)
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = eng.ledger.Release(ctx, ProjectionID, key)
		return fmt.Errorf("projection: commit: %w", err)
	}

	obs.ProjectionEventsProcessed.WithLabelValues(ProjectionID, e.Name).Inc()
	if eng.lag != nil {
		dur := now.Sub(e.Metadata.OccurredAt)
		obs.ProjectionLag.WithLabelValues(ProjectionID).Observe(dur.Seconds())
		if err := eng.lag.RecordProcessed(ctx, e.Metadata.EventID, now); err != nil {
			return fmt.Errorf("projection: record lag: %w", err)
		}
	}
	return nil
}

var errNoHandler = fmt.Errorf("no handler registered for event")

// Rebuild implements §4.5's rebuild contract: clear every view and the
// idempotency ledger, stream the full event log in total order, apply
// every event, then write a final checkpoint with the max observed
// global sequence and a fresh idempotency key.
func (eng *Engine) Rebuild(ctx context.Context) error {
	obs.ProjectionRebuilds.WithLabelValues(ProjectionID).Inc()
	if err := eng.store.ClearAll(ctx); err != nil {
		return err
	}
	if err := eng.ledger.Clear(ctx, ProjectionID); err != nil {
		return err
	}

	var afterSeq int64
	var maxSeq int64
	now := time.Now().UTC()
	for {
		batch, err := eng.events.StreamAll(ctx, afterSeq, eng.rebuildBatch)
		if err != nil {
			return fmt.Errorf("projection: rebuild: stream events: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, stored := range batch {
			tx, err := eng.store.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("projection: rebuild: begin tx: %w", err)
			}
			if err := applyEvent(ctx, tx, eng.store, stored.AggregateID, stored.Event, now); err != nil {
				tx.Rollback() //nolint:errcheck
				return fmt.Errorf("projection: rebuild: apply %q: %w", stored.Event.Name, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("projection: rebuild: commit: %w", err)
			}
			key := idempotencyKey(stored.AggregateID, stored.Event)
			if _, err := eng.ledger.CheckAndReserve(ctx, ProjectionID, key); err != nil {
				return fmt.Errorf("projection: rebuild: seed ledger: %w", err)
			}
			afterSeq = stored.GlobalSeq
			if stored.GlobalSeq > maxSeq {
				maxSeq = stored.GlobalSeq
			}
		}
	}

	tx, err := eng.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("projection: rebuild: final checkpoint begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := forceWriteCheckpoint(ctx, tx, eng.store.portable, ProjectionID, maxSeq, uuid.NewString(), now); err != nil {
		return fmt.Errorf("projection: rebuild: final checkpoint: %w", err)
	}
	return tx.Commit()
}
