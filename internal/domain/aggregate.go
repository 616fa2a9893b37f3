// Package domain implements the WaitingQueue aggregate: its state
// machine, invariants, and the commands that mutate it by emitting
// events. No I/O happens in this package — every method is a pure
// function of the aggregate's current state and its arguments.
package domain

import (
	"fmt"
	"time"

	"github.com/codeready-toolchain/waitingroom/internal/events"
)

// WaitingQueue is the aggregate root for one hospital waiting room.
type WaitingQueue struct {
	QueueID       string
	QueueName     string
	MaxCapacity   int
	Version       int64
	CreatedAt     time.Time
	LastModified  time.Time

	patients              []*WaitingPatient
	currentCashierPatient string
	currentAttentionPatient string
	activeRooms           map[string]struct{}

	uncommitted []events.Event
}

// NewWaitingQueue constructs an empty, unpersisted aggregate and applies
// its creation event. Fails if queueName is empty or maxCapacity <= 0.
func NewWaitingQueue(queueID, queueName string, maxCapacity int, meta CommandMeta) (*WaitingQueue, error) {
	if queueName == "" {
		return nil, newError(ErrEmptyQueueName, "queue name must not be empty")
	}
	if maxCapacity <= 0 {
		return nil, newError(ErrNonPositiveCapacity, "max capacity must be positive, got %d", maxCapacity)
	}
	q := &WaitingQueue{QueueID: queueID, activeRooms: map[string]struct{}{}}
	q.record(meta, events.WaitingQueueCreated{
		QueueID:     queueID,
		QueueName:   queueName,
		MaxCapacity: maxCapacity,
	})
	return q, nil
}

// LoadWaitingQueue reconstructs an aggregate by folding a history of
// previously committed events, in ascending version order. Returns nil
// (no error) if history is empty, matching the event log store's
// load-by-aggregate contract.
func LoadWaitingQueue(queueID string, history []events.Event) *WaitingQueue {
	if len(history) == 0 {
		return nil
	}
	q := &WaitingQueue{QueueID: queueID, activeRooms: map[string]struct{}{}}
	for _, e := range history {
		q.apply(e.Payload)
		q.Version = e.Metadata.Version
	}
	return q
}

// UncommittedEvents returns a snapshot of events produced since the
// aggregate was loaded or created, in emission order.
func (q *WaitingQueue) UncommittedEvents() []events.Event {
	out := make([]events.Event, len(q.uncommitted))
	copy(out, q.uncommitted)
	return out
}

// ClearUncommitted drops the pending event buffer after the caller has
// durably persisted it.
func (q *WaitingQueue) ClearUncommitted() {
	q.uncommitted = nil
}

// Patients returns a snapshot of every patient currently tracked
// (terminal or not — terminal patients stay in history but no longer
// count against capacity; see atCapacity).
func (q *WaitingQueue) Patients() []*WaitingPatient {
	out := make([]*WaitingPatient, len(q.patients))
	copy(out, q.patients)
	return out
}

func (q *WaitingQueue) findPatient(patientID string) *WaitingPatient {
	for _, p := range q.patients {
		if p.PatientID == patientID {
			return p
		}
	}
	return nil
}

func (q *WaitingQueue) activePatientCount() int {
	n := 0
	for _, p := range q.patients {
		if !p.State.terminal() {
			n++
		}
	}
	return n
}

func (q *WaitingQueue) atCapacity() bool {
	return q.activePatientCount() >= q.MaxCapacity
}

// CommandMeta carries the causal/correlation identity a command handler
// attaches to every event it produces via this aggregate.
type CommandMeta struct {
	EventID        string
	CorrelationID  string
	CausationID    string
	Actor          string
	IdempotencyKey string
	Now            time.Time
}

// record applies payload to the in-memory state (so later commands in
// the same call observe its effects) and appends it to the uncommitted
// buffer. Version numbers are assigned by the event log store at save
// time, not here; the aggregate's own Version field is incremented here
// (and set from each event's stored version during fold) so mid-command
// reads stay consistent.
//
// A handful of commands call record more than once (e.g.
// MarkPaymentPending cascades into a cancellation once attempts are
// exhausted); meta carries a single EventID/IdempotencyKey per command
// invocation, so each event emitted from it is suffixed with its
// position in the uncommitted buffer to keep the log's eventId and
// idempotencyKey unique constraints satisfied without losing
// determinism across a retried command.
func (q *WaitingQueue) record(meta CommandMeta, payload events.Payload) {
	q.apply(payload)
	q.Version++
	idx := len(q.uncommitted)
	q.uncommitted = append(q.uncommitted, events.Event{
		Name: payload.EventName(),
		Metadata: events.Metadata{
			EventID:        fmt.Sprintf("%s#%d", meta.EventID, idx),
			AggregateID:    q.QueueID,
			CorrelationID:  meta.CorrelationID,
			CausationID:    meta.CausationID,
			Actor:          meta.Actor,
			OccurredAt:     meta.Now.UTC(),
			IdempotencyKey: fmt.Sprintf("%s#%d", meta.IdempotencyKey, idx),
			SchemaVersion:  1,
		},
		Payload: payload,
	})
}
