package events

import "time"

// Metadata carries the facts about an event that are not part of its
// business payload: identity, causal links, and versioning.
type Metadata struct {
	EventID        string    `json:"eventId"`
	AggregateID    string    `json:"aggregateId"`
	Version        int64     `json:"version"`
	CorrelationID  string    `json:"correlationId"`
	CausationID    string    `json:"causationId"`
	Actor          string    `json:"actor"`
	OccurredAt     time.Time `json:"occurredAt"`
	IdempotencyKey string    `json:"idempotencyKey"`
	SchemaVersion  int       `json:"schemaVersion"`
}
