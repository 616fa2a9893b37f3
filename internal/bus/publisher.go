// Package bus publishes domain events to the message broker. Two
// implementations share the same interface so command-handling code
// stays bus-agnostic: NoopPublisher (used on the write path, where
// Save already durably enqueued the outbox row) and AMQPPublisher (used
// by the dispatcher, which does the actual network publish).
package bus

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/waitingroom/internal/outbox"
	"github.com/streadway/amqp"
)

// Publisher publishes one outbox entry to the bus.
type Publisher interface {
	Publish(ctx context.Context, entry outbox.Entry) error
	Close() error
}

// NoopPublisher is the outbox-mode publisher: the command handler's
// write path never talks to the broker directly, because Save already
// committed the event to the outbox in the same transaction.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, outbox.Entry) error { return nil }
func (NoopPublisher) Close() error                                { return nil }

// AMQPPublisher is the bus-mode publisher used by the dispatcher. It
// declares the configured exchange (of Config.ExchangeType) at startup
// and publishes with routing key
// = event name, matching the wire format fixed by the HTTP/bus contract.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// Config names the exchange to declare and publish to.
type Config struct {
	URL          string
	Exchange     string
	ExchangeType string
}

// NewAMQPPublisher dials url, opens a channel, and declares the
// configured exchange durable so published events survive a broker
// restart.
func NewAMQPPublisher(cfg Config) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bus: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bus: declare exchange %q: %w", cfg.Exchange, err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: cfg.Exchange}, nil
}

// Publish sends entry's payload to the exchange with routing key =
// event name and the headers fixed by the wire-format contract:
// correlationId, messageId (= idempotency key; here the event id
// already carries that role), contentType, and persistent delivery.
// aggregateId and globalSeq ride along as headers too — the body stays
// the bare event payload (identical JSON to the event_log row), so the
// projection consumer needs them out-of-band to rebuild the (aggregateId,
// globalSeq, event) tuple Engine.Process requires.
func (p *AMQPPublisher) Publish(ctx context.Context, entry outbox.Entry) error {
	headers := amqp.Table{
		"correlationId": entry.CorrelationID,
		"messageId":     entry.EventID,
		"contentType":   "application/json",
		"aggregateId":   entry.AggregateID,
		"globalSeq":     entry.GlobalSeq,
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         entry.Payload,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		Timestamp:    entry.OccurredAt,
		MessageId:    entry.EventID,
		CorrelationId: entry.CorrelationID,
	}
	if err := p.channel.Publish(p.exchange, entry.EventName, false, false, msg); err != nil {
		return fmt.Errorf("bus: publish %q (%s): %w", entry.EventID, entry.EventName, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	var firstErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
