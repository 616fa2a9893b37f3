package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

// Delivery is one message received off the bus, already stripped down to
// the fields the projection consumer needs: routing key doubles as the
// event name, and aggregateId/globalSeq ride in headers since the body
// carries only the bare event payload (§4.3's wire-format contract keeps
// the outbox payload identical to the event_log row).
type Delivery struct {
	EventName   string
	AggregateID string
	GlobalSeq   int64
	EventID     string
	OccurredAt  time.Time
	Payload     []byte
}

// Handler processes one Delivery. A nil return acks the message; any
// other error nacks it for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// AMQPConsumer subscribes to the events exchange via a dedicated durable
// queue bound with a catch-all routing pattern, so the projection worker
// sees every event regardless of its routing key. It does not reconnect
// by itself: Run returns on connection loss and the caller decides when
// to call it again.
type AMQPConsumer struct {
	cfg   Config
	queue string
}

// NewAMQPConsumer builds a consumer that will declare and bind queueName
// to cfg.Exchange with routing key "#" (every routing key) when Run
// starts. queueName should be stable across restarts so unacked messages
// from a crashed consumer are redelivered to its replacement rather than
// orphaned in a throwaway queue.
func NewAMQPConsumer(cfg Config, queueName string) *AMQPConsumer {
	return &AMQPConsumer{cfg: cfg, queue: queueName}
}

// Run connects, declares the queue, and dispatches deliveries to handle
// until ctx is cancelled or the connection is lost. Callers own the
// reconnect loop: Run returns nil on clean shutdown, or an error if the
// connection dropped, and are expected to call Run again (optionally
// after a backoff) to resume consuming.
func (c *AMQPConsumer) Run(ctx context.Context, handle Handler) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("bus: consumer dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("bus: consumer open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.cfg.Exchange, c.cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: consumer declare exchange %q: %w", c.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: consumer declare queue %q: %w", c.queue, err)
	}
	if err := ch.QueueBind(c.queue, "#", c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bus: consumer bind queue %q: %w", c.queue, err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("bus: consumer set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("bus: consumer start consuming %q: %w", c.queue, err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("bus: consumer connection closed: %w", amqpErr)
			}
			return fmt.Errorf("bus: consumer connection closed")
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("bus: consumer delivery channel closed")
			}
			c.dispatch(ctx, d, handle)
		}
	}
}

func (c *AMQPConsumer) dispatch(ctx context.Context, d amqp.Delivery, handle Handler) {
	delivery := Delivery{
		EventName:  d.RoutingKey,
		EventID:    d.MessageId,
		OccurredAt: d.Timestamp,
		Payload:    d.Body,
	}
	if v, ok := d.Headers["aggregateId"].(string); ok {
		delivery.AggregateID = v
	}
	delivery.GlobalSeq = headerInt64(d.Headers["globalSeq"])

	if err := handle(ctx, delivery); err != nil {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// headerInt64 normalizes an AMQP table value into int64: the
// streadway/amqp codec decodes integers into different Go widths
// depending on their wire-encoded size, and globalSeq is published as a
// plain Go int64 by AMQPPublisher.
func headerInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
