// Package amqpqueue implements durable.Queue on top of
// github.com/streadway/amqp. Grounded on the evalgo-org-eve
// queue.RabbitMQService's connect/channel/declare lifecycle, extended
// with a dead-letter exchange so messages that exhaust MaxAttempts land
// somewhere inspectable instead of being silently dropped.
package amqpqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/pumped-fn/corerun/durable"
)

// Config names the queue, its dead-letter exchange/queue, and the AMQP
// URL to dial.
type Config struct {
	URL                string
	QueueName          string
	DeadLetterExchange string
	DeadLetterQueue    string
}

// Queue is an AMQP-backed durable.Queue.
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     Config
}

// New dials cfg.URL, opens a channel, and declares cfg.QueueName as a
// durable queue routed to a dead-letter exchange for exhausted retries.
func New(cfg Config) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	dlx := cfg.DeadLetterExchange
	if dlx == "" {
		dlx = cfg.QueueName + ".dlx"
	}
	dlq := cfg.DeadLetterQueue
	if dlq == "" {
		dlq = cfg.QueueName + ".dead"
	}

	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(dlq, "", dlx, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind dead-letter queue: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlx,
	}); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %q: %w", cfg.QueueName, err)
	}

	return &Queue{conn: conn, channel: ch, cfg: cfg}, nil
}

// Close tears down the channel and connection.
func (q *Queue) Close() error {
	if q.channel != nil {
		_ = q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, msg durable.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	return q.channel.Publish("", q.cfg.QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

// Consume subscribes to the queue and invokes handler per delivery,
// acking on success. On failure it republishes the message with Attempts
// incremented, and once MaxAttempts is exhausted nacks it without requeue,
// routing it to the dead-letter queue.
func (q *Queue) Consume(ctx context.Context, handler func(ctx context.Context, msg durable.QueueMessage) error) (func(), error) {
	deliveries, err := q.channel.Consume(q.cfg.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", q.cfg.QueueName, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				q.handleDelivery(ctx, d, handler)
			}
		}
	}()

	return func() { <-done }, nil
}

func (q *Queue) handleDelivery(ctx context.Context, d amqp.Delivery, handler func(ctx context.Context, msg durable.QueueMessage) error) {
	var msg durable.QueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		_ = d.Nack(false, false) // malformed, route straight to the dead-letter queue
		return
	}

	if err := handler(ctx, msg); err != nil {
		msg.Attempts++
		if msg.MaxAttempts == 0 || msg.Attempts < msg.MaxAttempts {
			// a requeued delivery keeps its original body, so republish
			// with the incremented count for another attempt
			if perr := q.Enqueue(ctx, msg); perr != nil {
				_ = d.Nack(false, true)
				return
			}
			_ = d.Ack(false)
			return
		}
		_ = d.Nack(false, false) // exhausted; AMQP routes it to the dead-letter exchange
		return
	}
	_ = d.Ack(false)
}
