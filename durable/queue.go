package durable

import "context"

// QueueMessage is one work-distribution message. ExecutionID identifies
// the durable execution processExecution should advance.
type QueueMessage struct {
	ID          string
	Type        string
	ExecutionID string
	Attempts    int
	MaxAttempts int
}

// Queue is the work-distribution contract: Enqueue hands off a message,
// Consume registers a handler invoked per delivered message: a nil return
// acks the message and an error nacks it for redelivery. An adapter tracks
// attempts and drops a message without requeue once MaxAttempts is
// exceeded.
type Queue interface {
	Enqueue(ctx context.Context, msg QueueMessage) error
	Consume(ctx context.Context, handler func(ctx context.Context, msg QueueMessage) error) (stop func(), err error)
}
