package durable

import (
	"context"

	"github.com/rs/zerolog"
)

// Worker drains a Queue, advancing whatever Execution each delivered
// message names. Grounded on the teacher's workerpool.go job-channel
// fan-out, adapted from in-process jobs to Queue-delivered messages so
// work survives a process restart.
type Worker struct {
	queue   Queue
	service *Service
	log     zerolog.Logger
}

// NewWorker builds a Worker bound to service's task registry, consuming
// from queue.
func NewWorker(queue Queue, service *Service, log zerolog.Logger) *Worker {
	return &Worker{
		queue:   queue,
		service: service,
		log:     log.With().Str("component", "durable.worker").Logger(),
	}
}

// Run subscribes to the queue and processes messages until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	stop, err := w.queue.Consume(ctx, w.handle)
	if err != nil {
		return err
	}
	<-ctx.Done()
	stop()
	return ctx.Err()
}

func (w *Worker) handle(ctx context.Context, msg QueueMessage) error {
	if err := w.service.ProcessExecution(ctx, msg.ExecutionID); err != nil {
		w.log.Error().Err(err).Str("execution", msg.ExecutionID).Int("attempt", msg.Attempts).Msg("process execution failed")
		return err
	}
	return nil
}
