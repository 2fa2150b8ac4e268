package durable

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pumped-fn/corerun"
	"github.com/pumped-fn/corerun/durable/memstore"
)

func TestWorkerProcessesQueuedExecutions(t *testing.T) {
	rt, err := corerun.Run(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Dispose(context.Background()) })

	store := memstore.New()
	queue := memstore.NewQueue(4)
	svc := NewService(rt, store, nil, queue, corerun.DurableConfig{MaxAttempts: 3}, nil)

	task := corerun.NewTask("via-queue", func(ctx context.Context, input string, deps corerun.Deps) (string, error) {
		return "processed:" + input, nil
	})
	RegisterTask(svc, task)

	id, err := svc.Start(context.Background(), "via-queue", "payload", StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	worker := NewWorker(queue, svc, zerolog.Nop())
	go func() { _ = worker.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := store.GetExecution(context.Background(), id)
		require.NoError(t, err)
		if exec.Status == StatusCompleted {
			require.Equal(t, "processed:payload", exec.Result)
			cancel()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	t.Fatal("worker never completed the queued execution")
}
