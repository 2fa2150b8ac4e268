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

func TestPollerResumesASleepingExecutionOnceItsTimerFires(t *testing.T) {
	rt, err := corerun.Run(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Dispose(context.Background()) })

	store := memstore.New()
	svc := NewService(rt, store, nil, nil, corerun.DurableConfig{MaxAttempts: 3}, nil)

	task := corerun.NewTask("wake-me", func(ctx context.Context, input string, deps corerun.Deps) (string, error) {
		dc, err := Use(ctx)
		if err != nil {
			return "", err
		}
		if err := Sleep(ctx, dc, time.Millisecond, "nap"); err != nil {
			return "", err
		}
		return "awake", nil
	})
	RegisterTask(svc, task)

	id, err := svc.Start(context.Background(), "wake-me", "", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.ProcessExecution(context.Background(), id))

	exec, err := store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusSleeping, exec.Status)

	time.Sleep(5 * time.Millisecond) // let the sleep timer's FireAt pass

	poller := NewPoller(svc, "worker-1", corerun.DurableConfig{PollInterval: time.Hour, ClaimTTL: time.Minute}, zerolog.Nop())
	require.NoError(t, poller.Tick(context.Background()))

	exec, err = store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, exec.Status)
	require.Equal(t, "awake", exec.Result)
}

func TestPollerTimesOutAWaitingSignal(t *testing.T) {
	rt, err := corerun.Run(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Dispose(context.Background()) })

	store := memstore.New()
	svc := NewService(rt, store, nil, nil, corerun.DurableConfig{MaxAttempts: 3}, nil)

	timeout := time.Millisecond
	task := corerun.NewTask("ask-and-timeout", func(ctx context.Context, input string, deps corerun.Deps) (string, error) {
		dc, err := Use(ctx)
		if err != nil {
			return "", err
		}
		result, err := WaitForSignal(ctx, dc, "approval", &timeout)
		if err != nil {
			return "", err
		}
		return result.Kind, nil
	})
	RegisterTask(svc, task)

	id, err := svc.Start(context.Background(), "ask-and-timeout", "", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.ProcessExecution(context.Background(), id))

	time.Sleep(5 * time.Millisecond)

	poller := NewPoller(svc, "worker-1", corerun.DurableConfig{PollInterval: time.Hour, ClaimTTL: time.Minute}, zerolog.Nop())
	require.NoError(t, poller.Tick(context.Background()))

	exec, err := store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, exec.Status)
	require.Equal(t, "timeout", exec.Result)
}
