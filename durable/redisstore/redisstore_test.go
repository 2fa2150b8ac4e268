package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pumped-fn/corerun/durable"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test:")
}

func TestStoreExecutionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exec := &durable.Execution{ID: "exec-1", TaskID: "task-a", Status: durable.StatusPending, MaxAttempts: 3}
	require.NoError(t, store.SaveExecution(ctx, exec))

	got, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, "task-a", got.TaskID)

	incomplete, err := store.ListIncompleteExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)

	require.NoError(t, store.UpdateExecution(ctx, "exec-1", func(e *durable.Execution) {
		e.Status = durable.StatusCompleted
	}))

	incomplete, err = store.ListIncompleteExecutions(ctx)
	require.NoError(t, err)
	require.Empty(t, incomplete)
}

func TestStoreTimerLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateTimer(ctx, &durable.Timer{
		ID:          "timer-1",
		Type:        durable.TimerSleep,
		ExecutionID: "exec-1",
		FireAt:      past,
		Status:      durable.TimerPending,
	}))

	ready, err := store.GetReadyTimers(ctx, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Len(t, ready, 1)

	claimed, err := store.ClaimTimer(ctx, "timer-1", "worker-a", 10_000)
	require.NoError(t, err)
	require.True(t, claimed)

	claimedAgain, err := store.ClaimTimer(ctx, "timer-1", "worker-b", 10_000)
	require.NoError(t, err)
	require.False(t, claimedAgain)

	require.NoError(t, store.MarkTimerFired(ctx, "timer-1"))
	ready, err = store.GetReadyTimers(ctx, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Empty(t, ready)
}

func TestStoreIdempotencyReservation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	existing, existed, err := store.ReserveIdempotencyKey(ctx, "key-1", "exec-1")
	require.NoError(t, err)
	require.False(t, existed)
	require.Empty(t, existing)

	existing, existed, err = store.ReserveIdempotencyKey(ctx, "key-1", "exec-2")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, "exec-1", existing)
}

func TestBusPublishSubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewBus(client)

	received := make(chan durable.BusMessage, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsubscribe, err := bus.Subscribe(ctx, "ch-1", func(msg durable.BusMessage) {
		received <- msg
	})
	require.NoError(t, err)
	defer unsubscribe()

	time.Sleep(50 * time.Millisecond) // let the subscription register with miniredis
	require.NoError(t, bus.Publish(ctx, "ch-1", durable.BusMessage{Type: "ping"}))

	select {
	case msg := <-received:
		require.Equal(t, "ping", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
